package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/queue"

	"handoff-go/internal/model"
)

// Side-channel paths.
const (
	pathStart    = "/req-start"
	pathContinue = "/req-continue"
	pathDone     = "/req-done"
	pathAbort    = "/req-abort"
	pathResponse = "/response"
)

const (
	chunkSize = 32 << 10

	// abortTimeout bounds the call that tells a target to drop a session.
	abortTimeout = 5 * time.Second
)

// SessionState is the relay phase of a ProxySession.
type SessionState int32

const (
	StateStarting SessionState = iota
	StateStreaming
	StateAwaiting
	StateFinishing
	StateDone
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateStreaming:
		return "STREAMING"
	case StateAwaiting:
		return "AWAITING_UPSTREAM_RESPONSE"
	case StateFinishing:
		return "FINISHING"
	case StateDone:
		return "DONE"
	}
	return "SessionState(" + strconv.Itoa(int(s)) + ")"
}

type respState int

const (
	respNone respState = iota
	respStarted
	respFailed
)

var errSessionClosed = errors.New("relay session no longer accepts a response")

// ProxySession relays one client request to a target worker and the
// target's response back to the client.
//
// The request body travels in legs: /req-start, then /req-continue legs as
// data keeps arriving, then /req-done. Once a leg has a connection it
// closes after the idle window without new data. At most one leg is
// outstanding; chunks read while a leg's acknowledgement is pending are
// queued and flushed, in order, into the next leg. The run loop never waits
// on the network: legs buffer what they are handed, and reading from the
// client pauses while legBufferLimit bytes are held. The response arrives
// separately as a /response call from the target.
type ProxySession struct {
	id     string
	record model.HandoffRecord
	w      *Worker
	req    *http.Request
	logger *slog.Logger
	idle   time.Duration

	state    atomic.Int32
	bodyDone atomic.Bool

	// Owned by run.
	pending  *queue.Queue[[]byte]
	queued   int
	leg      *leg
	awaiting bool
	ended    bool
	legs     int

	mu         sync.Mutex
	rw         http.ResponseWriter
	resp       respState
	status     int
	length     int64
	headCh     chan struct{}
	respDone   chan struct{}
	respErr    error
	abortRelay func()
}

type leg struct {
	path      string
	body      *legBody
	final     bool
	connected bool
}

type legResult struct {
	path  string
	final bool
	err   error
}

func newProxySession(w *Worker, rec model.HandoffRecord, id string, rw http.ResponseWriter, r *http.Request) *ProxySession {
	s := &ProxySession{
		id:       id,
		record:   rec,
		w:        w,
		req:      r,
		logger:   w.logger.With("handoff_id", id, "target", rec.WorkerID),
		idle:     w.cfg.Relay.IdleWindow(),
		pending:  queue.New[[]byte](),
		rw:       rw,
		length:   -1,
		headCh:   make(chan struct{}),
		respDone: make(chan struct{}),
	}
	return s
}

// ID returns the correlation id of the session.
func (s *ProxySession) ID() string { return s.id }

// State returns the current relay phase.
func (s *ProxySession) State() SessionState { return SessionState(s.state.Load()) }

func (s *ProxySession) setState(st SessionState) {
	if old := SessionState(s.state.Swap(int32(st))); old != st {
		s.logger.Debug("relay state", "from", old, "to", st)
	}
}

// relay runs a session for r against rec and answers the client. It
// returns once the client has its response or the session failed.
func (w *Worker) relay(rw http.ResponseWriter, r *http.Request, rec model.HandoffRecord, id string, cs *ConnectionState) error {
	// The response may start while the body is still streaming in.
	http.NewResponseController(rw).EnableFullDuplex()

	s := newProxySession(w, rec, id, rw, r)
	w.origins.Put(id, s)
	w.metrics.SessionsActive.WithLabelValues("origin").Inc()
	defer func() {
		w.origins.Delete(id)
		w.metrics.SessionsActive.WithLabelValues("origin").Dec()
	}()

	strategy := model.StrategyRequest
	if cs != nil {
		strategy = model.StrategyConnection
	}

	uploadErr := s.run(r.Context())
	err := s.finish(r.Context(), uploadErr)
	if uploadErr != nil || err != nil {
		// The target may still be serving a request nobody waits for.
		w.tasks.Go(func() error {
			s.abortTarget()
			return nil
		})
	}
	if cs != nil {
		cs.setBodyDone(s.bodyDone.Load())
	}
	w.metrics.HandoffsTotal.WithLabelValues(string(strategy), outcome(err)).Inc()
	if err != nil {
		if s.headStarted() {
			s.logger.Warn("relay broke after response head", "error", err)
			abort(rw)
		}
		return err
	}
	s.logger.Debug("relay complete", "legs", s.legs, "status", s.status)

	if cs != nil && w.cfg.Relay.MigrateConnections {
		w.migrate(rw, r, cs, s)
	}
	return nil
}

// run uploads the request body. It returns nil once the final leg has been
// acknowledged.
func (s *ProxySession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan legResult, 1)
	idle := time.NewTimer(s.idle)
	idle.Stop()
	defer idle.Stop()

	if !hasBody(s.req) {
		s.ended = true
		s.bodyDone.Store(true)
		s.openLeg(ctx, pathStart, true, results)
		s.closeLeg()
		return s.drain(ctx, results)
	}

	chunks := make(chan []byte)
	readDone := make(chan error, 1)
	go readBody(ctx, s.req.Body, chunks, readDone)

	s.openLeg(ctx, pathStart, false, results)

	for {
		in := chunks
		if s.backlogged() {
			in = nil
		}
		var ready, space <-chan struct{}
		if s.leg != nil {
			if !s.leg.connected {
				ready = s.leg.body.ready
			}
			space = s.leg.body.space
		}

		select {
		case b := <-in:
			switch {
			case s.leg != nil:
				s.write(b)
			case s.awaiting:
				s.pending.Add(b)
				s.queued += len(b)
			default:
				s.openLeg(ctx, pathContinue, false, results)
				s.write(b)
			}
			if s.leg != nil && s.leg.connected {
				idle.Reset(s.idle)
			}

		case <-ready:
			// The idle window runs only while the leg holds a connection.
			s.leg.connected = true
			idle.Reset(s.idle)

		case <-space:
			// The leg drained; reading resumes on the next pass.

		case err := <-readDone:
			readDone = nil
			if err != nil {
				s.abandonLeg(err)
				return fmt.Errorf("read request body: %w", err)
			}
			s.ended = true
			s.bodyDone.Store(true)
			switch {
			case s.leg != nil:
				// The open leg carries everything read so far; /req-done
				// follows once it is acknowledged.
				s.closeLeg()
			case !s.awaiting:
				s.openLeg(ctx, pathDone, true, results)
				s.closeLeg()
			}

		case <-idle.C:
			if s.leg != nil && s.leg.connected {
				s.closeLeg()
			}

		case res := <-results:
			s.awaiting = false
			if res.err != nil {
				s.abandonLeg(res.err)
				return res.err
			}
			if res.final {
				return nil
			}
			switch {
			case s.ended:
				s.openLeg(ctx, pathDone, true, results)
				s.flush()
				s.closeLeg()
			case !s.pending.IsEmpty():
				s.openLeg(ctx, pathContinue, false, results)
				s.flush()
			default:
				s.setState(StateStreaming)
			}

		case <-ctx.Done():
			s.abandonLeg(ctx.Err())
			return ctx.Err()
		}
	}
}

// drain waits for the outstanding leg.
func (s *ProxySession) drain(ctx context.Context, results <-chan legResult) error {
	select {
	case res := <-results:
		s.awaiting = false
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish waits for the response relay after the upload ends with uploadErr.
// A failure before the response head is answered with a bare 500 or 503.
func (s *ProxySession) finish(ctx context.Context, uploadErr error) error {
	s.setState(StateFinishing)
	defer s.setState(StateDone)

	if uploadErr == nil {
		timer := time.NewTimer(s.w.cfg.Relay.ResponseTimeout())
		select {
		case <-s.headCh:
		case <-timer.C:
			uploadErr = fmt.Errorf("%w: no response within %s", ErrUpstreamProxy, s.w.cfg.Relay.ResponseTimeout())
		case <-ctx.Done():
			uploadErr = ctx.Err()
		}
		timer.Stop()
	}

	if uploadErr != nil && s.refuse(uploadErr) {
		return uploadErr
	}

	select {
	case <-s.respDone:
	case <-ctx.Done():
		s.mu.Lock()
		stop := s.abortRelay
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		<-s.respDone
	}
	if s.respErr != nil {
		return fmt.Errorf("%w: response relay: %v", ErrUpstreamProxy, s.respErr)
	}
	if uploadErr != nil {
		// The target answered in full; the rest of the body is moot.
		s.logger.Debug("upload ended early after complete response", "error", uploadErr)
	}
	return nil
}

// refuse answers the client with an error status unless the response head
// is already out. It reports whether it answered.
func (s *ProxySession) refuse(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp != respNone {
		return false
	}
	s.resp = respFailed
	status := statusFor(err)
	s.logger.Warn("relay failed", "status", status, "state", s.State(), "error", err)
	s.rw.WriteHeader(status)
	return true
}

func (s *ProxySession) headStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp == respStarted
}

func (s *ProxySession) openLeg(ctx context.Context, path string, final bool, results chan<- legResult) {
	var header http.Header
	if path == pathStart {
		header = s.startHeader(final)
		s.setState(StateStarting)
	} else {
		header = http.Header{"User-Agent": {""}}
		s.setState(StateStreaming)
	}
	header.Set(HeaderID, s.id)

	body := newLegBody()
	s.leg = &leg{path: path, body: body, final: final}
	s.legs++
	s.w.metrics.RelayLegs.WithLabelValues(path).Inc()
	s.logger.Debug("leg opened", "path", path, "leg", s.legs)

	go func() {
		err := s.post(ctx, path, header, body)
		results <- legResult{path: path, final: final, err: err}
	}()
}

func (s *ProxySession) post(ctx context.Context, path string, header http.Header, body io.Reader) error {
	resp, err := s.w.client.Post(ctx, s.record.Address, path, header, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamProxy, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %d", ErrUpstreamProxy, path, resp.StatusCode)
	}
	return nil
}

// abortTarget tells the target to drop its side of the session. A target
// that already let the session go answers 404, which is not an error here.
func (s *ProxySession) abortTarget() {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	header := http.Header{"User-Agent": {""}}
	header.Set(HeaderID, s.id)
	s.w.metrics.RelayLegs.WithLabelValues(pathAbort).Inc()
	resp, err := s.w.client.Post(ctx, s.record.Address, pathAbort, header, http.NoBody)
	if err != nil {
		s.logger.Debug("abort not delivered", "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	s.logger.Debug("target told to abort", "status", resp.StatusCode)
}

func (s *ProxySession) startHeader(end bool) http.Header {
	r := s.req
	length := int64(-1)
	if r.Header.Get("Content-Length") != "" {
		length = r.ContentLength
	}
	h := legHeader(r.Header, length)
	h.Set(HeaderURL, r.URL.RequestURI())
	h.Set(HeaderMethod, r.Method)
	h.Set(HeaderHost, r.Host)
	h.Set(HeaderOrigin, s.w.Addr())
	h.Set(HeaderRemote, r.RemoteAddr)
	if end {
		h.Set(HeaderEnd, "1")
	}
	return h
}

// write hands b to the open leg. A leg the transport gave up on drops it;
// the leg's result carries the error.
func (s *ProxySession) write(b []byte) {
	s.leg.body.add(b)
}

// flush moves queued chunks onto the open leg in arrival order.
func (s *ProxySession) flush() {
	for s.leg != nil {
		b, ok := s.pending.Pop()
		if !ok {
			break
		}
		s.write(b)
	}
	s.queued = 0
}

// backlogged reports whether enough of the body is held that reading from
// the client should pause.
func (s *ProxySession) backlogged() bool {
	if s.queued >= legBufferLimit {
		return true
	}
	return s.leg != nil && s.leg.body.full()
}

func (s *ProxySession) closeLeg() {
	if s.leg == nil {
		return
	}
	s.leg.body.end(nil)
	s.leg = nil
	s.awaiting = true
	s.setState(StateAwaiting)
}

func (s *ProxySession) abandonLeg(err error) {
	if s.leg != nil {
		s.leg.body.end(err)
		s.leg = nil
	}
}

// relayResponse replays the target's /response call onto the client.
// legWriter is the writer of the /response call itself, used to cut the call short if
// the client goes away.
func (s *ProxySession) relayResponse(legWriter http.ResponseWriter, r *http.Request) error {
	status, err := strconv.Atoi(r.Header.Get(HeaderStatus))
	if err != nil || status < 100 || status > 999 {
		return fmt.Errorf("bad %s %q", HeaderStatus, r.Header.Get(HeaderStatus))
	}
	phrase := r.Header.Get(HeaderPhrase)
	header, length := messageHeader(r.Header)

	s.mu.Lock()
	if s.resp != respNone {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.resp = respStarted
	s.status = status
	s.length = length
	rc := http.NewResponseController(legWriter)
	s.abortRelay = func() { rc.SetReadDeadline(time.Now()) }
	dst := s.rw.Header()
	for k, v := range header {
		dst[k] = v
	}
	s.rw.WriteHeader(status)
	close(s.headCh)
	s.mu.Unlock()

	if phrase != "" && phrase != http.StatusText(status) {
		s.logger.Debug("custom reason phrase not representable", "status", status, "phrase", phrase)
	}

	_, err = copyFlush(s.rw, r.Body)
	s.respErr = err
	close(s.respDone)
	return err
}

// selfDelimited reports whether the relayed response ended without needing
// the connection closed or a chunked terminator.
func (s *ProxySession) selfDelimited() bool {
	switch {
	case s.req.Method == http.MethodHead:
		return true
	case s.status == http.StatusNoContent, s.status == http.StatusNotModified:
		return true
	}
	return s.length >= 0
}

func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0
}

func readBody(ctx context.Context, body io.Reader, chunks chan<- []byte, done chan<- error) {
	for {
		buf := make([]byte, chunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err == io.EOF {
			done <- nil
			return
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// copyFlush copies src to dst, flushing after every write so streamed
// responses reach the client as they are produced.
func copyFlush(dst http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(dst)
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
			rc.Flush()
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// abort drops the client connection after a partial response.
func abort(rw http.ResponseWriter) {
	conn, _, err := http.NewResponseController(rw).Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}
