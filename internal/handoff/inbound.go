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
	"time"

	"github.com/creachadair/mds/queue"
)

var errBodyClosed = errors.New("handoff: read on closed body")

// chunkBody is the body of a relayed request on the target. Legs append to
// it as they arrive; the application reads it like any request body.
type chunkBody struct {
	mu     sync.Mutex
	chunks *queue.Queue[[]byte]
	cur    []byte
	eof    bool
	err    error // reported once chunks are drained; nil means io.EOF
	closed bool
	signal chan struct{}
}

func newChunkBody() *chunkBody {
	return &chunkBody{chunks: queue.New[[]byte](), signal: make(chan struct{}, 1)}
}

func (b *chunkBody) push(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof || b.closed {
		return
	}
	b.chunks.Add(p)
	b.wake()
}

// finish ends the body. A nil err ends it cleanly.
func (b *chunkBody) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof {
		return
	}
	b.eof = true
	b.err = err
	b.wake()
}

func (b *chunkBody) finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof
}

func (b *chunkBody) discarding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || b.eof
}

func (b *chunkBody) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// fill appends everything read from r. Once the body is closed or ended
// the rest of r is discarded.
func (b *chunkBody) fill(r io.Reader) error {
	for {
		if b.discarding() {
			_, err := io.Copy(io.Discard, r)
			return err
		}
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			b.push(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *chunkBody) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return 0, errBodyClosed
		}
		if len(b.cur) == 0 {
			if next, ok := b.chunks.Pop(); ok {
				b.cur = next
			}
		}
		if len(b.cur) > 0 {
			n := copy(p, b.cur)
			b.cur = b.cur[n:]
			b.mu.Unlock()
			return n, nil
		}
		if b.eof {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.mu.Unlock()
		<-b.signal
	}
}

// Close discards the unread body. Later legs for the session are still
// accepted and dropped.
func (b *chunkBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.chunks = queue.New[[]byte]()
	b.cur = nil
	b.wake()
	return nil
}

// inbound is the target side of a relay session.
type inbound struct {
	id     string
	w      *Worker
	body   *chunkBody
	resp   *ProxiedResponse
	logger *slog.Logger
	cancel context.CancelFunc
	idle   *time.Timer

	mu         sync.Mutex
	dispatched bool // the application returned
	closed     bool
}

// touch restarts the idle timer after a leg.
func (in *inbound) touch() {
	in.idle.Reset(in.w.cfg.Relay.SessionTimeout())
}

// expire gives up on a session whose origin went quiet.
func (in *inbound) expire() {
	if !in.body.finished() {
		in.logger.Warn("relay session idle, abandoning body")
		in.body.finish(fmt.Errorf("%w: relay session idle", ErrUpstreamProxy))
		in.cancel()
	}
	in.maybeClose()
}

// abort tears the session down after the origin gave up on it. The
// application sees its request context cancelled.
func (in *inbound) abort() {
	in.logger.Debug("origin aborted relay")
	in.body.finish(fmt.Errorf("%w: origin aborted relay", ErrUpstreamProxy))
	in.cancel()
	in.maybeClose()
}

func (in *inbound) dispatchDone() {
	in.mu.Lock()
	in.dispatched = true
	in.mu.Unlock()
	in.maybeClose()
}

// maybeClose drops the session once the application has returned and the
// origin has finished the body.
func (in *inbound) maybeClose() {
	in.mu.Lock()
	if in.closed || !in.dispatched || !in.body.finished() {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.mu.Unlock()

	in.idle.Stop()
	in.cancel()
	in.w.targets.Delete(in.id)
	in.w.metrics.SessionsActive.WithLabelValues("target").Dec()
}

// ProxiedResponse is the response of a relayed request as seen from the
// target. The head must be written before any body; it opens a /response
// call back to the origin that carries the body as it is written.
type ProxiedResponse struct {
	w      *Worker
	id     string
	origin string

	mu      sync.Mutex
	started bool
	ended   bool
	pw      *io.PipeWriter
	result  chan error
}

func newProxiedResponse(w *Worker, id, origin string) *ProxiedResponse {
	return &ProxiedResponse{w: w, id: id, origin: origin}
}

// WriteHead sends the status, reason phrase and header. An empty phrase
// means the standard text for status.
func (p *ProxiedResponse) WriteHead(status int, phrase string, header http.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("handoff: response head already written")
	}
	p.started = true
	if phrase == "" {
		phrase = http.StatusText(status)
	}

	length := int64(-1)
	if v := header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			length = n
		}
	}
	h := legHeader(header, length)
	h.Set(HeaderID, p.id)
	h.Set(HeaderStatus, strconv.Itoa(status))
	h.Set(HeaderPhrase, phrase)

	pr, pw := io.Pipe()
	p.pw = pw
	p.result = make(chan error, 1)
	p.w.metrics.RelayLegs.WithLabelValues(pathResponse).Inc()
	go func() {
		err := p.post(h, pr)
		pr.CloseWithError(err)
		p.result <- err
	}()
	return nil
}

func (p *ProxiedResponse) post(h http.Header, body io.Reader) error {
	resp, err := p.w.client.Post(context.Background(), p.origin, pathResponse, h, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamProxy, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: origin answered %d", ErrUpstreamProxy, resp.StatusCode)
	}
	return nil
}

// Started reports whether the head has been written.
func (p *ProxiedResponse) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Write sends body bytes. It fails with ErrResponseNotStarted before
// WriteHead.
func (p *ProxiedResponse) Write(b []byte) (int, error) {
	p.mu.Lock()
	started, ended, pw := p.started, p.ended, p.pw
	p.mu.Unlock()
	if !started {
		return 0, ErrResponseNotStarted
	}
	if ended {
		return 0, errors.New("handoff: write after end of proxied response")
	}
	return pw.Write(b)
}

// End finishes the body and waits for the origin to acknowledge it. It
// fails with ErrResponseNotStarted before WriteHead.
func (p *ProxiedResponse) End() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrResponseNotStarted
	}
	if p.ended {
		p.mu.Unlock()
		return nil
	}
	p.ended = true
	p.mu.Unlock()

	p.pw.Close()
	return <-p.result
}

// abort cuts the /response call short so the origin drops the client.
func (p *ProxiedResponse) abort(err error) {
	p.mu.Lock()
	if !p.started || p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.mu.Unlock()

	p.pw.CloseWithError(err)
	<-p.result
}

// responseWriter presents a ProxiedResponse to the application as an
// http.ResponseWriter.
type responseWriter struct {
	resp   *ProxiedResponse
	header http.Header
	wrote  bool
	err    error
}

func newResponseWriter(p *ProxiedResponse) *responseWriter {
	return &responseWriter{resp: p, header: make(http.Header)}
}

func (rw *responseWriter) Header() http.Header { return rw.header }

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wrote {
		return
	}
	// Informational responses are not relayed.
	if code >= 100 && code < 200 {
		return
	}
	rw.wrote = true
	rw.err = rw.resp.WriteHead(code, "", rw.header)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wrote {
		if rw.header.Get("Content-Type") == "" && rw.header.Get("Content-Encoding") == "" && len(b) > 0 {
			rw.header.Set("Content-Type", http.DetectContentType(b))
		}
		rw.WriteHeader(http.StatusOK)
	}
	if rw.err != nil {
		return 0, rw.err
	}
	n, err := rw.resp.Write(b)
	if err != nil {
		rw.err = err
	}
	return n, err
}

// Flush is a no-op: every write is handed to the /response call as it
// happens.
func (rw *responseWriter) Flush() {}

// finish writes an implicit 200 if needed and ends the response.
func (rw *responseWriter) finish() error {
	if !rw.wrote {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.err != nil {
		rw.resp.abort(rw.err)
		return rw.err
	}
	return rw.resp.End()
}

// dispatch runs the application for a relayed request.
func (w *Worker) dispatch(in *inbound, req *http.Request) {
	rw := newResponseWriter(in.resp)
	defer in.dispatchDone()
	// Legs that arrive after the application returned are dropped.
	defer in.body.Close()
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if x != http.ErrAbortHandler {
			in.logger.Error("handler panicked on relayed request", "panic", x)
		}
		if !in.resp.Started() {
			if err := in.resp.WriteHead(http.StatusServiceUnavailable, "", http.Header{"Content-Length": {"0"}}); err == nil {
				in.resp.End()
			}
			return
		}
		in.resp.abort(fmt.Errorf("handler panicked: %v", x))
	}()

	w.handler().ServeHTTP(rw, req)
	if err := rw.finish(); err != nil {
		in.logger.Warn("relayed response failed", "error", err)
	}
}

// newInbound rebuilds the relayed request from a /req-start leg.
func (w *Worker) newInbound(leg *http.Request) (*inbound, *http.Request, error) {
	id := leg.Header.Get(HeaderID)
	method := leg.Header.Get(HeaderMethod)
	uri := leg.Header.Get(HeaderURL)
	origin := leg.Header.Get(HeaderOrigin)
	if method == "" || uri == "" || origin == "" {
		return nil, nil, fmt.Errorf("missing %s, %s or %s", HeaderMethod, HeaderURL, HeaderOrigin)
	}
	header, length := messageHeader(leg.Header)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = withRequestState(ctx, &requestState{forwarded: true})
	body := newChunkBody()
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.RequestURI = uri
	req.Host = leg.Header.Get(HeaderHost)
	req.RemoteAddr = leg.Header.Get(HeaderRemote)
	req.Header = header
	req.ContentLength = length
	if length < 0 {
		if method == http.MethodGet || method == http.MethodHead {
			req.ContentLength = 0
		} else {
			req.TransferEncoding = []string{"chunked"}
		}
	}

	in := &inbound{
		id:     id,
		w:      w,
		body:   body,
		resp:   newProxiedResponse(w, id, origin),
		logger: w.logger.With("handoff_id", id, "side", "target"),
		cancel: cancel,
	}
	in.idle = time.AfterFunc(w.cfg.Relay.SessionTimeout(), in.expire)
	return in, req, nil
}
