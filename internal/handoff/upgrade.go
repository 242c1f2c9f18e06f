package handoff

import (
	"bufio"
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"handoff-go/internal/control"
	"handoff-go/internal/model"
)

// IsUpgrade reports whether r asks for a protocol upgrade.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// PassUpgrade hands an upgrade request and its connection to the worker the
// router picks. The connection leaves this worker whatever the outcome: if
// routing fails the coordinator answers 503 on it and closes it.
func (w *Worker) PassUpgrade(rw http.ResponseWriter, r *http.Request) error {
	if !IsUpgrade(r) {
		return fmt.Errorf("%w: not an upgrade request", ErrNoStrategy)
	}
	if err := requestStateOf(r.Context()).claim(); err != nil {
		return err
	}
	conn, brw, err := http.NewResponseController(rw).Hijack()
	if err != nil {
		return fmt.Errorf("%w: hijack: %v", ErrNoStrategy, err)
	}

	header := r.Header.Clone()
	StripPrivate(header)
	u := model.UpgradeRequest{
		Method:     r.Method,
		URL:        r.URL.RequestURI(),
		Host:       r.Host,
		Proto:      r.Proto,
		Header:     header,
		RemoteAddr: r.RemoteAddr,
	}
	if head := buffered(brw.Reader); len(head) > 0 {
		u.Buffered = [][]byte{head}
	}

	// The request context ends with the handler; the transfer must not.
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Coordinator.RouteTimeout()+time.Second)
	defer cancel()
	err = w.link.CallWithConn(ctx, control.MethodRouteUpgrade, conn, func(token string) encoding.BinaryMarshaler {
		u.Token = token
		return u
	}, nil)
	w.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyUpgrade), outcome(err)).Inc()
	if err != nil {
		w.logger.Warn("upgrade handoff failed", "url", u.URL, "error", err)
		return fmt.Errorf("pass upgrade: %w", err)
	}
	w.logger.Debug("upgrade handed off", "url", u.URL, "buffered", len(u.Head()))
	return nil
}

// acceptUpgrade takes an upgrade handed to this worker by the coordinator.
// Dispatch happens after the acknowledgement; a connection that closed in
// transit is dropped without reaching the application.
func (w *Worker) acceptUpgrade(ctx context.Context, u model.UpgradeRequest) error {
	conn, err := w.link.Claim(ctx, u.Token)
	if err != nil {
		return control.Wire(err)
	}
	req, err := upgradeRequest(u)
	if err != nil {
		conn.Close()
		return fmt.Errorf("upgrade %d: %w", u.HandoffID, err)
	}
	hc := newHandedConn(conn, u.Head())
	logger := w.logger.With("handoff_id", u.HandoffID, "side", "target")

	w.tasks.Go(func() error {
		if hc.closedInTransit() {
			logger.Debug("upgrade connection closed in transit, dropping")
			hc.Close()
			return nil
		}
		w.dispatchUpgrade(hc, req, logger)
		return nil
	})
	return nil
}

func upgradeRequest(u model.UpgradeRequest) (*http.Request, error) {
	ctx := withRequestState(context.Background(), &requestState{forwarded: true})
	req, err := http.NewRequestWithContext(ctx, u.Method, u.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.RequestURI = u.URL
	req.Host = u.Host
	req.RemoteAddr = u.RemoteAddr
	req.Header = u.Header
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if major, minor, ok := http.ParseHTTPVersion(u.Proto); ok {
		req.Proto, req.ProtoMajor, req.ProtoMinor = u.Proto, major, minor
	}
	return req, nil
}

func (w *Worker) dispatchUpgrade(hc *handedConn, req *http.Request, logger *slog.Logger) {
	if h := w.upgradeHandler(); h != nil {
		defer func() {
			if x := recover(); x != nil {
				logger.Error("upgrade handler panicked", "panic", x)
				hc.Close()
			}
		}()
		h(req, hc, hc.takePrefix())
		return
	}

	uw := newUpgradeWriter(hc)
	defer uw.finish()
	defer func() {
		if x := recover(); x != nil && x != http.ErrAbortHandler {
			logger.Error("upgrade handler panicked", "panic", x)
		}
	}()
	w.handler().ServeHTTP(uw, req)
}

// upgradeWriter lets the application answer a handed-off upgrade either by
// hijacking the connection or by writing an ordinary response, which is
// sent with Connection: close.
type upgradeWriter struct {
	conn     net.Conn
	header   http.Header
	bw       *bufio.Writer
	wrote    bool
	hijacked bool
}

func newUpgradeWriter(c net.Conn) *upgradeWriter {
	return &upgradeWriter{conn: c, header: make(http.Header), bw: bufio.NewWriter(c)}
}

func (uw *upgradeWriter) Header() http.Header { return uw.header }

func (uw *upgradeWriter) WriteHeader(code int) {
	if uw.wrote || uw.hijacked {
		return
	}
	uw.wrote = true
	uw.header.Del("Transfer-Encoding")
	uw.header.Set("Connection", "close")
	fmt.Fprintf(uw.bw, "HTTP/1.1 %03d %s\r\n", code, http.StatusText(code))
	uw.header.Write(uw.bw)
	uw.bw.WriteString("\r\n")
}

func (uw *upgradeWriter) Write(b []byte) (int, error) {
	if uw.hijacked {
		return 0, http.ErrHijacked
	}
	if !uw.wrote {
		uw.WriteHeader(http.StatusOK)
	}
	return uw.bw.Write(b)
}

func (uw *upgradeWriter) Flush() {
	if !uw.hijacked {
		uw.bw.Flush()
	}
}

// Hijack hands the connection to the application. Bytes buffered by the
// origin come first on every read path.
func (uw *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if uw.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if uw.wrote {
		return nil, nil, errors.New("handoff: hijack after response written")
	}
	uw.hijacked = true
	return uw.conn, bufio.NewReadWriter(bufio.NewReader(uw.conn), bufio.NewWriter(uw.conn)), nil
}

// finish completes a non-hijacked response and closes the connection.
func (uw *upgradeWriter) finish() {
	if uw.hijacked {
		return
	}
	if !uw.wrote {
		uw.header.Set("Content-Length", "0")
		uw.WriteHeader(http.StatusOK)
	}
	uw.bw.Flush()
	uw.conn.Close()
}
