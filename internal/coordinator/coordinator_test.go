package coordinator

import (
	"bufio"
	"context"
	"encoding"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/creachadair/chirp/channel"
	"github.com/creachadair/chirp/handler"
	"github.com/google/go-cmp/cmp"

	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/metrics"
	"handoff-go/internal/model"
	"handoff-go/internal/router"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Coordinator.RouteTimeoutMS = 500
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg, logger, metrics.New())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// addWorker registers a worker and returns its end of the link.
func addWorker(t *testing.T, c *Coordinator, id model.WorkerID) *control.Link {
	t.Helper()
	coord, w := control.Pipe()
	if err := c.AddWorker(id, coord); err != nil {
		t.Fatalf("AddWorker(%d) error = %v", id, err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func ready(t *testing.T, w *control.Link, id model.WorkerID, addr string) {
	t.Helper()
	if err := w.Call(context.Background(), control.MethodInternalReady, model.ReadyNotice{WorkerID: id, Address: addr}, nil); err != nil {
		t.Fatalf("internal-ready error = %v", err)
	}
}

func routeReq(host string) model.HandoffRequest {
	return model.HandoffRequest{
		Method:   "PUT",
		URL:      "/passme",
		Header:   map[string]string{"host": host},
		Strategy: model.StrategyRequest,
	}
}

func TestRouteRequest_WaitsForReady(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetRouter(router.Fixed(2))
	w1 := addWorker(t, c, 1)
	w2 := addWorker(t, c, 2)

	got := make(chan model.HandoffRecord, 1)
	errc := make(chan error, 1)
	go func() {
		var rec model.HandoffRecord
		if err := w1.Call(context.Background(), control.MethodRouteRequest, routeReq("foo.bar"), &rec); err != nil {
			errc <- err
			return
		}
		got <- rec
	}()

	select {
	case rec := <-got:
		t.Fatalf("routed before target was ready: %+v", rec)
	case err := <-errc:
		t.Fatalf("route error = %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ready(t, w2, 2, "127.0.0.1:4002")

	select {
	case rec := <-got:
		want := model.HandoffRecord{HandoffID: 1, WorkerID: 2, Address: "127.0.0.1:4002"}
		if diff := cmp.Diff(want, rec); diff != "" {
			t.Errorf("record (-want +got):\n%s", diff)
		}
	case err := <-errc:
		t.Fatalf("route error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("route never completed")
	}
}

func TestRouteRequest_MonotonicIDs(t *testing.T) {
	c := newTestCoordinator(t)
	w := addWorker(t, c, 1)
	ready(t, w, 1, "127.0.0.1:4001")

	var last uint64
	for range 20 {
		rec, err := c.RouteRequest(context.Background(), routeReq("x"))
		if err != nil {
			t.Fatalf("RouteRequest() error = %v", err)
		}
		if rec.HandoffID <= last {
			t.Fatalf("handoff id %d not greater than %d", rec.HandoffID, last)
		}
		last = rec.HandoffID
	}
}

func TestRouteRequest_RoutingFailures(t *testing.T) {
	tests := []struct {
		name   string
		router router.Router
	}{
		{"panic", router.Func(func(model.HandoffRequest) (model.WorkerID, error) { panic("bad router") })},
		{"error", router.Func(func(model.HandoffRequest) (model.WorkerID, error) { return 0, errors.New("nope") })},
		{"no target", router.Fixed(model.NoWorker)},
		{"unknown worker", router.Fixed(42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(t)
			w := addWorker(t, c, 1)
			ready(t, w, 1, "127.0.0.1:4001")
			c.SetRouter(tt.router)

			err := w.Call(context.Background(), control.MethodRouteRequest, routeReq("x"), &model.HandoffRecord{})
			if !errors.Is(err, control.ErrRoutingFailed) {
				t.Errorf("error = %v, want ErrRoutingFailed", err)
			}

			// The coordinator keeps serving after a failure.
			c.SetRouter(router.Fixed(1))
			if _, err := c.RouteRequest(context.Background(), routeReq("x")); err != nil {
				t.Errorf("RouteRequest() after failure error = %v", err)
			}
		})
	}
}

func TestRouteRequest_NeverReady(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetRouter(router.Fixed(1))
	addWorker(t, c, 1)

	_, err := c.RouteRequest(context.Background(), routeReq("x"))
	if !errors.Is(err, control.ErrRoutingFailed) {
		t.Errorf("error = %v, want ErrRoutingFailed", err)
	}
}

func TestMarkReady_Twice(t *testing.T) {
	c := newTestCoordinator(t)
	addWorker(t, c, 1)
	if err := c.MarkReady(1, "127.0.0.1:1"); err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}
	if err := c.MarkReady(1, "127.0.0.1:2"); err == nil {
		t.Error("expected error on second ready")
	}
	if err := c.MarkReady(7, "127.0.0.1:2"); err == nil {
		t.Error("expected error for unknown worker")
	}
}

func TestRemoveWorker_Evicts(t *testing.T) {
	c := newTestCoordinator(t)
	w1 := addWorker(t, c, 1)
	w2 := addWorker(t, c, 2)
	ready(t, w1, 1, "127.0.0.1:4001")
	ready(t, w2, 2, "127.0.0.1:4002")

	if diff := cmp.Diff([]model.WorkerID{1, 2}, c.Live()); diff != "" {
		t.Fatalf("Live() (-want +got):\n%s", diff)
	}

	c.RemoveWorker(2)
	if diff := cmp.Diff([]model.WorkerID{1}, c.Live()); diff != "" {
		t.Errorf("Live() after remove (-want +got):\n%s", diff)
	}

	c.SetRouter(router.Fixed(2))
	if _, err := c.RouteRequest(context.Background(), routeReq("x")); !errors.Is(err, control.ErrRoutingFailed) {
		t.Errorf("route to removed worker error = %v, want ErrRoutingFailed", err)
	}
}

func TestLinkExit_Evicts(t *testing.T) {
	c := newTestCoordinator(t)
	w := addWorker(t, c, 1)
	ready(t, w, 1, "127.0.0.1:4001")

	w.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Live()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker not evicted after its link closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouteUpgrade_FailureWrites503(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetRouter(router.Fixed(model.NoWorker))

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.RouteUpgrade(context.Background(), model.UpgradeRequest{Method: "GET", URL: "/ws"}, server)
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if err := <-done; !errors.Is(err, control.ErrRoutingFailed) {
		t.Errorf("RouteUpgrade() error = %v, want ErrRoutingFailed", err)
	}
}

// lateExchange delivers every connection after a delay.
type lateExchange struct {
	control.Exchange
	delay time.Duration
}

func (x lateExchange) Send(token string, c net.Conn) error {
	time.AfterFunc(x.delay, func() { x.Exchange.Send(token, c) })
	return nil
}

func TestRouteUpgrade_LateAttachmentWrites503(t *testing.T) {
	c := newTestCoordinator(t)
	c.claimTimeout = 50 * time.Millisecond

	ca, cb := channel.Direct()
	xa, xb := control.MemExchange()
	if err := c.AddWorker(1, control.NewLink(ca, xa)); err != nil {
		t.Fatalf("AddWorker() error = %v", err)
	}
	w := control.NewLink(cb, lateExchange{Exchange: xb, delay: 300 * time.Millisecond})
	t.Cleanup(func() { w.Stop() })

	client, server := net.Pipe()
	defer client.Close()
	err := w.CallWithConn(context.Background(), control.MethodRouteUpgrade, server, func(token string) encoding.BinaryMarshaler {
		return model.UpgradeRequest{Method: "GET", URL: "/ws", Token: token}
	}, nil)
	if !errors.Is(err, control.ErrAttachmentMissing) {
		t.Errorf("route-upgrade error = %v, want ErrAttachmentMissing", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("read after 503 = %v, want EOF", err)
	}
}

func TestRouteUpgrade_TransfersToTarget(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetRouter(router.Header{Name: "x-route-to"})
	origin := addWorker(t, c, 1)
	target := addWorker(t, c, 2)
	ready(t, origin, 1, "127.0.0.1:4001")
	ready(t, target, 2, "127.0.0.1:4002")

	received := make(chan model.UpgradeRequest, 1)
	target.Handle(control.MethodUpgrade, handler.ParamError(func(ctx context.Context, u model.UpgradeRequest) error {
		conn, err := target.Claim(ctx, u.Token)
		if err != nil {
			return err
		}
		conn.Write(u.Head())
		conn.Close()
		received <- u
		return nil
	}))

	client, server := net.Pipe()
	defer client.Close()
	up := model.UpgradeRequest{
		Method:   "GET",
		URL:      "/ws",
		Host:     "foo.bar",
		Header:   http.Header{"X-Route-To": {"2"}, "Upgrade": {"websocket"}},
		Buffered: [][]byte{[]byte("ab"), []byte("cd")},
	}
	go func() {
		err := origin.CallWithConn(context.Background(), control.MethodRouteUpgrade, server, func(token string) encoding.BinaryMarshaler {
			u := up
			u.Token = token
			return u
		}, nil)
		if err != nil {
			t.Errorf("route-upgrade error = %v", err)
		}
	}()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abcd" {
		t.Errorf("target wrote %q, want %q", got, "abcd")
	}
	u := <-received
	if u.WorkerID != 2 || u.HandoffID == 0 || u.URL != "/ws" {
		t.Errorf("target payload = %+v", u)
	}
}

func TestPassConnection_TargetGone(t *testing.T) {
	c := newTestCoordinator(t)
	client, server := net.Pipe()
	defer client.Close()

	err := c.PassConnection(context.Background(), model.ConnectionPass{HandoffID: 3, WorkerID: 9}, server)
	if !errors.Is(err, control.ErrTargetWorkerGone) {
		t.Errorf("PassConnection() error = %v, want ErrTargetWorkerGone", err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected orphaned connection to be closed")
	}
}

func TestStatus(t *testing.T) {
	c := newTestCoordinator(t)
	w1 := addWorker(t, c, 1)
	addWorker(t, c, 2)
	ready(t, w1, 1, "127.0.0.1:4001")
	c.SetRouter(router.Fixed(1))
	if _, err := c.RouteRequest(context.Background(), routeReq("x")); err != nil {
		t.Fatalf("RouteRequest() error = %v", err)
	}

	st := c.Status()
	if st.Ready != 1 || len(st.Workers) != 2 || st.LastHandoffID != 1 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.Workers[0].ID != 1 || !st.Workers[0].Ready || st.Workers[0].Routed != 1 {
		t.Errorf("worker 1 status = %+v", st.Workers[0])
	}
	if st.Workers[1].Ready || st.Workers[1].Address != "" {
		t.Errorf("worker 2 status = %+v", st.Workers[1])
	}
}
