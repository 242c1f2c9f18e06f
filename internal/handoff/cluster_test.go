package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"handoff-go/internal/client"
	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/coordinator"
	"handoff-go/internal/metrics"
	"handoff-go/internal/model"
	"handoff-go/internal/router"
)

// reply is what the test application answers with.
type reply struct {
	Me        model.WorkerID `json:"me"`
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	Host      string         `json:"host"`
	Header    http.Header    `json:"header"`
	Body      string         `json:"body"`
	Forwarded bool           `json:"forwarded"`
}

type testWorker struct {
	*Worker
	e       *echo.Echo
	srv     *http.Server
	public  string // host:port of the public listener
	metrics *metrics.Metrics
}

type testCluster struct {
	coord   *coordinator.Coordinator
	workers map[model.WorkerID]*testWorker
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Coordinator.RouteTimeoutMS = 300
	cfg.Relay.IdleWindowMS = 10
	cfg.Relay.ResponseTimeoutSeconds = 5
	cfg.Relay.SessionTimeoutSeconds = 5
	cfg.SetDefaults()
	return cfg
}

// newCluster runs a coordinator and n workers in process. Every worker
// serves the same application; ids run from 1 to n.
func newCluster(t *testing.T, n int, cfg *config.Config) *testCluster {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := coordinator.New(cfg, logger, metrics.New())
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	t.Cleanup(coord.Stop)

	tc := &testCluster{coord: coord, workers: make(map[model.WorkerID]*testWorker)}
	for i := 1; i <= n; i++ {
		id := model.WorkerID(i)
		cl, wl := control.Pipe()
		if err := coord.AddWorker(id, cl); err != nil {
			t.Fatalf("AddWorker(%d) error = %v", id, err)
		}
		m := metrics.New()
		w := NewWorker(id, cfg, wl, client.NewPeerClient(cfg, logger, m), logger, m)
		tw := &testWorker{Worker: w, e: newTestApp(w), metrics: m}
		w.SetApp(tw.e)

		// The worker is fully built before any listener serves it.
		if err := w.Start(context.Background()); err != nil {
			t.Fatalf("worker %d Start() error = %v", id, err)
		}
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		tw.public = ln.Addr().String()
		tw.srv = &http.Server{Handler: tw.e}
		w.InstallHooks(tw.srv)
		go tw.srv.Serve(ln)
		go tw.srv.Serve(w.Migrated())
		t.Cleanup(func() {
			tw.srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w.Stop(ctx)
			wl.Stop()
		})
		tc.workers[id] = tw
	}
	return tc
}

// routeByHost sends foo.bar to worker 2 and everything else to worker 1.
func (tc *testCluster) routeByHost() {
	tc.coord.SetRouter(router.Func(func(req model.HandoffRequest) (model.WorkerID, error) {
		if req.Header["host"] == "foo.bar" {
			return 2, nil
		}
		return 1, nil
	}))
}

// handoffRoute runs pass and falls back to answering locally when the
// request was already handed off to this worker.
func handoffRoute(pass func(http.ResponseWriter, *http.Request) error, w *Worker) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := pass(c.Response(), c.Request())
		if errors.Is(err, ErrAlreadyHandedOff) || errors.Is(err, ErrNoStrategy) {
			return answer(w, c)
		}
		return nil
	}
}

func newTestApp(w *Worker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(w.Intercept())

	e.PUT("/passme", handoffRoute(w.PassRequest, w))
	e.POST("/passme", handoffRoute(w.PassRequest, w))
	e.GET("/passconn", handoffRoute(w.PassConnection, w))
	e.GET("/ws", func(c echo.Context) error {
		if IsForwarded(c.Request()) {
			return serveWebsocket(c)
		}
		if err := w.PassUpgrade(c.Response(), c.Request()); err != nil {
			w.logger.Debug("upgrade not passed", "error", err)
		}
		return nil
	})
	e.GET("/twice", func(c echo.Context) error {
		if IsForwarded(c.Request()) {
			return answer(w, c)
		}
		if err := w.PassRequest(c.Response(), c.Request()); err != nil {
			return err
		}
		secondPass <- w.PassRequest(c.Response(), c.Request())
		return nil
	})
	e.PUT("/ignore", passOr(w, func(c echo.Context) error {
		return c.String(http.StatusOK, "ignored")
	}))
	e.PUT("/hang", passOr(w, func(c echo.Context) error {
		ctx := c.Request().Context()
		hangStarted <- struct{}{}
		<-ctx.Done()
		hangCancelled <- ctx.Err()
		return nil
	}))
	e.Any("/*", func(c echo.Context) error { return answer(w, c) })
	return e
}

// passOr hands the request off and serves it with local once it arrives
// forwarded.
func passOr(w *Worker, local echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if IsForwarded(c.Request()) {
			return local(c)
		}
		if err := w.PassRequest(c.Response(), c.Request()); err != nil {
			w.logger.Debug("request not passed", "error", err)
		}
		return nil
	}
}

var (
	// secondPass receives the result of the second handoff on /twice.
	secondPass = make(chan error, 1)

	// hangStarted and hangCancelled report the target side of /hang.
	hangStarted   = make(chan struct{}, 1)
	hangCancelled = make(chan error, 1)
)

// answer replies with what this worker saw. Forwarded requests are
// answered with 203 so tests can tell them apart.
func answer(w *Worker, c echo.Context) error {
	r := c.Request()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	rep := reply{
		Me:        w.ID(),
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Host:      r.Host,
		Header:    r.Header,
		Body:      string(body),
		Forwarded: IsForwarded(r),
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if rep.Forwarded {
		status = http.StatusNonAuthoritativeInfo
	}
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(data)))
	return c.Blob(status, echo.MIMEApplicationJSON, data)
}

func decodeReply(t *testing.T, resp *http.Response) reply {
	t.Helper()
	rep, err := readReply(resp)
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

// readReply is decodeReply for goroutines other than the test's own.
func readReply(resp *http.Response) (reply, error) {
	defer resp.Body.Close()
	var rep reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return rep, fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
	}
	return rep, nil
}
