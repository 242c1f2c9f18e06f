package handoff

import (
	"context"
	"encoding"
	"fmt"
	"net/http"
	"time"

	"handoff-go/internal/control"
	"handoff-go/internal/model"
)

// migrate moves a passing connection to its target once a relayed response
// has been written in full, so later requests skip the relay. It does
// nothing unless the connection is quiet and the response framing leaves
// the connection reusable.
func (w *Worker) migrate(rw http.ResponseWriter, r *http.Request, cs *ConnectionState, s *ProxySession) {
	if !cs.Migratable() || !s.selfDelimited() || r.Close {
		return
	}
	rec, _ := cs.Passing()
	rc := http.NewResponseController(rw)
	// Hijack does not flush what the handler wrote.
	if err := rc.Flush(); err != nil {
		return
	}
	conn, brw, err := rc.Hijack()
	if err != nil {
		s.logger.Debug("connection not migratable", "error", err)
		return
	}

	p := model.ConnectionPass{
		HandoffID:  rec.HandoffID,
		WorkerID:   rec.WorkerID,
		RemoteAddr: r.RemoteAddr,
	}
	if head := buffered(brw.Reader); len(head) > 0 {
		p.Buffered = [][]byte{head}
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Coordinator.RouteTimeout()+time.Second)
	defer cancel()
	err = w.link.CallWithConn(ctx, control.MethodPassConnection, conn, func(token string) encoding.BinaryMarshaler {
		p.Token = token
		return p
	}, nil)
	if err != nil {
		w.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyConnection), "migrate_failed").Inc()
		s.logger.Warn("connection migration failed", "target", rec.WorkerID, "error", err)
		return
	}
	w.metrics.HandoffsTotal.WithLabelValues(string(model.StrategyConnection), "migrated").Inc()
	s.logger.Debug("connection migrated", "target", rec.WorkerID, "buffered", len(p.Buffered))
}

// acceptConnection takes a client connection moved to this worker and
// serves it on the migrated listener.
func (w *Worker) acceptConnection(ctx context.Context, p model.ConnectionPass) error {
	conn, err := w.link.Claim(ctx, p.Token)
	if err != nil {
		return control.Wire(err)
	}
	var head []byte
	for _, b := range p.Buffered {
		head = append(head, b...)
	}
	if err := w.migrated.push(ctx, newHandedConn(conn, head)); err != nil {
		conn.Close()
		return fmt.Errorf("connection %d: %w", p.HandoffID, err)
	}
	w.logger.Debug("connection accepted", "handoff_id", p.HandoffID, "remote", p.RemoteAddr)
	return nil
}
