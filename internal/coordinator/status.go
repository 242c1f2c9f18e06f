package coordinator

import (
	"slices"
	"time"

	"handoff-go/internal/model"
)

// WorkerStatus describes one registered worker.
type WorkerStatus struct {
	ID      model.WorkerID `json:"id"`
	Ready   bool           `json:"ready"`
	Address string         `json:"address,omitempty"`
	Uptime  string         `json:"uptime"`
	Routed  uint64         `json:"routed"`
}

// Status is a snapshot of the coordinator for the admin surface.
type Status struct {
	Workers       []WorkerStatus `json:"workers"`
	Ready         int            `json:"ready"`
	LastHandoffID uint64         `json:"last_handoff_id"`
}

// Status returns a snapshot of the worker table.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Workers:       make([]WorkerStatus, 0, len(c.workers)),
		LastHandoffID: c.lastID.Load(),
	}
	for _, w := range c.workers {
		ws := WorkerStatus{
			ID:     w.id,
			Uptime: time.Since(w.started).Round(time.Second).String(),
			Routed: w.routed.Load(),
		}
		select {
		case <-w.ready:
			ws.Ready = true
			ws.Address = w.addr
			st.Ready++
		default:
		}
		st.Workers = append(st.Workers, ws)
	}
	slices.SortFunc(st.Workers, func(a, b WorkerStatus) int { return int(a.ID - b.ID) })
	return st
}
