// Package model defines the types shared by the coordinator and its workers.
package model

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// WorkerID identifies a worker process. Valid ids are positive.
type WorkerID int

// NoWorker is the router result meaning "no target".
const NoWorker WorkerID = 0

func (id WorkerID) String() string { return strconv.Itoa(int(id)) }

// Strategy tags how a request is being handed off.
type Strategy string

const (
	StrategyRequest    Strategy = "request"
	StrategyConnection Strategy = "connection"
	StrategyUpgrade    Strategy = "upgrade"
)

// HandoffRequest is what a worker sends to the coordinator to ask where a
// request belongs. Header keys are lower-case and repeated values are
// combined as HTTP allows.
type HandoffRequest struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Header   map[string]string `json:"headers"`
	Strategy Strategy          `json:"strategy"`
}

// NewHandoffRequest captures the routing view of r.
func NewHandoffRequest(r *http.Request, s Strategy) HandoffRequest {
	return HandoffRequest{
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Header:   CombineHeader(r.Header, r.Host),
		Strategy: s,
	}
}

func (h HandoffRequest) MarshalBinary() ([]byte, error) { return json.Marshal(h) }

func (h *HandoffRequest) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, h) }

// HandoffRecord is the coordinator's answer to a successful route.
type HandoffRecord struct {
	HandoffID uint64   `json:"handoff_id"`
	WorkerID  WorkerID `json:"worker_id"`
	Address   string   `json:"address"`
}

func (h HandoffRecord) MarshalBinary() ([]byte, error) { return json.Marshal(h) }

func (h *HandoffRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, h) }

// ProxyID is the correlation id of the n-th request relayed under this
// record. The first request uses the bare handoff id; later requests on a
// passed connection use "<id>-<n>".
func (h HandoffRecord) ProxyID(n int) string {
	id := strconv.FormatUint(h.HandoffID, 10)
	if n <= 1 {
		return id
	}
	return id + "-" + strconv.Itoa(n)
}

// UpgradeRequest carries a protocol-upgrade request and the bytes the origin
// had already read past its head. The live connection travels alongside as
// a control channel attachment named by Token.
type UpgradeRequest struct {
	HandoffID  uint64      `json:"handoff_id,omitempty"`
	WorkerID   WorkerID    `json:"worker_id,omitempty"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Host       string      `json:"host"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	RemoteAddr string      `json:"remote_addr"`
	Buffered   [][]byte    `json:"buffered"` // base64 chunks on the wire
	Token      string      `json:"token"`
}

func (u UpgradeRequest) MarshalBinary() ([]byte, error) { return json.Marshal(u) }

func (u *UpgradeRequest) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, u) }

// Routing returns the routing view of the upgrade.
func (u UpgradeRequest) Routing() HandoffRequest {
	return HandoffRequest{
		Method:   u.Method,
		URL:      u.URL,
		Header:   CombineHeader(u.Header, u.Host),
		Strategy: StrategyUpgrade,
	}
}

// Head concatenates the buffered chunks in order.
func (u UpgradeRequest) Head() []byte {
	var n int
	for _, b := range u.Buffered {
		n += len(b)
	}
	head := make([]byte, 0, n)
	for _, b := range u.Buffered {
		head = append(head, b...)
	}
	return head
}

// ConnectionPass moves a whole client connection to the worker that already
// serves it through a connection-level handoff.
type ConnectionPass struct {
	HandoffID  uint64   `json:"handoff_id"`
	WorkerID   WorkerID `json:"worker_id"`
	RemoteAddr string   `json:"remote_addr"`
	Buffered   [][]byte `json:"buffered"`
	Token      string   `json:"token"`
}

func (c ConnectionPass) MarshalBinary() ([]byte, error) { return json.Marshal(c) }

func (c *ConnectionPass) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, c) }

// ReadyNotice is sent once by a worker after its internal listener is bound.
type ReadyNotice struct {
	WorkerID WorkerID `json:"worker_id"`
	Address  string   `json:"address"`
}

func (r ReadyNotice) MarshalBinary() ([]byte, error) { return json.Marshal(r) }

func (r *ReadyNotice) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, r) }

// CombineHeader flattens h into lower-case keys, joining repeated values
// with ", " (or "; " for cookies). A non-empty host is reported as "host".
func CombineHeader(h http.Header, host string) map[string]string {
	out := make(map[string]string, len(h)+1)
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := h[k]
		if len(vals) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		sep := ", "
		if lk == "cookie" {
			sep = "; "
		}
		out[lk] = strings.Join(vals, sep)
	}
	if host != "" {
		out["host"] = host
	}
	return out
}
