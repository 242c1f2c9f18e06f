package handoff

import (
	"net/http"
	"strconv"
	"strings"
)

// Private side-channel headers. They never reach application code on either
// worker.
const (
	HeaderID     = "X-Handoff-Id"
	HeaderURL    = "X-Handoff-Url"
	HeaderMethod = "X-Handoff-Method"
	HeaderHost   = "X-Handoff-Host"
	HeaderOrigin = "X-Handoff-Origin"
	HeaderRemote = "X-Handoff-Remote"
	HeaderLength = "X-Handoff-Length"
	HeaderEnd    = "X-Handoff-End"
	HeaderStatus = "X-Handoff-Status"
	HeaderPhrase = "X-Handoff-Phrase"

	privatePrefix = "X-Handoff-"
)

// hopHeaders describe one leg's framing, not the relayed message.
var hopHeaders = []string{"Connection", "Transfer-Encoding", "Content-Length", "Keep-Alive", "Trailer"}

// IsPrivate reports whether the canonical header key k belongs to the
// side-channel protocol.
func IsPrivate(k string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(k), privatePrefix)
}

// StripPrivate removes every side-channel header from h.
func StripPrivate(h http.Header) {
	for k := range h {
		if IsPrivate(k) {
			delete(h, k)
		}
	}
}

// legHeader builds the header of a side-channel leg carrying a message with
// header src. The message length travels in HeaderLength because the leg
// itself is chunked.
func legHeader(src http.Header, length int64) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	StripPrivate(h)
	for _, k := range hopHeaders {
		h.Del(k)
	}
	if length >= 0 {
		h.Set(HeaderLength, strconv.FormatInt(length, 10))
	}
	// An empty value stops the client from adding its own User-Agent.
	if _, ok := h["User-Agent"]; !ok {
		h["User-Agent"] = []string{""}
	}
	return h
}

// messageHeader recovers the relayed message header from a leg header and
// reports the message length, or -1 if unknown.
func messageHeader(leg http.Header) (http.Header, int64) {
	length := int64(-1)
	if v := leg.Get(HeaderLength); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			length = n
		}
	}
	h := leg.Clone()
	StripPrivate(h)
	for _, k := range hopHeaders {
		h.Del(k)
	}
	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	return h, length
}
