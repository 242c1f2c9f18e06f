package control

import (
	"errors"
	"fmt"

	"github.com/creachadair/chirp"
)

// Handoff failures that cross the control channel. Coordinator handlers
// report them as chirp service errors carrying one of the codes below, and
// Link.Call maps the codes back so callers can use errors.Is.
var (
	// ErrRoutingFailed reports that the router yielded no live target.
	ErrRoutingFailed = errors.New("routing failed")

	// ErrTargetWorkerGone reports that the target exited before a transfer reached it.
	ErrTargetWorkerGone = errors.New("target worker gone")

	// ErrNoHandler reports that the receiving side has no application to dispatch to.
	ErrNoHandler = errors.New("no handler for handoff")

	// ErrAttachmentMissing reports that a call's connection never arrived.
	ErrAttachmentMissing = errors.New("connection attachment missing")
)

// Service error codes. Zero is chirp's generic service error.
const (
	codeRoutingFailed uint16 = 100 + iota
	codeTargetWorkerGone
	codeNoHandler
	codeAttachmentMissing
)

var codeErrors = map[uint16]error{
	codeRoutingFailed:     ErrRoutingFailed,
	codeTargetWorkerGone:  ErrTargetWorkerGone,
	codeNoHandler:         ErrNoHandler,
	codeAttachmentMissing: ErrAttachmentMissing,
}

// Wire converts err into the form a chirp handler should return so the
// remote caller can recover the sentinel.
func Wire(err error) error {
	if err == nil {
		return nil
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return &chirp.ErrorData{Code: code, Message: err.Error()}
		}
	}
	return err
}

// unwire maps a call error back onto the sentinel it was encoded from.
func unwire(method Method, err error) error {
	var ce *chirp.CallError
	if errors.As(err, &ce) && ce.Err == nil {
		if sentinel, ok := codeErrors[ce.Code]; ok {
			return fmt.Errorf("%s: %w (%s)", method, sentinel, ce.Message)
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}
