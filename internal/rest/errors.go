// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrUnavailable = errors.New("node: host unreachable or transport failure")
	ErrUpstream    = errors.New("node: internal error (5xx)")
	ErrRejected    = errors.New("node: request rejected (4xx)")
	ErrNotFound    = errors.New("node: resource not found")
	ErrBadResponse = errors.New("node: invalid response format or malformed data")
	ErrNoSession   = errors.New("node: no session id negotiated yet")
)

// Error wraps a sentinel with the context of the failed call.
type Error struct {
	Sentinel  error
	Node      string
	Operation string
	Status    int
	Message   string
	Err       error // lower level cause (net.Error, json error)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rest %s: %s: %v", e.Node, e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= http.StatusInternalServerError:
		return ErrUpstream
	default:
		return ErrRejected
	}
}
