// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a media server failure.
type Kind int

const (
	KindUnreachable Kind = iota + 1
	KindUnauthorized
	KindNotFound
	KindTimeout
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrUnreachable  = errors.New("server unreachable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
)

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	default:
		return "unreachable"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrUnreachable
	}
}

// Error is returned by every MediaServer call.
type Error struct {
	Server string
	Op     string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Server, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Server, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf extracts the failure kind of err. Errors that are not *Error are
// classified as transport failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return transportKind(err)
}

func newError(server, op string, kind Kind, err error) *Error {
	return &Error{Server: server, Op: op, Kind: kind, Err: err}
}

// transportKind classifies an error returned by http.Client.Do.
func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}

// statusKind classifies a non-success HTTP status.
func statusKind(code int) Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnreachable
	}
}
