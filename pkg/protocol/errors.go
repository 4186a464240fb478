// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
)

// Kind classifies the outcome of a protocol operation so callers can branch
// on it instead of matching error codes.
type Kind int

const (
	// KindNone means the operation succeeded.
	KindNone Kind = iota
	// KindNotFound means the target (room state, room, group) does not exist
	// or is not visible to the bot.
	KindNotFound
	// KindDenied means the server refused the operation for lack of permission.
	KindDenied
	// KindRejected means the server rejected the request as invalid.
	KindRejected
	// KindTransient covers network failures, rate limits and 5xx responses.
	KindTransient
	// KindInternal is any error that did not come from the protocol layer.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindNotFound:
		return "not-found"
	case KindDenied:
		return "denied"
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is returned by every Client operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of err. Errors that do not wrap an *Error are
// KindInternal, nil is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a KindNotFound protocol error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// wrap classifies an error returned by mautrix. It returns nil for nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, mautrix.MNotFound):
		return KindNotFound
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, mautrix.MUnknownToken):
		return KindDenied
	case errors.Is(err, mautrix.MLimitExceeded):
		return KindTransient
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		code := httpErr.Response.StatusCode
		switch {
		case code == http.StatusNotFound:
			return KindNotFound
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return KindDenied
		case code == http.StatusTooManyRequests, code >= 500:
			return KindTransient
		case code >= 400:
			return KindRejected
		}
	}
	// No HTTP response at all: connection refused, DNS, TLS, timeouts.
	return KindTransient
}
