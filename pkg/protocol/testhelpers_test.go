// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const testBotID = id.UserID("@bot:example.com")

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeError is a canned Matrix error response.
type fakeError struct {
	Status  int
	ErrCode string
}

// fakeHomeserver is a test helper that wraps an httptest.Server simulating
// the Matrix client-server API. It records calls and serves canned responses
// keyed by "METHOD /path". Keys ending in "*" match by prefix.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	Responses map[string]any
	Errors    map[string]fakeError
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Responses: make(map[string]any),
		Errors:    make(map[string]fakeError),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// LastCall returns the most recent call whose path starts with prefix.
func (f *fakeHomeserver) LastCall(method, prefix string) (endpointCall, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method && strings.HasPrefix(calls[i].Path, prefix) {
			return calls[i], true
		}
	}
	return endpointCall{}, false
}

func lookup[T any](table map[string]T, key string) (T, bool) {
	if v, ok := table[key]; ok {
		return v, true
	}
	for pattern, v := range table {
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(key, strings.TrimSuffix(pattern, "*")) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	f.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	if e, ok := lookup(f.Errors, key); ok {
		w.WriteHeader(e.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": e.ErrCode, "error": "fake error"})
		return
	}
	if resp, ok := lookup(f.Responses, key); ok {
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNRECOGNIZED", "error": "not found: " + r.URL.Path})
}

// newTestClient creates a MatrixClient pointed at the fake homeserver.
func newTestClient(t *testing.T, f *fakeHomeserver) *MatrixClient {
	t.Helper()
	cli, err := mautrix.NewClient(f.Server.URL, testBotID, "test-token")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return NewMatrixClient(cli)
}
