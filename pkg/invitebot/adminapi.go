// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AdminAPI exposes the tracked links and a resync trigger over HTTP.
type AdminAPI struct {
	bot *Bot
	log zerolog.Logger
}

// NewAdminAPI creates the admin API handlers for b.
func NewAdminAPI(b *Bot, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{bot: b, log: log.With().Str("component", "admin_api").Logger()}
}

// Handler returns a mux serving the admin endpoints.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/links", a.HandleLinks)
	mux.HandleFunc("/api/resync", a.HandleResync)
	return mux
}

// HandleLinks is an HTTP handler for GET /api/links. It lists every tracked
// room and its community.
func (a *AdminAPI) HandleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	links := a.bot.Registry().Links()
	if links == nil {
		links = []Link{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(links); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write links response")
	}
}

// HandleResync is an HTTP handler for POST /api/resync. The resync runs
// asynchronously on the sync loop; 429 is returned while one is queued.
func (a *AdminAPI) HandleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.bot.RequestResync() {
		http.Error(w, "resync already queued", http.StatusTooManyRequests)
		return
	}
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Resync requested")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]bool{"queued": true}); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write resync response")
	}
}

// Serve listens on addr until ctx is cancelled.
func (a *AdminAPI) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}()
	a.log.Info().Str("address", addr).Msg("Starting admin API")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
