// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// Link associates a tracked room with the community whose membership it mirrors.
type Link struct {
	RoomID      id.RoomID        `json:"room_id"`
	CommunityID protocol.GroupID `json:"community_id"`
}

// LinkContent is the value of the custom room state event. The zero value
// encodes as {} and means the room is not tracked.
type LinkContent struct {
	CommunityID string `json:"community_id,omitempty"`
}

// parseLink turns persisted state into a Link. ok is false for empty
// content; err is set when the content names an invalid community.
func parseLink(roomID id.RoomID, content LinkContent) (link Link, ok bool, err error) {
	if content.CommunityID == "" {
		return Link{}, false, nil
	}
	groupID, err := protocol.ParseGroupID(content.CommunityID)
	if err != nil {
		return Link{}, false, err
	}
	return Link{RoomID: roomID, CommunityID: groupID}, true, nil
}

// Registry is the in-memory table of tracked rooms. It is a cache derived
// from per-room custom state and can be rebuilt from it at any time.
//
// Membership events are only routed for rooms present in the table, so the
// key set doubles as the set of membership subscriptions. Thread-safe.
type Registry struct {
	client    protocol.Client
	stateType event.Type
	log       zerolog.Logger

	mu    sync.RWMutex
	links map[id.RoomID]Link
}

// NewRegistry creates an empty registry persisting links as stateType.
func NewRegistry(client protocol.Client, stateType event.Type, log zerolog.Logger) *Registry {
	return &Registry{
		client:    client,
		stateType: stateType,
		log:       log.With().Str("component", "registry").Logger(),
		links:     make(map[id.RoomID]Link),
	}
}

// Rebuild re-reads the link state of every joined room and replaces the
// table. Rooms whose state cannot be read for a reason other than absence
// keep their previous entry. Safe to call repeatedly.
func (r *Registry) Rebuild(ctx context.Context) error {
	rooms, err := r.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}

	previous := r.snapshot()
	links := make(map[id.RoomID]Link, len(previous))
	for _, roomID := range rooms {
		var content LinkContent
		err := r.client.RoomState(ctx, roomID, r.stateType, &content)
		if protocol.IsNotFound(err) {
			continue
		} else if err != nil {
			if link, ok := previous[roomID]; ok {
				r.log.Warn().Err(err).
					Str("room_id", string(roomID)).
					Msg("Failed to read link state, keeping previous link")
				links[roomID] = link
			} else {
				r.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Failed to read link state")
			}
			continue
		}
		link, ok, err := parseLink(roomID, content)
		if err != nil {
			r.log.Warn().Err(err).
				Str("room_id", string(roomID)).
				Str("community_id", content.CommunityID).
				Msg("Ignoring invalid link state")
			continue
		} else if !ok {
			continue
		}
		links[roomID] = link
	}

	r.mu.Lock()
	r.links = links
	r.mu.Unlock()

	evt := r.log.Info().Int("count", len(links))
	if r.log.GetLevel() <= zerolog.DebugLevel {
		evt = evt.Array("links", linkArray(r.Links()))
	}
	evt.Msg("Rebuilt tracked rooms")
	return nil
}

// Link persists a link for roomID and adds it to the table.
func (r *Registry) Link(ctx context.Context, roomID id.RoomID, communityID protocol.GroupID) (Link, error) {
	link := Link{RoomID: roomID, CommunityID: communityID}
	content := LinkContent{CommunityID: string(communityID)}
	if err := r.client.SetRoomState(ctx, roomID, r.stateType, &content); err != nil {
		return Link{}, fmt.Errorf("failed to save link state: %w", err)
	}
	r.Set(link)
	r.log.Info().
		Str("room_id", string(roomID)).
		Str("community_id", string(communityID)).
		Msg("Linked room")
	return link, nil
}

// Unlink clears the persisted link for roomID and removes it from the table.
// It returns the removed link.
func (r *Registry) Unlink(ctx context.Context, roomID id.RoomID) (Link, error) {
	link, ok := r.Get(roomID)
	if !ok {
		return Link{}, fmt.Errorf("room %s is not tracked", roomID)
	}
	if err := r.client.SetRoomState(ctx, roomID, r.stateType, &LinkContent{}); err != nil {
		return Link{}, fmt.Errorf("failed to clear link state: %w", err)
	}
	r.Remove(roomID)
	r.log.Info().
		Str("room_id", string(roomID)).
		Str("community_id", string(link.CommunityID)).
		Msg("Unlinked room")
	return link, nil
}

// Apply updates the table from a link state event observed in sync.
func (r *Registry) Apply(roomID id.RoomID, content LinkContent) {
	link, ok, err := parseLink(roomID, content)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Ignoring invalid link state")
		r.Remove(roomID)
		return
	}
	if !ok {
		r.Remove(roomID)
		return
	}
	r.Set(link)
}

// Get returns the link of roomID.
func (r *Registry) Get(roomID id.RoomID) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[roomID]
	return link, ok
}

// Set inserts or replaces a link without persisting it.
func (r *Registry) Set(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link.RoomID] = link
}

// Remove drops roomID from the table without persisting anything.
func (r *Registry) Remove(roomID id.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[roomID]
	delete(r.links, roomID)
	return ok
}

// Links returns a snapshot of all links ordered by room ID.
func (r *Registry) Links() []Link {
	r.mu.RLock()
	links := make([]Link, 0, len(r.links))
	for _, link := range r.links {
		links = append(links, link)
	}
	r.mu.RUnlock()
	slices.SortFunc(links, func(a, b Link) int {
		return cmp.Compare(a.RoomID, b.RoomID)
	})
	return links
}

// Len returns the number of tracked rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

func (r *Registry) snapshot() map[id.RoomID]Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[id.RoomID]Link, len(r.links))
	for k, v := range r.links {
		cp[k] = v
	}
	return cp
}

type linkArray []Link

func (la linkArray) MarshalZerologArray(arr *zerolog.Array) {
	for _, link := range la {
		arr.Str(string(link.RoomID) + " - " + string(link.CommunityID))
	}
}
