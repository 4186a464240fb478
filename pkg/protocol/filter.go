// Copyright 2024-2026 Aiku AI

package protocol

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
)

// Filter is a /sync filter. Unlike mautrix.Filter, empty type lists are sent
// as [] so the server returns no events of that category.
type Filter struct {
	AccountData EventFilter `json:"account_data"`
	Presence    EventFilter `json:"presence"`
	Room        RoomFilter  `json:"room"`
}

// RoomFilter is the room section of a Filter.
type RoomFilter struct {
	AccountData EventFilter `json:"account_data"`
	Ephemeral   EventFilter `json:"ephemeral"`
	State       EventFilter `json:"state"`
	Timeline    EventFilter `json:"timeline"`
}

// EventFilter restricts one event category.
type EventFilter struct {
	Types           []string `json:"types"`
	LazyLoadMembers bool     `json:"lazy_load_members,omitempty"`
}

// Only returns an EventFilter that matches exactly the given types.
func Only(types ...event.Type) EventFilter {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.Type)
	}
	return EventFilter{Types: names}
}

// Nothing returns an EventFilter that matches no events.
func Nothing() EventFilter {
	return EventFilter{Types: []string{}}
}

// Inline encodes the filter for use directly as the filter query parameter.
func (f *Filter) Inline() string {
	data, _ := json.Marshal(f)
	return string(data)
}

// SyncRequest holds the parameters of a single /sync call.
type SyncRequest struct {
	// FilterID is either an uploaded filter ID or an inline JSON filter.
	FilterID string
	Since    string
	Timeout  time.Duration
}
