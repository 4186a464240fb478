// Copyright 2024-2026 Aiku AI

package protocol

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// GroupID is a legacy Matrix community identifier of the form +localpart:server.
type GroupID string

func (g GroupID) String() string {
	return string(g)
}

// Homeserver returns the server part of the group ID.
func (g GroupID) Homeserver() string {
	return ServerName(string(g))
}

// ParseGroupID validates a community identifier.
func ParseGroupID(raw string) (GroupID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 4 || raw[0] != '+' {
		return "", fmt.Errorf("%q is not a community ID", raw)
	}
	localpart, server, ok := strings.Cut(raw[1:], ":")
	if !ok || localpart == "" || server == "" {
		return "", fmt.Errorf("%q is not a community ID", raw)
	}
	if strings.ContainsAny(localpart, " /:") {
		return "", fmt.Errorf("%q is not a community ID", raw)
	}
	return GroupID(raw), nil
}

// ServerName extracts the server name from a sigil-prefixed Matrix identifier.
// Room IDs from room versions without a server part return "".
func ServerName(identifier string) string {
	_, server, ok := strings.Cut(identifier, ":")
	if !ok {
		return ""
	}
	return server
}

// RoomServer returns the server part of a room ID, or "" when it has none.
func RoomServer(roomID id.RoomID) string {
	return ServerName(string(roomID))
}

// ViaServers builds a de-duplicated, order-preserving list of server names
// for use as join hints. Empty names are skipped.
func ViaServers(servers ...string) []string {
	seen := make(map[string]struct{}, len(servers))
	via := make([]string, 0, len(servers))
	for _, server := range servers {
		if server == "" {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		via = append(via, server)
	}
	return via
}
