// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol wraps the Matrix client-server API operations the invite
// bot needs behind a narrow interface.
//
// [Client] is the capability set consumed by the bot. [MatrixClient] is the
// production implementation on top of mautrix-go; the legacy community
// (groups) endpoints that mautrix no longer models are issued as raw
// requests through the same client so they share authentication, logging
// and error handling.
//
// Every failed operation returns an [*Error] whose [Kind] tells the caller
// whether the failure was a missing resource, a permission problem, a
// rejected request or a transient condition.
package protocol

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Client is the set of homeserver operations used by the invite bot.
type Client interface {
	UserID() id.UserID

	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, error)
	InviteToRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	RoomMembers(ctx context.Context, roomID id.RoomID, filter MemberFilter) (map[id.UserID]event.Membership, error)
	RoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, out any) error
	SetRoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) error
	PowerLevels(ctx context.Context, roomID id.RoomID) (*PowerLevels, error)
	SendNotice(ctx context.Context, roomID id.RoomID, markdown string) error

	JoinedGroups(ctx context.Context) ([]GroupID, error)
	AcceptGroupInvite(ctx context.Context, groupID GroupID) error
	JoinGroup(ctx context.Context, groupID GroupID) error
	GroupMembers(ctx context.Context, groupID GroupID) (*GroupMembers, error)
	GroupRooms(ctx context.Context, groupID GroupID) ([]id.RoomID, error)
	InviteToGroup(ctx context.Context, groupID GroupID, userID id.UserID) error

	CreateFilter(ctx context.Context, filter *Filter) (string, error)
	Sync(ctx context.Context, req SyncRequest) (*mautrix.RespSync, error)
}

// MemberFilter narrows a room member listing. Empty fields do not filter.
type MemberFilter struct {
	Membership    event.Membership
	NotMembership event.Membership
}

// GroupMember is a joined member of a community.
type GroupMember struct {
	UserID     id.UserID `json:"user_id"`
	Privileged bool      `json:"is_privileged"`
}

// GroupMembers holds the invited and joined members of a community.
type GroupMembers struct {
	Invited []id.UserID
	Joined  []GroupMember
}

// Includes reports whether userID is invited to or joined in the community.
func (gm *GroupMembers) Includes(userID id.UserID) bool {
	if slices.Contains(gm.Invited, userID) {
		return true
	}
	return slices.ContainsFunc(gm.Joined, func(m GroupMember) bool {
		return m.UserID == userID
	})
}

// IsPrivileged reports whether userID is a joined admin of the community.
func (gm *GroupMembers) IsPrivileged(userID id.UserID) bool {
	return slices.ContainsFunc(gm.Joined, func(m GroupMember) bool {
		return m.UserID == userID && m.Privileged
	})
}

// PowerLevels is the subset of m.room.power_levels the bot evaluates.
type PowerLevels struct {
	Users        map[id.UserID]int `json:"users,omitempty"`
	UsersDefault int               `json:"users_default,omitempty"`
	Events       map[string]int    `json:"events,omitempty"`
	StateDefault *int              `json:"state_default,omitempty"`
}

// DefaultStateLevel applies when a room does not set state_default.
const DefaultStateLevel = 50

// UserLevel returns the effective level of userID: the explicit entry, or
// users_default.
func (pl *PowerLevels) UserLevel(userID id.UserID) int {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return pl.UsersDefault
}

// StateEventLevel returns the level required to send a state event of the
// given type: the greater of state_default and the per-type override.
func (pl *PowerLevels) StateEventLevel(evtType event.Type) int {
	required := DefaultStateLevel
	if pl.StateDefault != nil {
		required = *pl.StateDefault
	}
	if override, ok := pl.Events[evtType.Type]; ok && override > required {
		required = override
	}
	return required
}

// MatrixClient implements Client with a mautrix client.
type MatrixClient struct {
	cli *mautrix.Client
}

var _ Client = (*MatrixClient)(nil)

// NewMatrixClient wraps an authenticated mautrix client.
func NewMatrixClient(cli *mautrix.Client) *MatrixClient {
	return &MatrixClient{cli: cli}
}

// Mautrix returns the underlying mautrix client.
func (m *MatrixClient) Mautrix() *mautrix.Client {
	return m.cli
}

func (m *MatrixClient) UserID() id.UserID {
	return m.cli.UserID
}

func (m *MatrixClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := m.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, wrap("list joined rooms", err)
	}
	return resp.JoinedRooms, nil
}

// JoinRoom joins a room, passing via as server_name hints for federation.
func (m *MatrixClient) JoinRoom(ctx context.Context, roomIDOrAlias string, via []string) (id.RoomID, error) {
	joinURL := m.cli.BuildClientURL("v3", "join", roomIDOrAlias)
	if len(via) > 0 {
		joinURL += "?" + url.Values{"server_name": via}.Encode()
	}
	var resp mautrix.RespJoinRoom
	if _, err := m.cli.MakeRequest(ctx, http.MethodPost, joinURL, struct{}{}, &resp); err != nil {
		return "", wrap("join "+roomIDOrAlias, err)
	}
	return resp.RoomID, nil
}

func (m *MatrixClient) InviteToRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := m.cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return wrap("invite to "+string(roomID), err)
}

func (m *MatrixClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := m.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, wrap("list joined members of "+string(roomID), err)
	}
	return slices.Sorted(maps.Keys(resp.Joined)), nil
}

// respMembers is the /members response. Only the fields the bot reads are decoded.
type respMembers struct {
	Chunk []struct {
		StateKey string `json:"state_key"`
		Content  struct {
			Membership event.Membership `json:"membership"`
		} `json:"content"`
	} `json:"chunk"`
}

// RoomMembers lists every member event of a room, in any membership state
// unless filtered.
func (m *MatrixClient) RoomMembers(ctx context.Context, roomID id.RoomID, filter MemberFilter) (map[id.UserID]event.Membership, error) {
	membersURL := m.cli.BuildClientURL("v3", "rooms", roomID, "members")
	query := url.Values{}
	if filter.Membership != "" {
		query.Set("membership", string(filter.Membership))
	}
	if filter.NotMembership != "" {
		query.Set("not_membership", string(filter.NotMembership))
	}
	if len(query) > 0 {
		membersURL += "?" + query.Encode()
	}
	var resp respMembers
	if _, err := m.cli.MakeRequest(ctx, http.MethodGet, membersURL, nil, &resp); err != nil {
		return nil, wrap("list members of "+string(roomID), err)
	}
	members := make(map[id.UserID]event.Membership, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		members[id.UserID(evt.StateKey)] = evt.Content.Membership
	}
	return members, nil
}

func (m *MatrixClient) RoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, out any) error {
	err := m.cli.StateEvent(ctx, roomID, evtType, "", out)
	return wrap("read "+evtType.Type+" in "+string(roomID), err)
}

func (m *MatrixClient) SetRoomState(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) error {
	_, err := m.cli.SendStateEvent(ctx, roomID, evtType, "", content)
	return wrap("write "+evtType.Type+" in "+string(roomID), err)
}

func (m *MatrixClient) PowerLevels(ctx context.Context, roomID id.RoomID) (*PowerLevels, error) {
	var pl PowerLevels
	if err := m.cli.StateEvent(ctx, roomID, event.StatePowerLevels, "", &pl); err != nil {
		return nil, wrap("read power levels of "+string(roomID), err)
	}
	return &pl, nil
}

// SendNotice sends an m.notice rendered from markdown.
func (m *MatrixClient) SendNotice(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := format.RenderMarkdown(markdown, true, false)
	content.MsgType = event.MsgNotice
	_, err := m.cli.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	return wrap("send notice to "+string(roomID), err)
}

// CreateFilter uploads a sync filter and returns its ID.
func (m *MatrixClient) CreateFilter(ctx context.Context, filter *Filter) (string, error) {
	filterURL := m.cli.BuildClientURL("v3", "user", m.cli.UserID, "filter")
	var resp mautrix.RespCreateFilter
	if _, err := m.cli.MakeRequest(ctx, http.MethodPost, filterURL, filter, &resp); err != nil {
		return "", wrap("create filter", err)
	}
	return resp.FilterID, nil
}

// Sync performs one long-poll /sync request.
func (m *MatrixClient) Sync(ctx context.Context, req SyncRequest) (*mautrix.RespSync, error) {
	resp, err := m.cli.SyncRequest(ctx, int(req.Timeout.Milliseconds()), req.Since, req.FilterID, false, event.PresenceOffline)
	if err != nil {
		return nil, wrap("sync", err)
	}
	return resp, nil
}
