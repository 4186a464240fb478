// Copyright 2024-2026 Aiku AI

package protocol

import (
	"context"
	"net/http"

	"maunium.net/go/mautrix/id"
)

// groupURL builds a legacy /_matrix/client/r0/groups/{groupID}/... URL.
func (m *MatrixClient) groupURL(groupID GroupID, path ...any) string {
	return m.cli.BuildClientURL(append([]any{"r0", "groups", groupID}, path...)...)
}

type respJoinedGroups struct {
	Groups []GroupID `json:"groups"`
}

type respGroupUsers struct {
	Chunk []GroupMember `json:"chunk"`
}

type respGroupRooms struct {
	Chunk []struct {
		RoomID id.RoomID `json:"room_id"`
	} `json:"chunk"`
}

// JoinedGroups lists the communities the bot has joined.
func (m *MatrixClient) JoinedGroups(ctx context.Context) ([]GroupID, error) {
	var resp respJoinedGroups
	_, err := m.cli.MakeRequest(ctx, http.MethodGet, m.cli.BuildClientURL("r0", "joined_groups"), nil, &resp)
	if err != nil {
		return nil, wrap("list joined communities", err)
	}
	return resp.Groups, nil
}

// AcceptGroupInvite accepts a pending community invitation.
func (m *MatrixClient) AcceptGroupInvite(ctx context.Context, groupID GroupID) error {
	_, err := m.cli.MakeRequest(ctx, http.MethodPut, m.groupURL(groupID, "self", "accept_invite"), struct{}{}, nil)
	return wrap("accept invite to "+string(groupID), err)
}

// JoinGroup joins a community directly, which only works for open communities.
func (m *MatrixClient) JoinGroup(ctx context.Context, groupID GroupID) error {
	_, err := m.cli.MakeRequest(ctx, http.MethodPut, m.groupURL(groupID, "self", "join"), struct{}{}, nil)
	return wrap("join "+string(groupID), err)
}

// GroupMembers lists invited and joined community members.
func (m *MatrixClient) GroupMembers(ctx context.Context, groupID GroupID) (*GroupMembers, error) {
	var joined respGroupUsers
	if _, err := m.cli.MakeRequest(ctx, http.MethodGet, m.groupURL(groupID, "users"), nil, &joined); err != nil {
		return nil, wrap("list members of "+string(groupID), err)
	}
	var invited respGroupUsers
	if _, err := m.cli.MakeRequest(ctx, http.MethodGet, m.groupURL(groupID, "invited_users"), nil, &invited); err != nil {
		return nil, wrap("list invited users of "+string(groupID), err)
	}
	members := &GroupMembers{Joined: joined.Chunk}
	for _, user := range invited.Chunk {
		members.Invited = append(members.Invited, user.UserID)
	}
	return members, nil
}

// GroupRooms lists the rooms that belong to a community.
func (m *MatrixClient) GroupRooms(ctx context.Context, groupID GroupID) ([]id.RoomID, error) {
	var resp respGroupRooms
	if _, err := m.cli.MakeRequest(ctx, http.MethodGet, m.groupURL(groupID, "rooms"), nil, &resp); err != nil {
		return nil, wrap("list rooms of "+string(groupID), err)
	}
	rooms := make([]id.RoomID, 0, len(resp.Chunk))
	for _, room := range resp.Chunk {
		rooms = append(rooms, room.RoomID)
	}
	return rooms, nil
}

// InviteToGroup invites a user to a community. Requires community admin.
func (m *MatrixClient) InviteToGroup(ctx context.Context, groupID GroupID, userID id.UserID) error {
	_, err := m.cli.MakeRequest(ctx, http.MethodPut, m.groupURL(groupID, "admin", "users", "invite", userID), struct{}{}, nil)
	return wrap("invite to "+string(groupID), err)
}
