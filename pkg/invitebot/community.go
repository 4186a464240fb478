// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// CommunityStatus summarizes one reconciliation of the bot's own community posture.
type CommunityStatus struct {
	// Admin is true when the bot is a privileged member of the community.
	Admin bool
	// JoinedRooms counts community rooms the bot joined during this pass.
	JoinedRooms int
	// Invited counts members of the linked room invited to the community.
	Invited int
	// Failed counts per-item joins and invites that returned an error.
	Failed int
}

// Reconciler makes sure the bot is a member of a linked community and of
// every room belonging to it, and invites the linked room's members into
// the community when the bot has the rights to.
type Reconciler struct {
	client protocol.Client
	log    zerolog.Logger
}

func NewReconciler(client protocol.Client, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		client: client,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

// EnsureCommunity reconciles the bot's membership for link. Failing to join
// the community aborts the pass; failures joining a room or inviting a user
// are counted and the remaining items are still processed. Community rooms
// are joined before the member list is read, so an error listing members
// only skips the community invites.
func (rc *Reconciler) EnsureCommunity(ctx context.Context, link Link) (*CommunityStatus, error) {
	log := rc.log.With().
		Str("room_id", string(link.RoomID)).
		Str("community_id", string(link.CommunityID)).
		Logger()
	ctx = log.WithContext(ctx)
	status := &CommunityStatus{}

	if err := rc.ensureJoined(ctx, link.CommunityID); err != nil {
		return status, err
	}

	if err := rc.joinCommunityRooms(ctx, link.CommunityID, status); err != nil {
		return status, err
	}

	members, err := rc.client.GroupMembers(ctx, link.CommunityID)
	if err != nil {
		return status, fmt.Errorf("failed to list community members: %w", err)
	}
	status.Admin = members.IsPrivileged(rc.client.UserID())

	if !status.Admin {
		log.Debug().Msg("Not a community admin, skipping community invites")
		return status, nil
	}

	log.Info().Msg("Ensuring linked room members are in the community")
	joined, err := rc.client.JoinedMembers(ctx, link.RoomID)
	if err != nil {
		return status, fmt.Errorf("failed to list room members: %w", err)
	}
	for _, userID := range joined {
		if userID == rc.client.UserID() || members.Includes(userID) {
			continue
		}
		if err = rc.client.InviteToGroup(ctx, link.CommunityID, userID); err != nil {
			log.Warn().Err(err).Str("user_id", string(userID)).Msg("Failed to invite user to community")
			status.Failed++
			continue
		}
		members.Invited = append(members.Invited, userID)
		status.Invited++
	}
	return status, nil
}

func (rc *Reconciler) ensureJoined(ctx context.Context, groupID protocol.GroupID) error {
	log := zerolog.Ctx(ctx)
	joined, err := rc.client.JoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined communities: %w", err)
	}
	if slices.Contains(joined, groupID) {
		return nil
	}

	log.Info().Msg("Joining community")
	acceptErr := rc.client.AcceptGroupInvite(ctx, groupID)
	if acceptErr == nil {
		return nil
	}
	log.Debug().Err(acceptErr).Msg("No pending community invite, requesting to join")
	if err = rc.client.JoinGroup(ctx, groupID); err != nil {
		return fmt.Errorf("failed to join community %s: %w", groupID, err)
	}
	return nil
}

func (rc *Reconciler) joinCommunityRooms(ctx context.Context, groupID protocol.GroupID, status *CommunityStatus) error {
	log := zerolog.Ctx(ctx)
	rooms, err := rc.client.GroupRooms(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to list community rooms: %w", err)
	}
	joinedRooms, err := rc.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}

	servers := []string{groupID.Homeserver()}
	for _, roomID := range rooms {
		servers = append(servers, protocol.RoomServer(roomID))
	}
	via := protocol.ViaServers(servers...)

	for _, roomID := range missingRooms(rooms, joinedRooms) {
		if _, err = rc.client.JoinRoom(ctx, string(roomID), via); err != nil {
			log.Warn().Err(err).Str("target_room_id", string(roomID)).Msg("Failed to join community room")
			status.Failed++
			continue
		}
		log.Info().Str("target_room_id", string(roomID)).Msg("Joined community room")
		status.JoinedRooms++
	}
	return nil
}

func missingRooms(want, have []id.RoomID) []id.RoomID {
	joined := make(map[id.RoomID]struct{}, len(have))
	for _, roomID := range have {
		joined[roomID] = struct{}{}
	}
	var missing []id.RoomID
	for _, roomID := range want {
		if _, ok := joined[roomID]; !ok {
			missing = append(missing, roomID)
		}
	}
	return missing
}
