// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// PropagateOptions controls a propagation pass.
type PropagateOptions struct {
	// MaxRooms bounds how many community rooms are examined. Larger
	// communities are randomly sampled. For InviteMember, zero disables
	// the sibling room fan-out.
	MaxRooms int
	// InviteToCommunity also invites missing users into the community
	// itself when the bot is a community admin.
	InviteToCommunity bool
	// ReinviteLeft invites users who previously left a sibling room.
	ReinviteLeft bool
}

// PropagateResult counts the work done by one pass.
type PropagateResult struct {
	Examined int
	Invited  int
	Failed   int
}

// Propagator invites members of a tracked room into the other rooms of its
// community.
type Propagator struct {
	client protocol.Client
	log    zerolog.Logger
}

func NewPropagator(client protocol.Client, log zerolog.Logger) *Propagator {
	return &Propagator{
		client: client,
		log:    log.With().Str("component", "propagator").Logger(),
	}
}

// Propagate invites every joined member of the linked room into each sampled
// sibling room where they are missing. A user counts as present in a sibling
// room for any membership state, except leave when opts.ReinviteLeft is set.
func (p *Propagator) Propagate(ctx context.Context, link Link, opts PropagateOptions) (*PropagateResult, error) {
	log := p.log.With().
		Str("room_id", string(link.RoomID)).
		Str("community_id", string(link.CommunityID)).
		Logger()
	result := &PropagateResult{}

	members, err := p.client.JoinedMembers(ctx, link.RoomID)
	if err != nil {
		return result, fmt.Errorf("failed to list room members: %w", err)
	}
	rooms, err := p.client.GroupRooms(ctx, link.CommunityID)
	if err != nil {
		return result, fmt.Errorf("failed to list community rooms: %w", err)
	}
	community, err := p.communityInviter(ctx, link.CommunityID, opts)
	if err != nil {
		return result, err
	}

	sampled := sampleRooms(rooms, opts.MaxRooms)
	log.Info().
		Int("members", len(members)).
		Int("rooms", len(rooms)).
		Int("sampled", len(sampled)).
		Msg("Propagating room members")

	for _, target := range sampled {
		if target == link.RoomID {
			continue
		}
		result.Examined++
		present, err := p.client.RoomMembers(ctx, target, memberFilter(opts.ReinviteLeft))
		if err != nil {
			log.Warn().Err(err).Str("target_room_id", string(target)).Msg("Failed to list sibling room members")
			result.Failed++
			continue
		}
		for _, userID := range members {
			if userID == p.client.UserID() {
				continue
			}
			if _, ok := present[userID]; ok {
				continue
			}
			community.invite(ctx, log, userID, result)
			p.invite(ctx, log, target, userID, result)
		}
	}
	return result, nil
}

// InviteMember handles a single user joining the linked room: the user is
// invited into the community and, when opts.MaxRooms is positive, into up to
// that many sampled sibling rooms.
func (p *Propagator) InviteMember(ctx context.Context, link Link, userID id.UserID, opts PropagateOptions) (*PropagateResult, error) {
	result := &PropagateResult{}
	if userID == p.client.UserID() {
		return result, nil
	}
	log := p.log.With().
		Str("room_id", string(link.RoomID)).
		Str("community_id", string(link.CommunityID)).
		Str("user_id", string(userID)).
		Logger()

	community, err := p.communityInviter(ctx, link.CommunityID, opts)
	if err != nil {
		return result, err
	}
	community.invite(ctx, log, userID, result)
	if opts.MaxRooms <= 0 {
		return result, nil
	}

	rooms, err := p.client.GroupRooms(ctx, link.CommunityID)
	if err != nil {
		return result, fmt.Errorf("failed to list community rooms: %w", err)
	}
	for _, target := range sampleRooms(rooms, opts.MaxRooms) {
		if target == link.RoomID {
			continue
		}
		result.Examined++
		present, err := p.client.RoomMembers(ctx, target, memberFilter(opts.ReinviteLeft))
		if err != nil {
			log.Warn().Err(err).Str("target_room_id", string(target)).Msg("Failed to list sibling room members")
			result.Failed++
			continue
		}
		if _, ok := present[userID]; !ok {
			p.invite(ctx, log, target, userID, result)
		}
	}
	return result, nil
}

func (p *Propagator) invite(ctx context.Context, log zerolog.Logger, roomID id.RoomID, userID id.UserID, result *PropagateResult) {
	if err := p.client.InviteToRoom(ctx, roomID, userID); err != nil {
		log.Warn().Err(err).
			Str("target_room_id", string(roomID)).
			Str("user_id", string(userID)).
			Msg("Failed to invite user to room")
		result.Failed++
		return
	}
	log.Debug().
		Str("target_room_id", string(roomID)).
		Str("user_id", string(userID)).
		Msg("Invited user to room")
	result.Invited++
}

// communityInviter invites users into a community at most once per pass.
type communityInviter struct {
	client  protocol.Client
	groupID protocol.GroupID
	members *protocol.GroupMembers
}

func (p *Propagator) communityInviter(ctx context.Context, groupID protocol.GroupID, opts PropagateOptions) (*communityInviter, error) {
	if !opts.InviteToCommunity {
		return &communityInviter{}, nil
	}
	members, err := p.client.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list community members: %w", err)
	}
	if !members.IsPrivileged(p.client.UserID()) {
		return &communityInviter{}, nil
	}
	return &communityInviter{client: p.client, groupID: groupID, members: members}, nil
}

func (ci *communityInviter) invite(ctx context.Context, log zerolog.Logger, userID id.UserID, result *PropagateResult) {
	if ci.members == nil || ci.members.Includes(userID) {
		return
	}
	if err := ci.client.InviteToGroup(ctx, ci.groupID, userID); err != nil {
		log.Warn().Err(err).Str("user_id", string(userID)).Msg("Failed to invite user to community")
		result.Failed++
		return
	}
	ci.members.Invited = append(ci.members.Invited, userID)
	result.Invited++
}

func memberFilter(reinviteLeft bool) protocol.MemberFilter {
	if reinviteLeft {
		return protocol.MemberFilter{NotMembership: event.MembershipLeave}
	}
	return protocol.MemberFilter{}
}

// sampleRooms returns at most limit rooms, chosen at random when there are more.
func sampleRooms(rooms []id.RoomID, limit int) []id.RoomID {
	if limit <= 0 || len(rooms) <= limit {
		return rooms
	}
	sampled := slices.Clone(rooms)
	rand.Shuffle(len(sampled), func(i, j int) {
		sampled[i], sampled[j] = sampled[j], sampled[i]
	})
	return sampled[:limit]
}
