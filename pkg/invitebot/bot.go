// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// resyncRetryDelay is how long to wait before retrying a resync whose
// registry rebuild failed.
const resyncRetryDelay = 5 * time.Minute

// Bot drives the registry, reconciler and propagator from the /sync stream.
// All reconciliation runs on the goroutine calling Run.
type Bot struct {
	client     protocol.Client
	cfg        *BotConfig
	log        zerolog.Logger
	registry   *Registry
	reconciler *Reconciler
	propagator *Propagator
	tracer     trace.Tracer

	resyncRequests chan struct{}

	// Owned by the Run goroutine.
	since      string
	nextResync time.Time

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewBot creates a bot. cfg must have been post-processed.
func NewBot(client protocol.Client, cfg *BotConfig, log zerolog.Logger) *Bot {
	return &Bot{
		client:         client,
		cfg:            cfg,
		log:            log,
		registry:       NewRegistry(client, cfg.StateEventType(), log),
		reconciler:     NewReconciler(client, log),
		propagator:     NewPropagator(client, log),
		tracer:         otel.Tracer(tracerName),
		resyncRequests: make(chan struct{}, 1),
		now:            time.Now,
		newBackOff:     defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	return bo
}

// Registry returns the tracked-link registry.
func (b *Bot) Registry() *Registry {
	return b.registry
}

// RequestResync queues a full resync to run on the next loop iteration.
// It returns false if one is already queued. Safe for concurrent use.
func (b *Bot) RequestResync() bool {
	select {
	case b.resyncRequests <- struct{}{}:
		return true
	default:
		return false
	}
}

// LinkReconcileError is returned by Link when the link was saved but the
// first reconciliation failed. The link stays tracked and is retried on the
// next resync.
type LinkReconcileError struct {
	Link Link
	Err  error
}

func (e *LinkReconcileError) Error() string {
	return fmt.Sprintf("linked %s to %s but failed to reconcile: %v", e.Link.RoomID, e.Link.CommunityID, e.Err)
}

func (e *LinkReconcileError) Unwrap() error {
	return e.Err
}

// Link persists a new link for roomID and reconciles it immediately.
func (b *Bot) Link(ctx context.Context, roomID id.RoomID, communityID protocol.GroupID) (*CommunityStatus, error) {
	link, err := b.registry.Link(ctx, roomID, communityID)
	if err != nil {
		return nil, err
	}
	status, err := b.reconcile(ctx, link, b.fullPassOptions())
	if err != nil {
		return status, &LinkReconcileError{Link: link, Err: err}
	}
	return status, nil
}

// Run performs the baseline sync and initial resync, then processes the
// /sync stream until ctx is cancelled or a command fails unexpectedly.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Msg("Performing baseline sync")
	if err := b.baselineSync(ctx); err != nil {
		return err
	}
	b.resyncAll(ctx, "startup")

	filterID, err := retry(ctx, b, "upload sync filter", func() (string, error) {
		return b.client.CreateFilter(ctx, b.liveFilter())
	})
	if err != nil {
		return fmt.Errorf("failed to upload sync filter: %w", err)
	}

	bo := b.newBackOff()
	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		select {
		case <-b.resyncRequests:
			b.resyncAll(ctx, "requested")
		default:
			if !b.now().Before(b.nextResync) {
				b.resyncAll(ctx, "scheduled")
			}
		}

		resp, err := b.client.Sync(ctx, protocol.SyncRequest{
			FilterID: filterID,
			Since:    b.since,
			Timeout:  b.cfg.LongPollTimeout(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := bo.NextBackOff()
			b.log.Error().Err(err).Dur("retry_in", delay).Msg("Sync failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
		b.since = resp.NextBatch
		if err = b.processSync(ctx, resp); err != nil {
			return err
		}
	}
}

func (b *Bot) baselineSync(ctx context.Context) error {
	filter := &protocol.Filter{
		AccountData: protocol.Nothing(),
		Presence:    protocol.Nothing(),
		Room: protocol.RoomFilter{
			AccountData: protocol.Nothing(),
			Ephemeral:   protocol.Nothing(),
			State: protocol.EventFilter{
				Types:           []string{event.StateMember.Type},
				LazyLoadMembers: true,
			},
			Timeline: protocol.Nothing(),
		},
	}
	resp, err := retry(ctx, b, "baseline sync", func() (*mautrix.RespSync, error) {
		return b.client.Sync(ctx, protocol.SyncRequest{FilterID: filter.Inline()})
	})
	if err != nil {
		return fmt.Errorf("failed to perform baseline sync: %w", err)
	}
	b.since = resp.NextBatch
	b.acceptInvites(ctx, resp)
	return nil
}

// liveFilter scopes the long-poll to membership, messages and link state.
func (b *Bot) liveFilter() *protocol.Filter {
	stateType := b.cfg.StateEventType()
	state := protocol.Only(event.StateMember, stateType)
	state.LazyLoadMembers = true
	return &protocol.Filter{
		AccountData: protocol.Nothing(),
		Presence:    protocol.Nothing(),
		Room: protocol.RoomFilter{
			AccountData: protocol.Nothing(),
			Ephemeral:   protocol.Nothing(),
			State:       state,
			Timeline:    protocol.Only(event.EventMessage, event.StateMember, stateType),
		},
	}
}

// retry runs op until it succeeds, fails permanently or ctx ends. Denied
// requests are not retried.
func retry[T any](ctx context.Context, b *Bot, what string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if protocol.KindOf(err) == protocol.KindDenied {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			b.log.Warn().Err(err).Dur("retry_in", delay).Msgf("Failed to %s", what)
		}),
	)
}

func (b *Bot) fullPassOptions() PropagateOptions {
	return PropagateOptions{
		MaxRooms:     b.cfg.MaxRooms,
		ReinviteLeft: b.cfg.ReinviteLeftMembers,
	}
}

func (b *Bot) joinOptions() PropagateOptions {
	opts := PropagateOptions{
		InviteToCommunity: true,
		ReinviteLeft:      b.cfg.ReinviteLeftOnJoin,
	}
	if b.cfg.FanoutOnJoin {
		opts.MaxRooms = b.cfg.EventMaxRooms
	}
	return opts
}

// reconcile runs the community reconciler and a propagation pass for link.
func (b *Bot) reconcile(ctx context.Context, link Link, opts PropagateOptions) (*CommunityStatus, error) {
	ctx, span := b.tracer.Start(ctx, "invitebot.reconcile", trace.WithAttributes(
		attribute.String("room_id", string(link.RoomID)),
		attribute.String("community_id", string(link.CommunityID)),
	))
	defer span.End()

	status, err := b.reconciler.EnsureCommunity(ctx, link)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensure community")
		return status, fmt.Errorf("failed to ensure community %s: %w", link.CommunityID, err)
	}
	result, err := b.propagator.Propagate(ctx, link, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "propagate")
		return status, fmt.Errorf("failed to propagate members: %w", err)
	}
	span.SetAttributes(
		attribute.Bool("community_admin", status.Admin),
		attribute.Int("joined_rooms", status.JoinedRooms),
		attribute.Int("invited", status.Invited+result.Invited),
		attribute.Int("failed", status.Failed+result.Failed),
	)
	zerolog.Ctx(ctx).Info().
		Str("room_id", string(link.RoomID)).
		Str("community_id", string(link.CommunityID)).
		Bool("community_admin", status.Admin).
		Int("joined_rooms", status.JoinedRooms).
		Int("community_invites", status.Invited).
		Int("room_invites", result.Invited).
		Int("rooms_examined", result.Examined).
		Int("failed", status.Failed+result.Failed).
		Msg("Reconciled link")
	return status, nil
}

// resyncAll rebuilds the registry and reconciles every link. Failures are
// isolated per link.
func (b *Bot) resyncAll(ctx context.Context, reason string) {
	passID := uuid.NewString()
	ctx, span := b.tracer.Start(ctx, "invitebot.resync", trace.WithAttributes(
		attribute.String("pass_id", passID),
		attribute.String("reason", reason),
	))
	defer span.End()
	log := b.log.With().Str("pass_id", passID).Logger()
	ctx = log.WithContext(ctx)

	started := b.now()
	b.nextResync = b.cfg.NextResync(started)
	log.Info().Str("reason", reason).Msg("Starting full resync")

	if err := b.registry.Rebuild(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to rebuild tracked rooms")
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild registry")
		b.nextResync = started.Add(resyncRetryDelay)
		return
	}

	links := b.registry.Links()
	failed := 0
	for _, link := range links {
		if ctx.Err() != nil {
			return
		}
		if _, err := b.reconcile(ctx, link, b.fullPassOptions()); err != nil {
			failed++
			log.Error().Err(err).
				Str("room_id", string(link.RoomID)).
				Str("community_id", string(link.CommunityID)).
				Msg("Failed to reconcile link")
		}
	}
	span.SetAttributes(attribute.Int("links", len(links)), attribute.Int("failed_links", failed))
	log.Info().
		Int("links", len(links)).
		Int("failed_links", failed).
		Time("next_resync", b.nextResync).
		Msg("Finished full resync")
}

func (b *Bot) processSync(ctx context.Context, resp *mautrix.RespSync) error {
	b.acceptInvites(ctx, resp)

	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Leave)) {
		if b.registry.Remove(roomID) {
			b.log.Info().Str("room_id", string(roomID)).Msg("Left tracked room, no longer tracking it")
		}
	}

	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Join)) {
		room := resp.Rooms.Join[roomID]
		seen := make(map[id.EventID]struct{})
		for _, evt := range room.State.Events {
			if !b.prepareEvent(roomID, evt, seen) {
				continue
			}
			if evt.Type.Type == b.cfg.StateEventType().Type {
				b.handleLinkState(evt)
			}
		}
		for _, evt := range room.Timeline.Events {
			if !b.prepareEvent(roomID, evt, seen) {
				continue
			}
			if err := b.handleTimelineEvent(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

// prepareEvent fills in the room and parses the content. It returns false
// for events already handled in this batch.
func (b *Bot) prepareEvent(roomID id.RoomID, evt *event.Event, seen map[id.EventID]struct{}) bool {
	if evt.ID != "" {
		if _, ok := seen[evt.ID]; ok {
			return false
		}
		seen[evt.ID] = struct{}{}
	}
	evt.RoomID = roomID
	if evt.StateKey != nil {
		evt.Type.Class = event.StateEventType
	} else {
		evt.Type.Class = event.MessageEventType
	}
	parseContent(b.log, evt, &evt.Content)
	if evt.Unsigned.PrevContent != nil {
		parseContent(b.log, evt, evt.Unsigned.PrevContent)
	}
	return true
}

func parseContent(log zerolog.Logger, evt *event.Event, content *event.Content) {
	if content.Parsed != nil || len(content.VeryRaw) == 0 {
		return
	}
	if err := content.ParseRaw(evt.Type); err != nil {
		log.Trace().Err(err).
			Str("event_id", string(evt.ID)).
			Str("event_type", evt.Type.Type).
			Msg("Event content not parsed")
	}
}

func (b *Bot) handleTimelineEvent(ctx context.Context, evt *event.Event) error {
	switch evt.Type.Type {
	case b.cfg.StateEventType().Type:
		b.handleLinkState(evt)
	case event.StateMember.Type:
		b.handleMember(ctx, evt)
	case event.EventMessage.Type:
		return b.handleMessage(ctx, evt)
	}
	return nil
}

func (b *Bot) handleLinkState(evt *event.Event) {
	if evt.StateKey == nil || *evt.StateKey != "" {
		return
	}
	var content LinkContent
	if len(evt.Content.VeryRaw) > 0 {
		if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
			b.log.Warn().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to parse link state")
			return
		}
	}
	b.log.Info().
		Str("room_id", string(evt.RoomID)).
		Str("sender", string(evt.Sender)).
		Str("community_id", content.CommunityID).
		Msg("Link state changed")
	b.registry.Apply(evt.RoomID, content)
}

// handleMember reacts to a user joining a tracked room.
func (b *Bot) handleMember(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	link, ok := b.registry.Get(evt.RoomID)
	if !ok {
		return
	}
	userID := id.UserID(*evt.StateKey)
	membership := evt.Content.AsMember().Membership
	if membership == event.MembershipInvite || membership == event.MembershipKnock {
		return
	}
	log := b.log.With().
		Str("room_id", string(evt.RoomID)).
		Str("user_id", string(userID)).
		Str("membership", string(membership)).
		Logger()
	log.Debug().Msg("Seen member event in tracked room")

	if membership != event.MembershipJoin || userID == b.client.UserID() {
		return
	}
	if prev := evt.Unsigned.PrevContent; prev != nil && prev.AsMember().Membership == event.MembershipJoin {
		return
	}

	result, err := b.propagator.InviteMember(log.WithContext(ctx), link, userID, b.joinOptions())
	if err != nil {
		log.Error().Err(err).Msg("Failed to invite new member")
		return
	}
	log.Info().
		Int("invited", result.Invited).
		Int("rooms_examined", result.Examined).
		Int("failed", result.Failed).
		Msg("Handled new member")
}

// acceptInvites joins every room the bot was invited to, using the
// inviter's server as a join hint.
func (b *Bot) acceptInvites(ctx context.Context, resp *mautrix.RespSync) {
	for _, roomID := range slices.Sorted(maps.Keys(resp.Rooms.Invite)) {
		var inviter id.UserID
		for _, evt := range resp.Rooms.Invite[roomID].State.Events {
			if evt.Type.Type == event.StateMember.Type && evt.StateKey != nil && id.UserID(*evt.StateKey) == b.client.UserID() {
				inviter = evt.Sender
			}
		}
		via := protocol.ViaServers(protocol.ServerName(string(inviter)), protocol.RoomServer(roomID))
		log := b.log.With().
			Str("room_id", string(roomID)).
			Str("inviter", string(inviter)).
			Logger()
		log.Info().Msg("Received invite, joining")
		if _, err := b.client.JoinRoom(ctx, string(roomID), via); err != nil {
			log.Warn().Err(err).Msg("Failed to accept invite")
		}
	}
}
