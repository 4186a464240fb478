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
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

const testBotID id.UserID = "@bot:example.com"

var testStateType = event.Type{Type: "se.liu.invite_bot", Class: event.StateEventType}

// clientCall records which client operations were issued during a test.
type clientCall struct {
	Op     string
	Target string
	Arg    string
}

func (c clientCall) String() string {
	if c.Arg == "" {
		return c.Op + " " + c.Target
	}
	return c.Op + " " + c.Target + " " + c.Arg
}

type fakeRoom struct {
	members map[id.UserID]event.Membership
	state   map[string]json.RawMessage
	power   *protocol.PowerLevels
}

type fakeGroup struct {
	joined     bool
	invitedBot bool
	invited    []id.UserID
	members    []protocol.GroupMember
	rooms      []id.RoomID
}

type notice struct {
	RoomID id.RoomID
	Text   string
}

// fakeClient is an in-memory homeserver implementing protocol.Client. Joins
// and invites mutate its state so repeated passes observe earlier effects.
type fakeClient struct {
	mu      sync.Mutex
	calls   []clientCall
	notices []notice
	filters []*protocol.Filter
	syncs   []fakeSync
	wake    chan struct{}

	rooms  map[id.RoomID]*fakeRoom
	groups map[protocol.GroupID]*fakeGroup

	// Fail makes operations return the given error. Keys are "op" or
	// "op target", e.g. "join" or "invite_room !a:example.com".
	Fail map[string]error
}

type fakeSync struct {
	resp *mautrix.RespSync
	err  error
}

var _ protocol.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		rooms:  make(map[id.RoomID]*fakeRoom),
		groups: make(map[protocol.GroupID]*fakeGroup),
		Fail:   make(map[string]error),
		wake:   make(chan struct{}, 1),
	}
}

func protoErr(op string, kind protocol.Kind) error {
	return &protocol.Error{Op: op, Kind: kind, Err: fmt.Errorf("fake %s", kind)}
}

// AddRoom creates a room with the given joined members.
func (f *fakeClient) AddRoom(roomID id.RoomID, joined ...id.UserID) *fakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := &fakeRoom{
		members: make(map[id.UserID]event.Membership),
		state:   make(map[string]json.RawMessage),
	}
	for _, user := range joined {
		room.members[user] = event.MembershipJoin
	}
	f.rooms[roomID] = room
	return room
}

// SetMembership overrides the membership of userID in roomID.
func (f *fakeClient) SetMembership(roomID id.RoomID, userID id.UserID, membership event.Membership) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID].members[userID] = membership
}

// SetPowerLevels sets the power levels of roomID.
func (f *fakeClient) SetPowerLevels(roomID id.RoomID, users map[id.UserID]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID].power = &protocol.PowerLevels{Users: users}
}

// SetLinkState stores raw link state for roomID.
func (f *fakeClient) SetLinkState(roomID id.RoomID, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID].state[testStateType.Type] = json.RawMessage(raw)
}

// LinkState returns the stored link state of roomID, or "" when unset.
func (f *fakeClient) LinkState(roomID id.RoomID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.rooms[roomID].state[testStateType.Type])
}

// AddGroup creates a community containing rooms.
func (f *fakeClient) AddGroup(groupID protocol.GroupID, rooms ...id.RoomID) *fakeGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	group := &fakeGroup{rooms: rooms}
	f.groups[groupID] = group
	return group
}

// JoinGroupAs marks the bot as a joined member of groupID.
func (f *fakeClient) JoinGroupAs(groupID protocol.GroupID, privileged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	group := f.groups[groupID]
	group.joined = true
	group.members = append(group.members, protocol.GroupMember{UserID: testBotID, Privileged: privileged})
}

func (f *fakeClient) QueueSync(resp *mautrix.RespSync, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, fakeSync{resp: resp, err: err})
}

func (f *fakeClient) record(op, target, arg string) error {
	f.calls = append(f.calls, clientCall{Op: op, Target: target, Arg: arg})
	if err, ok := f.Fail[op+" "+target]; ok {
		return err
	}
	return f.Fail[op]
}

func (f *fakeClient) Calls() []clientCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]clientCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// Mutations returns the recorded join and invite calls.
func (f *fakeClient) Mutations() []string {
	var out []string
	for _, call := range f.Calls() {
		switch call.Op {
		case "join", "invite_room", "invite_group", "accept_group", "join_group", "set_state":
			out = append(out, call.String())
		}
	}
	return out
}

// CountOp returns how many calls of op were recorded.
func (f *fakeClient) CountOp(op string) int {
	n := 0
	for _, call := range f.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeClient) Notices() []notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]notice, len(f.notices))
	copy(cp, f.notices)
	return cp
}

func (f *fakeClient) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.notices = nil
}

func (f *fakeClient) UserID() id.UserID {
	return testBotID
}

func (f *fakeClient) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("joined_rooms", "", ""); err != nil {
		return nil, err
	}
	var rooms []id.RoomID
	for roomID, room := range f.rooms {
		if room.members[testBotID] == event.MembershipJoin {
			rooms = append(rooms, roomID)
		}
	}
	slices.Sort(rooms)
	return rooms, nil
}

func (f *fakeClient) JoinRoom(_ context.Context, roomIDOrAlias string, via []string) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("join", roomIDOrAlias, strings.Join(via, ",")); err != nil {
		return "", err
	}
	room, ok := f.rooms[id.RoomID(roomIDOrAlias)]
	if !ok {
		return "", protoErr("join room", protocol.KindNotFound)
	}
	room.members[testBotID] = event.MembershipJoin
	return id.RoomID(roomIDOrAlias), nil
}

func (f *fakeClient) InviteToRoom(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("invite_room", string(roomID), string(userID)); err != nil {
		return err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return protoErr("invite user", protocol.KindNotFound)
	}
	if room.members[userID] == event.MembershipJoin {
		return protoErr("invite user", protocol.KindDenied)
	}
	room.members[userID] = event.MembershipInvite
	return nil
}

func (f *fakeClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	members, err := f.RoomMembers(ctx, roomID, protocol.MemberFilter{Membership: event.MembershipJoin})
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(members)), nil
}

func (f *fakeClient) RoomMembers(_ context.Context, roomID id.RoomID, filter protocol.MemberFilter) (map[id.UserID]event.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("members", string(roomID), ""); err != nil {
		return nil, err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, protoErr("list room members", protocol.KindDenied)
	}
	out := make(map[id.UserID]event.Membership)
	for user, membership := range room.members {
		if filter.Membership != "" && membership != filter.Membership {
			continue
		}
		if filter.NotMembership != "" && membership == filter.NotMembership {
			continue
		}
		out[user] = membership
	}
	return out, nil
}

func (f *fakeClient) RoomState(_ context.Context, roomID id.RoomID, evtType event.Type, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get_state", string(roomID), evtType.Type); err != nil {
		return err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return protoErr("get room state", protocol.KindDenied)
	}
	raw, ok := room.state[evtType.Type]
	if !ok {
		return protoErr("get room state", protocol.KindNotFound)
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeClient) SetRoomState(_ context.Context, roomID id.RoomID, evtType event.Type, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if err := f.record("set_state", string(roomID), string(data)); err != nil {
		return err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return protoErr("set room state", protocol.KindDenied)
	}
	room.state[evtType.Type] = data
	return nil
}

func (f *fakeClient) PowerLevels(_ context.Context, roomID id.RoomID) (*protocol.PowerLevels, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("power_levels", string(roomID), ""); err != nil {
		return nil, err
	}
	room, ok := f.rooms[roomID]
	if !ok || room.power == nil {
		return &protocol.PowerLevels{}, nil
	}
	return room.power, nil
}

func (f *fakeClient) SendNotice(_ context.Context, roomID id.RoomID, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("notice", string(roomID), ""); err != nil {
		return err
	}
	f.notices = append(f.notices, notice{RoomID: roomID, Text: markdown})
	return nil
}

func (f *fakeClient) JoinedGroups(_ context.Context) ([]protocol.GroupID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("joined_groups", "", ""); err != nil {
		return nil, err
	}
	var groups []protocol.GroupID
	for groupID, group := range f.groups {
		if group.joined {
			groups = append(groups, groupID)
		}
	}
	slices.Sort(groups)
	return groups, nil
}

func (f *fakeClient) AcceptGroupInvite(_ context.Context, groupID protocol.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("accept_group", string(groupID), ""); err != nil {
		return err
	}
	group, ok := f.groups[groupID]
	if !ok || !group.invitedBot {
		return protoErr("accept community invite", protocol.KindDenied)
	}
	group.joined = true
	group.invitedBot = false
	group.members = append(group.members, protocol.GroupMember{UserID: testBotID})
	return nil
}

func (f *fakeClient) JoinGroup(_ context.Context, groupID protocol.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("join_group", string(groupID), ""); err != nil {
		return err
	}
	group, ok := f.groups[groupID]
	if !ok {
		return protoErr("join community", protocol.KindNotFound)
	}
	group.joined = true
	group.members = append(group.members, protocol.GroupMember{UserID: testBotID})
	return nil
}

func (f *fakeClient) GroupMembers(_ context.Context, groupID protocol.GroupID) (*protocol.GroupMembers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("group_members", string(groupID), ""); err != nil {
		return nil, err
	}
	group, ok := f.groups[groupID]
	if !ok {
		return nil, protoErr("list community members", protocol.KindNotFound)
	}
	return &protocol.GroupMembers{
		Invited: slices.Clone(group.invited),
		Joined:  slices.Clone(group.members),
	}, nil
}

func (f *fakeClient) GroupRooms(_ context.Context, groupID protocol.GroupID) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("group_rooms", string(groupID), ""); err != nil {
		return nil, err
	}
	group, ok := f.groups[groupID]
	if !ok {
		return nil, protoErr("list community rooms", protocol.KindNotFound)
	}
	return slices.Clone(group.rooms), nil
}

func (f *fakeClient) InviteToGroup(_ context.Context, groupID protocol.GroupID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("invite_group", string(groupID), string(userID)); err != nil {
		return err
	}
	group, ok := f.groups[groupID]
	if !ok {
		return protoErr("invite to community", protocol.KindNotFound)
	}
	group.invited = append(group.invited, userID)
	return nil
}

func (f *fakeClient) CreateFilter(_ context.Context, filter *protocol.Filter) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create_filter", "", ""); err != nil {
		return "", err
	}
	f.filters = append(f.filters, filter)
	return fmt.Sprintf("filter%d", len(f.filters)), nil
}

// WakeSync makes a long-poll blocked on an empty queue return an empty batch.
func (f *fakeClient) WakeSync() {
	f.wake <- struct{}{}
}

// Sync returns queued responses in order, then blocks until ctx is done or
// WakeSync is called.
func (f *fakeClient) Sync(ctx context.Context, req protocol.SyncRequest) (*mautrix.RespSync, error) {
	f.mu.Lock()
	f.calls = append(f.calls, clientCall{Op: "sync", Target: req.FilterID, Arg: req.Since})
	if len(f.syncs) > 0 {
		next := f.syncs[0]
		f.syncs = f.syncs[1:]
		f.mu.Unlock()
		return next.resp, next.err
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.wake:
		return &mautrix.RespSync{NextBatch: req.Since}, nil
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func roomN(i int) id.RoomID {
	return id.RoomID(fmt.Sprintf("!room%03d:example.com", i))
}
