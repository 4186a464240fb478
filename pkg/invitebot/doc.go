// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package invitebot implements a Matrix bot that keeps a room, its community
// and the community's other rooms in sync. Anyone who joins a tracked room is
// invited to the community and its sibling rooms.
//
// A room is tracked when it carries the custom link state event (by default
// se.liu.invite_bot) with a community_id. Room admins manage the link with
// the !invite command.
//
// # Core Types
//
// [Registry] holds the room to community table, rebuilt from room state on
// every full resync and updated from the /sync stream in between.
//
// [Reconciler] makes sure the bot is in the community and its rooms, and
// invites the linked room's members to the community.
//
// [Propagator] invites the linked room's members into sibling rooms, within
// a per-pass room limit.
//
// [Bot] runs the sync loop and dispatches membership changes, link state
// updates and commands. [AdminAPI] exposes the links and a resync trigger
// over HTTP.
//
// # Sub-packages
//
//   - commandfmt extracts command text from plain and HTML messages.
package invitebot
