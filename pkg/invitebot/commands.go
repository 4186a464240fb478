// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package invitebot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-invite-bot/pkg/invitebot/commandfmt"
	"github.com/aiku/matrix-invite-bot/pkg/protocol"
)

// AdminPowerLevel is the room power level required to use bot commands.
const AdminPowerLevel = 100

const helpText = `Usage:

* ` + "`%[1]s help`" + ` - Show this text
* ` + "`%[1]s status`" + ` - Show current invite handling status for this room
* ` + "`%[1]s refresh`" + ` - Refresh the membership for all currently joined members in this room
* ` + "`%[1]s link +community:example.com`" + ` - Links the given community to this room
* ` + "`%[1]s unlink`" + ` - Unlinks any communities from this room`

const (
	msgNotTracked        = "Not tracking any community for this room."
	msgNoPermission      = "You need power level %d in this room to manage the invite bot."
	msgNoStatePower      = "Not allowed to add necessary state data, give moderator rights?"
	msgNotCommunityAdmin = "Not allowed to invite users to given community, give admin in the community if that functionality is required."

	msgLinkedNotReconciled = "Now tracking community `%s` for this room, but updating memberships failed: %v. It will be retried on the next resync."
)

// userError is a command failure caused by the invoking user, such as a
// missing permission or malformed input. Its message is shown verbatim.
type userError struct {
	msg string
}

func (e userError) Error() string {
	return e.msg
}

func newUserError(format string, args ...any) error {
	return userError{msg: fmt.Sprintf(format, args...)}
}

// InternalError is returned by command handling when a command failed for
// an unexpected reason. The room has already been notified.
type InternalError struct {
	RoomID  id.RoomID
	Command string
	Err     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("unexpected error handling %q in %s: %v", e.Command, e.RoomID, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v", e.value)
}

// handleMessage runs the command contained in a text message, if any.
func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) error {
	if evt.Sender == b.client.UserID() {
		return nil
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return nil
	}
	command, args, ok := commandfmt.Split(commandfmt.Text(content), b.cfg.CommandPrefix)
	if !ok {
		return nil
	}
	if command == "" {
		command = "help"
	}
	return b.HandleCommand(ctx, evt.RoomID, evt.Sender, command, args)
}

// HandleCommand executes one bot command on behalf of sender. Failures are
// reported to the room. Only unexpected failures are returned, as
// *InternalError.
func (b *Bot) HandleCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, command string, args []string) error {
	log := b.log.With().
		Str("room_id", string(roomID)).
		Str("sender", string(sender)).
		Str("command", command).
		Logger()
	ctx = log.WithContext(ctx)
	log.Info().Strs("args", args).Msg("Handling command")

	err := b.runCommand(ctx, roomID, sender, command, args)
	if err == nil {
		return nil
	}

	var uerr userError
	var perr *panicError
	switch {
	case errors.As(err, &uerr):
		log.Info().Str("reason", uerr.msg).Msg("Command rejected")
		b.notice(ctx, roomID, uerr.msg)
		return nil
	case errors.As(err, &perr):
		log.Error().Err(err).Bytes("stack", perr.stack).Msg("Panic while handling command")
		b.notice(ctx, roomID, fmt.Sprintf("Failed to handle request. panic: %v", perr.value))
	case protocol.KindOf(err) != protocol.KindInternal:
		log.Error().Err(err).Msg("Failed to handle command")
		b.notice(ctx, roomID, "Failed to handle request. "+err.Error())
		return nil
	default:
		log.Error().Err(err).Msg("Unexpected error while handling command")
		b.notice(ctx, roomID, fmt.Sprintf("Failed to handle request. %s: %v", errorClass(err), err))
	}
	return &InternalError{RoomID: roomID, Command: command, Err: err}
}

func (b *Bot) runCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, command string, args []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()

	levels, err := b.client.PowerLevels(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get power levels: %w", err)
	}
	if levels.UserLevel(sender) < AdminPowerLevel {
		return newUserError(msgNoPermission, AdminPowerLevel)
	}

	switch command {
	case "help":
		b.notice(ctx, roomID, fmt.Sprintf(helpText, b.cfg.CommandPrefix))
		return nil
	case "status":
		return b.cmdStatus(ctx, roomID)
	case "refresh":
		return b.cmdRefresh(ctx, roomID)
	case "link":
		return b.cmdLink(ctx, roomID, levels, args)
	case "unlink":
		return b.cmdUnlink(ctx, roomID, levels)
	default:
		return newUserError("No idea what %q is, try `%s help`", command, b.cfg.CommandPrefix)
	}
}

func (b *Bot) cmdStatus(ctx context.Context, roomID id.RoomID) error {
	link, ok := b.registry.Get(roomID)
	if !ok {
		b.notice(ctx, roomID, msgNotTracked)
		return nil
	}
	b.notice(ctx, roomID, fmt.Sprintf("Currently tracking community `%s` for this room.", link.CommunityID))
	return nil
}

func (b *Bot) cmdRefresh(ctx context.Context, roomID id.RoomID) error {
	link, ok := b.registry.Get(roomID)
	if !ok {
		b.notice(ctx, roomID, msgNotTracked)
		return nil
	}
	if _, err := b.reconcile(ctx, link, b.fullPassOptions()); err != nil {
		return err
	}
	b.notice(ctx, roomID, "Refreshed membership for the linked community and rooms.")
	return nil
}

func (b *Bot) cmdLink(ctx context.Context, roomID id.RoomID, levels *protocol.PowerLevels, args []string) error {
	if len(args) != 1 {
		return newUserError("Usage: `%s link +community:example.com`", b.cfg.CommandPrefix)
	}
	communityID, err := protocol.ParseGroupID(args[0])
	if err != nil {
		return newUserError("Not a valid community ID: %s", args[0])
	}
	if err = b.requireStatePower(levels); err != nil {
		return err
	}

	status, err := b.Link(ctx, roomID, communityID)
	var reconcileErr *LinkReconcileError
	if errors.As(err, &reconcileErr) && protocol.KindOf(err) != protocol.KindInternal {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Link saved but reconciliation failed")
		b.notice(ctx, roomID, fmt.Sprintf(msgLinkedNotReconciled, communityID, reconcileErr.Err))
		return nil
	} else if err != nil {
		return err
	}
	if !status.Admin {
		b.notice(ctx, roomID, msgNotCommunityAdmin)
	}
	b.notice(ctx, roomID, fmt.Sprintf("Now tracking community `%s` for this room.", communityID))
	return nil
}

func (b *Bot) cmdUnlink(ctx context.Context, roomID id.RoomID, levels *protocol.PowerLevels) error {
	if _, ok := b.registry.Get(roomID); !ok {
		b.notice(ctx, roomID, msgNotTracked)
		return nil
	}
	if err := b.requireStatePower(levels); err != nil {
		return err
	}
	link, err := b.registry.Unlink(ctx, roomID)
	if err != nil {
		return err
	}
	b.notice(ctx, roomID, fmt.Sprintf("No longer tracking community `%s` for this room.", link.CommunityID))
	return nil
}

// requireStatePower checks that the bot itself may write the link state.
func (b *Bot) requireStatePower(levels *protocol.PowerLevels) error {
	if levels.UserLevel(b.client.UserID()) < levels.StateEventLevel(b.cfg.StateEventType()) {
		return newUserError(msgNoStatePower)
	}
	return nil
}

func (b *Bot) notice(ctx context.Context, roomID id.RoomID, text string) {
	if err := b.client.SendNotice(ctx, roomID, text); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send notice")
	}
}

// errorClass names the concrete type of the innermost wrapped error.
func errorClass(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
