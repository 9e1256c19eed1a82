// Package command parses and executes the "/"-prefixed operator and user
// commands that arrive as chat messages.
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/accordchat/accord/internal/logging"
	"github.com/accordchat/accord/internal/protocol"
	"github.com/accordchat/accord/internal/server/hub"
	"github.com/accordchat/accord/internal/server/store"
)

// ServerSender is the reserved sender name for server notices and command
// replies. Usernames are restricted to [A-Za-z0-9_], so it can never be
// registered.
const ServerSender = "#SERVER#"

// Sender is the connection actor issuing a command. Replies go only to this
// connection; command failures never disconnect it.
type Sender interface {
	Username() string
	IsOperator() bool
	Reply(text string)
}

// Dispatcher executes commands against the hub and the authorization state.
type Dispatcher struct {
	hub    *hub.Hub
	access *store.AuthCache
	logger logging.Logger
}

func NewDispatcher(h *hub.Hub, access *store.AuthCache, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		hub:    h,
		access: access,
		logger: logger.With("module", "command"),
	}
}

// Handle parses a "/"-prefixed message body and runs it. Parsing is plain
// whitespace splitting with no quoting.
func (d *Dispatcher) Handle(ctx context.Context, sender Sender, body string) {
	fields := strings.Fields(strings.TrimPrefix(body, "/"))
	if len(fields) == 0 {
		sender.Reply("empty command")
		return
	}
	name, args := fields[0], fields[1:]

	d.logger.Debug(ctx, "command", "user", sender.Username(), "name", name)

	switch name {
	case "list":
		d.list(sender)
	case "whisper":
		d.whisper(sender, args)
	case "ban":
		d.ban(ctx, sender, args)
	case "unban":
		d.unban(ctx, sender, args)
	case "kick":
		d.kick(sender, args)
	case "whitelist":
		d.whitelist(ctx, sender, args)
	case "op":
		d.op(ctx, sender, args)
	case "deop":
		d.deop(ctx, sender, args)
	default:
		sender.Reply("Unknown command: " + name)
	}
}

func (d *Dispatcher) requireOperator(sender Sender) bool {
	if sender.IsOperator() {
		return true
	}
	sender.Reply("you are not an operator")
	return false
}

func (d *Dispatcher) list(sender Sender) {
	online := d.hub.ListOnline()
	sender.Reply(fmt.Sprintf("online (%d): %s", len(online), strings.Join(online, ", ")))
}

func (d *Dispatcher) whisper(sender Sender, args []string) {
	if len(args) < 2 {
		sender.Reply("usage: /whisper <user> <text>")
		return
	}
	target, text := args[0], strings.Join(args[1:], " ")

	p := protocol.Message{Sender: sender.Username(), Body: "(whisper) " + text}
	if !d.hub.Unicast(target, p) {
		sender.Reply("user not online: " + target)
	}
}

func (d *Dispatcher) ban(ctx context.Context, sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) < 1 {
		sender.Reply("usage: /ban <user> [reason]")
		return
	}
	target := args[0]
	reason := "banned"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	// The connection must be on its way out before the ban is recorded.
	d.hub.Kick(target, reason)

	if err := d.access.AddBan(ctx, store.Ban{Username: target, Reason: reason}); err != nil {
		d.logger.Error(ctx, "ban failed", "target", target, "error", err)
		sender.Reply("storage error, ban not recorded")
		return
	}
	sender.Reply("banned " + target)
}

func (d *Dispatcher) unban(ctx context.Context, sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) != 1 {
		sender.Reply("usage: /unban <user>")
		return
	}
	if err := d.access.RemoveBan(ctx, args[0]); err != nil {
		d.logger.Error(ctx, "unban failed", "target", args[0], "error", err)
		sender.Reply("storage error, unban not recorded")
		return
	}
	sender.Reply("unbanned " + args[0])
}

func (d *Dispatcher) kick(sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) < 1 {
		sender.Reply("usage: /kick <user> [reason]")
		return
	}
	reason := "kicked"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !d.hub.Kick(args[0], reason) {
		sender.Reply("user not online: " + args[0])
		return
	}
	sender.Reply("kicked " + args[0])
}

func (d *Dispatcher) whitelist(ctx context.Context, sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) < 1 {
		sender.Reply("usage: /whitelist <on|off|add|remove> [user]")
		return
	}

	var err error
	switch args[0] {
	case "on":
		err = d.access.SetWhitelistEnabled(ctx, true)
	case "off":
		err = d.access.SetWhitelistEnabled(ctx, false)
	case "add", "remove":
		if len(args) != 2 {
			sender.Reply("usage: /whitelist " + args[0] + " <user>")
			return
		}
		if args[0] == "add" {
			err = d.access.AddWhitelist(ctx, args[1])
		} else {
			err = d.access.RemoveWhitelist(ctx, args[1])
		}
	default:
		sender.Reply("usage: /whitelist <on|off|add|remove> [user]")
		return
	}

	if err != nil {
		d.logger.Error(ctx, "whitelist update failed", "error", err)
		sender.Reply("storage error, whitelist not updated")
		return
	}
	sender.Reply("whitelist updated")
}

func (d *Dispatcher) op(ctx context.Context, sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) != 1 {
		sender.Reply("usage: /op <user>")
		return
	}
	if err := d.access.AddOperator(ctx, args[0]); err != nil {
		d.logger.Error(ctx, "op failed", "target", args[0], "error", err)
		sender.Reply("storage error, operator not recorded")
		return
	}
	sender.Reply(args[0] + " is now an operator")
}

func (d *Dispatcher) deop(ctx context.Context, sender Sender, args []string) {
	if !d.requireOperator(sender) {
		return
	}
	if len(args) != 1 {
		sender.Reply("usage: /deop <user>")
		return
	}
	if err := d.access.RemoveOperator(ctx, args[0]); err != nil {
		d.logger.Error(ctx, "deop failed", "target", args[0], "error", err)
		sender.Reply("storage error, operator not removed")
		return
	}
	sender.Reply(args[0] + " is no longer an operator")
}
