package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"remibot/internal/reminder"
	kit "remibot/internal/transport"
)

const listPageSize = 10

// ReminderCommands builds the command and callback registry for the
// reminder service. managers are user ids allowed to remove or edit other
// people's reminders.
func ReminderCommands(svc *reminder.Service, managers []int64) ([]Command, []CallbackRoute) {
	h := &reminderHandlers{svc: svc, managers: append([]int64(nil), managers...)}

	cmds := []Command{
		{
			Name:        "remind",
			Description: "schedule a reminder",
			Usage:       "/remind <YYYY-MM-DD> <HH:MM> <message> [tz=Zone] [repeat=daily|weekly|monthly]",
			Handle:      h.create,
		},
		{
			Name:        "reminders",
			Aliases:     []string{"remind_list"},
			Description: "list your reminders",
			Usage:       "/reminders [page]",
			Handle:      h.list,
		},
		{
			Name:        "remind_remove",
			Aliases:     []string{"remind_rm"},
			Description: "remove a reminder by its list number",
			Usage:       "/remind_remove <n>",
			Handle:      h.remove,
		},
		{
			Name:        "remind_edit",
			Description: "edit a reminder by its list number",
			Usage:       "/remind_edit <n> [date=YYYY-MM-DD] [time=HH:MM] [tz=Zone] [repeat=daily|weekly|monthly|none] [message]",
			Handle:      h.edit,
		},
		{
			Name:        "remind_tz",
			Aliases:     []string{"remind_timezone"},
			Description: "show or set this chat's default timezone",
			Usage:       "/remind_tz [Zone]",
			Handle:      h.timezone,
		},
		{
			Name:        "remind_help",
			Description: "how to use reminders",
			Usage:       "/remind_help",
			Handle:      h.help,
		},
	}

	cbs := []CallbackRoute{
		{Namespace: "rem", Action: "page", Handle: h.page},
	}
	return cmds, cbs
}

type reminderHandlers struct {
	svc      *reminder.Service
	managers []int64
}

func (h *reminderHandlers) requester(id int64) reminder.Requester {
	r := reminder.Requester{ID: id}
	for _, m := range h.managers {
		if m == id {
			r.CanManage = true
			break
		}
	}
	return r
}

func mentionIDs(up kit.Update) []int64 {
	if up.Message == nil {
		return nil
	}
	var ids []int64
	for _, m := range up.Message.Mentions {
		// Plain @username mentions carry no id the Bot API lets us resolve;
		// only profile-linked mentions become targets.
		if m.UserID != 0 {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

func (h *reminderHandlers) create(ctx context.Context, req *Request) error {
	pos, opts := splitOptions(req.Args, "tz", "repeat")
	if len(pos) < 3 {
		return req.Respond.Respond(ctx, "Usage: /remind <YYYY-MM-DD> <HH:MM> <message> [tz=Zone] [repeat=daily|weekly|monthly]", nil)
	}

	r, err := h.svc.Create(ctx, reminder.CreateRequest{
		Scope:     req.Chat.ChatID,
		Channel:   req.Chat,
		Author:    req.FromID,
		Date:      pos[0],
		Time:      pos[1],
		Message:   strings.Join(pos[2:], " "),
		Timezone:  opts["tz"],
		Recurring: opts["repeat"],
		Mentions:  mentionIDs(req.Update),
	})
	if err != nil {
		return req.Respond.Respond(ctx, userMessage(err), nil)
	}

	text := fmt.Sprintf("✅ Reminder set for %s", formatFire(r))
	if r.Recurring.IsRecurring() {
		text += fmt.Sprintf(", repeats %s", r.Recurring)
	}
	return req.Respond.Respond(ctx, text+".", nil)
}

func (h *reminderHandlers) list(ctx context.Context, req *Request) error {
	page := 1
	if len(req.Args) > 0 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 {
			page = n
		}
	}
	return h.sendList(ctx, req, page)
}

// page serves the prev/next inline buttons under a reminder list.
func (h *reminderHandlers) page(ctx context.Context, req *Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil || page < 1 {
		page = 1
	}
	return h.sendList(ctx, req, page)
}

func (h *reminderHandlers) sendList(ctx context.Context, req *Request, page int) error {
	items := h.svc.ListFor(req.Chat.ChatID, req.FromID)
	if len(items) == 0 {
		return req.Respond.Respond(ctx, "You have no reminders here. Create one with /remind.", nil)
	}

	pages := (len(items) + listPageSize - 1) / listPageSize
	if page > pages {
		page = pages
	}
	start := (page - 1) * listPageSize
	end := start + listPageSize
	if end > len(items) {
		end = len(items)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Your reminders</b> (%d)\n", len(items))
	for i, r := range items[start:end] {
		fmt.Fprintf(&b, "%d. %s", start+i+1, formatFire(r))
		if r.Recurring.IsRecurring() {
			fmt.Fprintf(&b, ", %s", r.Recurring)
		}
		fmt.Fprintf(&b, " — %s\n", html.EscapeString(truncate(r.Message, 80)))
	}
	if pages > 1 {
		fmt.Fprintf(&b, "Page %d/%d", page, pages)
	}

	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if pages > 1 {
		var row []tele.InlineButton
		if page > 1 {
			row = append(row, tele.InlineButton{Text: "⬅️", Data: "rem:page:" + strconv.Itoa(page-1)})
		}
		if page < pages {
			row = append(row, tele.InlineButton{Text: "➡️", Data: "rem:page:" + strconv.Itoa(page+1)})
		}
		opt.ReplyMarkupAdapter = &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
	}
	return req.Respond.Respond(ctx, b.String(), opt)
}

func (h *reminderHandlers) remove(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Respond.Respond(ctx, "Usage: /remind_remove <n> (see /reminders for numbers)", nil)
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Respond.Respond(ctx, "The reminder number must be a number.", nil)
	}

	r, err := h.svc.Remove(ctx, req.Chat.ChatID, h.requester(req.FromID), n)
	if err != nil {
		return req.Respond.Respond(ctx, userMessage(err), nil)
	}
	return req.Respond.Respond(ctx, fmt.Sprintf("🗑 Removed the reminder set for %s.", formatFire(r)), nil)
}

func (h *reminderHandlers) edit(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Respond.Respond(ctx, "Usage: /remind_edit <n> [date=YYYY-MM-DD] [time=HH:MM] [tz=Zone] [repeat=daily|weekly|monthly|none] [message]", nil)
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return req.Respond.Respond(ctx, "The reminder number must be a number.", nil)
	}

	pos, opts := splitOptions(req.Args[1:], "date", "time", "tz", "repeat")
	patch := reminder.EditRequest{
		Date:      opts["date"],
		Time:      opts["time"],
		Timezone:  opts["tz"],
		Recurring: opts["repeat"],
		Message:   strings.Join(pos, " "),
		Mentions:  mentionIDs(req.Update),
	}

	r, err := h.svc.Edit(ctx, req.Chat.ChatID, h.requester(req.FromID), n, patch)
	if err != nil {
		return req.Respond.Respond(ctx, userMessage(err), nil)
	}
	return req.Respond.Respond(ctx, fmt.Sprintf("✏️ Updated; the reminder now fires at %s.", formatFire(r)), nil)
}

// timezone shows the chat's default zone, or sets it when an argument is
// given. Anyone may look; only managers may change it.
func (h *reminderHandlers) timezone(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		tz := h.svc.ScopeTimezone(req.Chat.ChatID)
		return req.Respond.Respond(ctx, fmt.Sprintf("🕒 Default timezone here is %s.", tz), nil)
	}
	tz := req.Args[0]
	if err := h.svc.SetScopeTimezone(req.Chat.ChatID, h.requester(req.FromID), tz); err != nil {
		return req.Respond.Respond(ctx, userMessage(err), nil)
	}
	return req.Respond.Respond(ctx, fmt.Sprintf("✅ Default timezone here is now %s.", tz), nil)
}

func (h *reminderHandlers) help(ctx context.Context, req *Request) error {
	lim := h.svc.Limits()
	text := strings.Join([]string{
		"<b>Reminders</b>",
		"",
		"/remind <code>2026-05-01 09:00 take a break</code> — schedule a one-off reminder.",
		"Options: <code>tz=Europe/Berlin</code> (IANA zone), <code>repeat=daily|weekly|monthly</code>.",
		"Mention people in the message to remind them too.",
		"",
		"/reminders — list your reminders here, soonest first.",
		"/remind_remove 2 — remove your 2nd listed reminder.",
		"/remind_edit 2 time=10:30 repeat=none — change only the given fields.",
		"/remind_tz Europe/Paris — set this chat's default timezone (managers).",
		"",
		fmt.Sprintf("Messages up to %d characters, at most %d people per reminder, default timezone %s.",
			lim.MaxMessageLen, lim.MaxTargets, h.svc.ScopeTimezone(req.Chat.ChatID)),
	}, "\n")
	return req.Respond.Respond(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func formatFire(r *reminder.Reminder) string {
	s := r.FireTime.In(r.Location()).Format("2006-01-02 15:04")
	if r.Timezone != "" && r.Timezone != "UTC" {
		s += " (" + r.Timezone + ")"
	} else {
		s += " UTC"
	}
	return s
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}

// userMessage maps service errors onto replies a user can act on.
func userMessage(err error) string {
	switch {
	case errors.Is(err, reminder.ErrEmptyMessage):
		return "The reminder message is empty."
	case errors.Is(err, reminder.ErrMessageTooLong):
		return "That message is too long for a reminder."
	case errors.Is(err, reminder.ErrTooManyTargets):
		return "Too many people mentioned for one reminder."
	case errors.Is(err, reminder.ErrBadDateTime):
		return "I could not read that date/time. Use YYYY-MM-DD and HH:MM, e.g. 2026-05-01 09:00."
	case errors.Is(err, reminder.ErrBadTimezone):
		return "Unknown timezone. Use an IANA name like Europe/Berlin or America/New_York."
	case errors.Is(err, reminder.ErrBadRecurrence):
		return "Recurrence must be daily, weekly or monthly."
	case errors.Is(err, reminder.ErrNoneOnCreate):
		return "repeat=none only makes sense when editing an existing reminder."
	case errors.Is(err, reminder.ErrIndexOutOfRange):
		return "No reminder with that number. Check /reminders."
	case errors.Is(err, reminder.ErrNotYours):
		return "That reminder belongs to someone else."
	case errors.Is(err, reminder.ErrManagerOnly):
		return "Only managers can change that."
	case errors.Is(err, reminder.ErrPastTime):
		return "That time is already in the past."
	case errors.Is(err, reminder.ErrTooFarAhead):
		return "That is too far in the future."
	case errors.Is(err, reminder.ErrNoNextOccurrence):
		return "I could not find a next occurrence for that schedule."
	default:
		return "Something went wrong, please try again."
	}
}
