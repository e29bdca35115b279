package scheduler

import (
	"context"
	"fmt"
	"html"
	"time"

	"remibot/internal/reminder"
	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

// tick is one pass of the scan-and-deliver state machine. It runs in two
// phases: first classify every reminder against the minute-aligned now,
// then deliver and collect the resulting mutations. All removals and
// insertions are applied in one batch with a single persist at the end, so
// the on-disk snapshot moves between consistent per-tick states.
func (s *Service) tick(ctx context.Context) {
	cfg, _ := s.snapshot()
	now := s.now().UTC().Truncate(time.Minute)

	warn, due := s.store.Plan(now, cfg.WarnLead)
	if len(warn) == 0 && len(due) == 0 {
		return
	}
	s.log.Debug("tick", logx.Time("now", now), logx.Int("warn", len(warn)), logx.Int("due", len(due)))

	for _, r := range warn {
		s.sendWarning(ctx, r)
	}

	var (
		removeIDs []uint64
		add       []*reminder.Reminder
	)

	// Group due reminders by channel for ordering; one limiter paces all
	// outgoing sends so a burst of simultaneous reminders does not trip
	// platform flood limits.
	for _, group := range groupByChannel(due) {
		for _, r := range group {
			err := s.sendWithRetry(ctx, r.Channel, s.renderDue(ctx, r))

			switch {
			case err == nil:
				removeIDs = append(removeIDs, r.ID)
			case kit.IsPermanent(err):
				// A recurring reminder survives a dead channel: the channel
				// may come back, and dropping the recurrence would silently
				// break it forever.
				s.log.Warn("reminder delivery failed permanently",
					logx.Uint64("id", r.ID), logx.Int64("chat_id", r.Channel.ChatID), logx.Err(err))
				removeIDs = append(removeIDs, r.ID)
			default:
				s.log.Warn("reminder delivery failed; will retry next tick",
					logx.Uint64("id", r.ID), logx.Int64("chat_id", r.Channel.ChatID), logx.Err(err))
				if !r.Recurring.IsRecurring() {
					// Keep the one-off; the next tick retries it.
					continue
				}
				removeIDs = append(removeIDs, r.ID)
			}

			if r.Recurring.IsRecurring() {
				next, ok := reminder.NextAfter(r.FireTime, r.Recurring, r.Location(), now)
				if !ok {
					s.log.Error("recurring reminder has no next occurrence; dropping recurrence",
						logx.Uint64("id", r.ID), logx.String("kind", r.Recurring.String()))
					continue
				}
				add = append(add, r.NextCopy(next))
			}
		}
	}

	s.store.ApplyBatch(ctx, removeIDs, add)
}

// cleanup removes non-recurring reminders older than the retention window.
// Stale one-offs accumulate when delivery kept failing or the process was
// down past their fire time; this pass bounds that growth.
func (s *Service) cleanup(ctx context.Context) {
	cfg, _ := s.snapshot()
	cutoff := s.now().UTC().Add(-cfg.Retention)

	ids := s.store.ExpiredOneOffs(cutoff)
	if len(ids) == 0 {
		return
	}
	s.store.ApplyBatch(ctx, ids, nil)
	s.log.Info("cleaned up stale reminders", logx.Int("count", len(ids)), logx.Time("cutoff", cutoff))
}

// sendWarning emits one pre-notification per target. Failures are logged and
// otherwise ignored: the warning is best-effort, the reminder itself is not.
func (s *Service) sendWarning(ctx context.Context, r *reminder.Reminder) {
	at := r.FireTime.In(r.Location()).Format("15:04")
	for _, target := range r.TargetIDs {
		text := fmt.Sprintf("⚠️ Heads up! %s, you have a reminder at %s%s: %s",
			s.mention(ctx, target), at, tzSuffix(r.Timezone), html.EscapeString(r.Message))
		if err := s.sendWithRetry(ctx, r.Channel, text); err != nil {
			s.log.Warn("advance warning failed", logx.Uint64("id", r.ID), logx.Err(err))
		}
	}
}

func (s *Service) renderDue(ctx context.Context, r *reminder.Reminder) string {
	mentions := ""
	for i, target := range r.TargetIDs {
		if i > 0 {
			mentions += " "
		}
		mentions += s.mention(ctx, target)
	}
	return fmt.Sprintf("🔔 Reminder for %s%s: %s", mentions, tzSuffix(r.Timezone), html.EscapeString(r.Message))
}

// mention renders an HTML user mention, resolving the display name through
// the directory when possible.
func (s *Service) mention(ctx context.Context, id int64) string {
	name := fmt.Sprintf("user %d", id)
	if s.dir != nil {
		if u, err := s.dir.ResolveUser(ctx, id); err == nil {
			if u.DisplayName != "" {
				name = u.DisplayName
			} else if u.Username != "" {
				name = "@" + u.Username
			}
		}
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, id, html.EscapeString(name))
}

func tzSuffix(tz string) string {
	if tz == "" || tz == "UTC" {
		return ""
	}
	return " (" + tz + ")"
}

// sendWithRetry delivers one message with the shared pacing limiter and
// bounded exponential backoff on transient errors. Permanent errors return
// immediately. This replaces the source's unbounded recursive retry on 429.
func (s *Service) sendWithRetry(ctx context.Context, to kit.ChatTarget, text string) error {
	cfg, lim := s.snapshot()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(callCtx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if kit.IsPermanent(err) {
			return err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := s.retryDelay(cfg, attempt)
		if after := kit.RetryAfter(err); after > delay {
			delay = after
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func (s *Service) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	s.mu.Lock()
	j := 0.7 + s.rng.Float64()*0.6
	s.mu.Unlock()
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func groupByChannel(due []*reminder.Reminder) [][]*reminder.Reminder {
	byChan := make(map[kit.ChatTarget][]*reminder.Reminder)
	var order []kit.ChatTarget
	for _, r := range due {
		if _, ok := byChan[r.Channel]; !ok {
			order = append(order, r.Channel)
		}
		byChan[r.Channel] = append(byChan[r.Channel], r)
	}
	out := make([][]*reminder.Reminder, 0, len(order))
	for _, ch := range order {
		out = append(out, byChan[ch])
	}
	return out
}
