package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kit "remibot/internal/transport"
	logx "remibot/pkg/logx"
)

const dateTimeLayout = "2006-01-02 15:04"

// Limits are the policy bounds applied to user input.
type Limits struct {
	DefaultTimezone string
	MaxTargets      int
	MaxMessageLen   int
	HorizonYears    int
}

func (l Limits) withDefaults() Limits {
	if l.DefaultTimezone == "" {
		l.DefaultTimezone = "UTC"
	}
	if l.MaxTargets <= 0 {
		l.MaxTargets = 25
	}
	if l.MaxMessageLen <= 0 {
		l.MaxMessageLen = 1000
	}
	if l.HorizonYears <= 0 {
		l.HorizonYears = 10
	}
	return l
}

// Service is the command surface of the scheduling core: create, list,
// remove and edit. The chat-facing command layer is a thin adapter around it.
type Service struct {
	store *Store
	log   logx.Logger
	now   func() time.Time

	mu     sync.RWMutex
	limits Limits
	zones  *Zones
}

func NewService(store *Store, limits Limits, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		log:    log,
		limits: limits.withDefaults(),
		now:    time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// SetLimits installs new policy bounds on hot reload. Existing reminders
// are not revalidated.
func (s *Service) SetLimits(limits Limits) {
	s.mu.Lock()
	s.limits = limits.withDefaults()
	s.mu.Unlock()
}

// SetZones installs the per-scope timezone map. Without one, every scope
// uses the global default.
func (s *Service) SetZones(z *Zones) {
	s.mu.Lock()
	s.zones = z
	s.mu.Unlock()
}

func (s *Service) scopeZone(scope int64) string {
	s.mu.RLock()
	z := s.zones
	s.mu.RUnlock()
	if z == nil {
		return ""
	}
	return z.Get(scope)
}

// ScopeTimezone reports the default zone in effect for scope.
func (s *Service) ScopeTimezone(scope int64) string {
	if tz := s.scopeZone(scope); tz != "" {
		return tz
	}
	return s.Limits().DefaultTimezone
}

// SetScopeTimezone changes the default zone for scope. Managers only; an
// empty tz clears the override.
func (s *Service) SetScopeTimezone(scope int64, req Requester, tz string) error {
	if !req.CanManage {
		return ErrManagerOnly
	}
	s.mu.RLock()
	z := s.zones
	s.mu.RUnlock()
	if z == nil {
		return errors.New("per-scope timezones are not available")
	}
	if err := z.Set(scope, tz); err != nil {
		return err
	}
	s.log.Info("scope timezone changed",
		logx.Int64("scope", scope), logx.String("zone", tz), logx.Int64("by", req.ID))
	return nil
}

// Requester identifies the user invoking a command. CanManage mirrors the
// platform's message-management permission and allows acting on other
// people's reminders.
type Requester struct {
	ID        int64
	CanManage bool
}

type CreateRequest struct {
	Scope     int64
	Channel   kit.ChatTarget
	Author    int64
	Date      string // YYYY-MM-DD
	Time      string // HH:MM
	Message   string
	Timezone  string // optional; defaults to the scope zone, then the global default
	Recurring string // optional; "daily" | "weekly" | "monthly"
	Mentions  []int64
}

// Create validates the request, builds the reminder and persists it. A past
// wall-clock time is rejected for one-offs and advanced to the first future
// occurrence for recurring reminders.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Reminder, error) {
	lim := s.Limits()
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if len(req.Message) > lim.MaxMessageLen {
		return nil, fmt.Errorf("%w: max %d characters", ErrMessageTooLong, lim.MaxMessageLen)
	}

	targets, err := s.buildTargets(req.Author, req.Mentions)
	if err != nil {
		return nil, err
	}

	tz := req.Timezone
	if tz == "" {
		tz = s.scopeZone(req.Scope)
	}
	if tz == "" {
		tz = lim.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimezone, req.Timezone)
	}

	now := s.now().UTC()
	fire, err := s.parseLocal(req.Date, req.Time, loc, now)
	if err != nil {
		return nil, err
	}

	var kind Kind
	switch req.Recurring {
	case "":
	case "none":
		return nil, ErrNoneOnCreate
	default:
		kind, err = ParseKind(req.Recurring)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadRecurrence, req.Recurring)
		}
	}

	if !fire.After(now) {
		if !kind.IsRecurring() {
			return nil, ErrPastTime
		}
		next, ok := NextAfter(fire, kind, loc, now)
		if !ok {
			return nil, ErrNoNextOccurrence
		}
		fire = next
	}

	r := &Reminder{
		FireTime:  fire,
		AuthorID:  req.Author,
		TargetIDs: targets,
		Message:   req.Message,
		Channel:   req.Channel,
		ScopeID:   req.Scope,
		Recurring: kind,
		Timezone:  tz,
	}
	s.store.Add(ctx, r)

	s.log.Info("reminder created",
		logx.Uint64("id", r.ID),
		logx.Int64("author", r.AuthorID),
		logx.Time("fire_time", r.FireTime),
		logx.String("recurring", r.Recurring.String()),
		logx.String("tz", r.Timezone))
	return r.Clone(), nil
}

// ListScope returns all active reminders in the scope, time-sorted.
func (s *Service) ListScope(scope int64) []*Reminder {
	return s.store.Active(scope, s.now())
}

// ListFor returns the requester's personally-scoped, time-sorted list: the
// active reminders in scope that target the requester. Positions in this
// slice (1-based) are the indices Remove and Edit accept.
func (s *Service) ListFor(scope int64, requester int64) []*Reminder {
	all := s.store.Active(scope, s.now())
	out := all[:0]
	for _, r := range all {
		if r.HasTarget(requester) {
			out = append(out, r)
		}
	}
	return out
}

// Remove deletes the index-th reminder (1-based) of the requester's
// personally-scoped list. The list is re-derived here so the index always
// refers to what the requester just saw, not to a stored identity.
func (s *Service) Remove(ctx context.Context, scope int64, req Requester, index int) (*Reminder, error) {
	r, err := s.atIndex(scope, req, index)
	if err != nil {
		return nil, err
	}
	s.store.Remove(ctx, r.ID)
	s.log.Info("reminder removed", logx.Uint64("id", r.ID), logx.Int64("by", req.ID))
	return r, nil
}

type EditRequest struct {
	Date      string // optional
	Time      string // optional
	Message   string // optional
	Timezone  string // optional
	Recurring string // optional; "none" clears the recurrence
	Mentions  []int64
}

// Edit applies the provided fields to the index-th reminder of the
// requester's personally-scoped list. The patch is staged on a copy and
// committed atomically: if the temporal update fails, message and timezone
// changes do not stick either.
func (s *Service) Edit(ctx context.Context, scope int64, req Requester, index int, patch EditRequest) (*Reminder, error) {
	r, err := s.atIndex(scope, req, index)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated, err := s.store.Update(ctx, r.ID, func(cp *Reminder) error {
		return s.applyPatch(cp, patch, now)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("reminder edited", logx.Uint64("id", updated.ID), logx.Int64("by", req.ID))
	return updated, nil
}

func (s *Service) applyPatch(cp *Reminder, patch EditRequest, now time.Time) error {
	if patch.Timezone != "" {
		if _, err := time.LoadLocation(patch.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrBadTimezone, patch.Timezone)
		}
		cp.Timezone = patch.Timezone
	}
	loc := cp.Location()

	if patch.Date != "" || patch.Time != "" {
		base := cp.FireTime.In(loc)
		date := patch.Date
		if date == "" {
			date = base.Format("2006-01-02")
		}
		hhmm := patch.Time
		if hhmm == "" {
			hhmm = base.Format("15:04")
		}
		fire, err := s.parseLocal(date, hhmm, loc, now)
		if err != nil {
			return err
		}
		cp.FireTime = fire
	}

	switch patch.Recurring {
	case "":
	case "none":
		cp.Recurring = None
	default:
		kind, err := ParseKind(patch.Recurring)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadRecurrence, patch.Recurring)
		}
		cp.Recurring = kind
	}

	if patch.Message != "" {
		if lim := s.Limits(); len(patch.Message) > lim.MaxMessageLen {
			return fmt.Errorf("%w: max %d characters", ErrMessageTooLong, lim.MaxMessageLen)
		}
		cp.Message = patch.Message
		if len(patch.Mentions) > 0 {
			targets, err := s.buildTargets(cp.AuthorID, patch.Mentions)
			if err != nil {
				return err
			}
			cp.TargetIDs = targets
		}
	}

	// Temporal validation runs last, against the fully staged state.
	if !cp.FireTime.After(now) {
		if !cp.Recurring.IsRecurring() {
			return ErrPastTime
		}
		next, ok := NextAfter(cp.FireTime, cp.Recurring, loc, now)
		if !ok {
			return ErrNoNextOccurrence
		}
		cp.FireTime = next
	}
	return nil
}

func (s *Service) atIndex(scope int64, req Requester, index int) (*Reminder, error) {
	list := s.ListFor(scope, req.ID)
	if index < 1 || index > len(list) {
		return nil, fmt.Errorf("%w: use a number between 1 and %d", ErrIndexOutOfRange, len(list))
	}
	r := list[index-1]
	if r.AuthorID != req.ID && !req.CanManage {
		return nil, ErrNotYours
	}
	return r, nil
}

func (s *Service) buildTargets(author int64, mentions []int64) ([]int64, error) {
	targets := []int64{author}
	for _, id := range mentions {
		if id == 0 || id == author {
			continue
		}
		dup := false
		for _, t := range targets {
			if t == id {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		targets = append(targets, id)
		if lim := s.Limits(); len(targets) > lim.MaxTargets {
			return nil, fmt.Errorf("%w: max %d users per reminder", ErrTooManyTargets, lim.MaxTargets)
		}
	}
	return targets, nil
}

// parseLocal parses "YYYY-MM-DD HH:MM" as wall-clock time in loc and returns
// the UTC instant, enforcing the year range and the future horizon.
func (s *Service) parseLocal(date, hhmm string, loc *time.Location, now time.Time) (time.Time, error) {
	t, err := time.ParseInLocation(dateTimeLayout, date+" "+hhmm, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: use YYYY-MM-DD and HH:MM", ErrBadDateTime)
	}
	if y := t.Year(); y < 1970 || y > 9999 {
		return time.Time{}, fmt.Errorf("%w: year must be between 1970 and 9999", ErrBadDateTime)
	}
	if lim := s.Limits(); t.After(now.AddDate(lim.HorizonYears, 0, 0)) {
		return time.Time{}, fmt.Errorf("%w: max %d years ahead", ErrTooFarAhead, lim.HorizonYears)
	}
	return t.UTC(), nil
}
