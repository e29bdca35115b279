package reminder

import (
	"time"

	"remibot/internal/storage"
	kit "remibot/internal/transport"
)

// Reminder is one scheduled (possibly recurring) delivery.
//
// FireTime is always stored and compared in UTC; Timezone is used only to
// interpret user-supplied wall-clock times and for DST-aware recurrence math.
// ID is assigned by the store and is process-local, never persisted.
type Reminder struct {
	ID        uint64
	FireTime  time.Time
	AuthorID  int64
	TargetIDs []int64
	Message   string
	Channel   kit.ChatTarget
	ScopeID   int64
	Recurring Kind
	Timezone  string
}

// Location loads the reminder's IANA zone, falling back to UTC. The zone name
// is validated at create/edit/load time, so a failure here means the zone
// database changed underneath us.
func (r *Reminder) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r *Reminder) HasTarget(id int64) bool {
	for _, t := range r.TargetIDs {
		if t == id {
			return true
		}
	}
	return false
}

func (r *Reminder) Clone() *Reminder {
	cp := *r
	cp.TargetIDs = append([]int64(nil), r.TargetIDs...)
	return &cp
}

// NextCopy returns a fresh reminder carrying everything forward with the
// advanced fire time. The copy has no ID; the store assigns one on insert.
func (r *Reminder) NextCopy(fire time.Time) *Reminder {
	cp := r.Clone()
	cp.ID = 0
	cp.FireTime = fire.UTC()
	return cp
}

func (r *Reminder) record() storage.Record {
	return storage.Record{
		FireTime:  r.FireTime.UTC(),
		AuthorID:  r.AuthorID,
		TargetIDs: append([]int64(nil), r.TargetIDs...),
		Message:   r.Message,
		ChatID:    r.Channel.ChatID,
		ThreadID:  r.Channel.ThreadID,
		ScopeID:   r.ScopeID,
		Recurring: r.Recurring.recordValue(),
		Timezone:  r.Timezone,
	}
}

func fromRecord(rec storage.Record) *Reminder {
	return &Reminder{
		FireTime:  rec.FireTime.UTC(),
		AuthorID:  rec.AuthorID,
		TargetIDs: append([]int64(nil), rec.TargetIDs...),
		Message:   rec.Message,
		Channel:   kit.ChatTarget{ChatID: rec.ChatID, ThreadID: rec.ThreadID},
		ScopeID:   rec.ScopeID,
		Recurring: kindFromRecord(rec.Recurring),
		Timezone:  rec.Timezone,
	}
}
