package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

// outcome is the per-event result inside the batch transaction.
type outcome struct {
	duplicate  bool
	rejection  *Rejection
	conflictID string
}

// applyOne processes one structurally valid event. A returned error aborts
// the batch; per-event problems are reported in the outcome.
func (p *Pipeline) applyOne(ctx context.Context, tx *store.Tx, c checked) (outcome, error) {
	ev := c.ev
	reject := func(code Code, reason string) (outcome, error) {
		p.logger.Debug("event rejected", "event_id", ev.EventID, "code", code, "reason", reason)
		return outcome{rejection: &Rejection{EventID: ev.EventID, Code: code, Reason: reason}}, nil
	}

	recorded, err := tx.Recorded(ctx, ev)
	if err != nil {
		return outcome{}, err
	}
	if recorded {
		return outcome{duplicate: true}, nil
	}

	rec, err := tx.LoadField(ctx, ev.AggregateID, ev.Payload.Field, c.policy.Strategy)
	if errors.Is(err, crdt.ErrKindMismatch) {
		return reject(CodeMalformedDelta, err.Error())
	}
	if err != nil {
		return outcome{}, err
	}

	if err := crdt.CheckApplicable(rec.State, ev.Payload.Delta); err != nil {
		return reject(CodeMalformedDelta, err.Error())
	}

	inserted, seq, err := tx.InsertEvent(ctx, ev)
	if err != nil {
		return outcome{}, err
	}
	if !inserted {
		return outcome{duplicate: true}, nil
	}

	next, err := crdt.Apply(rec.State, ev.Payload.Delta)
	if err != nil {
		return outcome{}, fmt.Errorf("apply %s: %w", ev.EventID, err)
	}

	var out outcome
	if d, ok := ev.Payload.Delta.(crdt.RegisterDelta); ok {
		conflictID, err := p.detectConflict(ctx, tx, c, rec, d)
		if err != nil {
			return outcome{}, err
		}
		out.conflictID = conflictID

		if crdt.Newer(crdt.Register(d), rec.State.(crdt.Register)) {
			rec.WriterClock = ev.Clock.Clone()
			rec.WriterEventID = ev.EventID
		}
	}

	rec.State = next
	if err := tx.SaveField(ctx, rec, seq); err != nil {
		return outcome{}, err
	}

	clock, err := tx.LoadClock(ctx, ev.AggregateID)
	if err != nil {
		return outcome{}, err
	}
	if err := tx.SaveClock(ctx, ev.AggregateID, vclock.Merge(clock, ev.Clock), seq); err != nil {
		return outcome{}, err
	}

	if ev.Type == event.TypeResolution {
		if err := p.closeConflict(ctx, tx, ev); err != nil {
			return outcome{}, err
		}
	}
	return out, nil
}

// detectConflict records a conflict when a register delta is concurrent with
// the stored writer, the field requires confirmation and the values differ.
// It returns the id of the opened or updated conflict, or "".
func (p *Pipeline) detectConflict(ctx context.Context, tx *store.Tx, c checked, rec store.FieldRecord, d crdt.RegisterDelta) (string, error) {
	ev := c.ev
	prev := rec.State.(crdt.Register)
	incoming := crdt.Register(d)

	if !c.policy.RequiresConfirmation || ev.Type == event.TypeResolution || !prev.Written() {
		return "", nil
	}
	if vclock.Compare(ev.Clock, rec.WriterClock) != vclock.Concurrent {
		return "", nil
	}
	if ir.Equal(incoming.Value, prev.Value) {
		return "", nil
	}

	mine, theirs := prev, incoming
	mineEvent, losingEvent := rec.WriterEventID, ev.EventID
	mineClock, theirsClock := rec.WriterClock, ev.Clock
	if crdt.Newer(incoming, prev) {
		mine, theirs = incoming, prev
		mineEvent, losingEvent = ev.EventID, rec.WriterEventID
		mineClock, theirsClock = ev.Clock, rec.WriterClock
	}

	now := p.now()
	conflict, found, err := tx.OpenConflictFor(ctx, ev.AggregateID, ev.Payload.Field)
	if err != nil {
		return "", err
	}
	if !found {
		conflict = store.ConflictRecord{
			ID:          p.ids.Generate(),
			AggregateID: ev.AggregateID,
			Field:       ev.Payload.Field,
			Status:      store.ConflictOpen,
			CreatedAt:   now,
		}
	}
	conflict.Mine, conflict.Theirs = mine, theirs
	conflict.MineEventID, conflict.LosingEventID = mineEvent, losingEvent
	conflict.MineClock, conflict.TheirsClock = mineClock.Clone(), theirsClock.Clone()
	conflict.Priority = c.policy.Priority
	conflict.UpdatedAt = now

	if err := tx.SaveConflict(ctx, conflict); err != nil {
		return "", err
	}
	p.logger.Info("conflict surfaced",
		"conflict_id", conflict.ID,
		"aggregate_id", ev.AggregateID,
		"field", ev.Payload.Field,
		"priority", conflict.Priority,
		"code", CodeUnresolvedConflict,
		"updated", found,
	)
	return conflict.ID, nil
}

// closeConflict marks the conflict named by a resolution event as resolved.
// A replica that never saw that conflict id closes its own open conflict on
// the same field when the resolution clock dominates both candidates.
func (p *Pipeline) closeConflict(ctx context.Context, tx *store.Tx, ev event.Event) error {
	res := ev.Payload.Resolution
	now := p.now()

	ok, err := tx.MarkResolved(ctx, res.ConflictID, res.Decision, ev.DeviceID, ev.EventID, now)
	if err != nil || ok {
		return err
	}

	open, found, err := tx.OpenConflictFor(ctx, ev.AggregateID, ev.Payload.Field)
	if err != nil || !found {
		return err
	}
	if !dominates(ev.Clock, open.MineClock) || !dominates(ev.Clock, open.TheirsClock) {
		return nil
	}
	_, err = tx.MarkResolved(ctx, open.ID, res.Decision, ev.DeviceID, ev.EventID, now)
	return err
}

func dominates(a, b vclock.Clock) bool {
	rel := vclock.Compare(a, b)
	return rel == vclock.After || rel == vclock.Equal
}
