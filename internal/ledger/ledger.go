// Package ledger keeps cash-session balances as two grow-only legs per
// currency. Money in raises cash_in_<cur>; money out raises cash_out_<cur>.
// The balance is the difference, so concurrent drawers never lose a
// movement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
)

// AggregateKind is the aggregate kind that carries the legs.
const AggregateKind = "cash_session"

// Reader reads computed field values.
type Reader interface {
	Value(ctx context.Context, aggregateID, field string) (ir.IRValue, error)
}

// Counter is the replica surface the ledger writes through.
// *device.Device implements it.
type Counter interface {
	Reader
	Increment(ctx context.Context, aggregateID, field string, n int64) (event.Event, error)
	Decrement(ctx context.Context, aggregateID, field string, n int64) (event.Event, error)
}

// ErrZeroAmount is returned for a movement of zero.
var ErrZeroAmount = errors.New("ledger: zero amount")

// Movement is one recorded cash movement in minor units.
type Movement struct {
	Session  string `json:"session"`
	Currency string `json:"currency"`
	// Amount is positive for money in, negative for money out.
	Amount  int64  `json:"amount"`
	EventID string `json:"event_id"`
}

// Ledger records movements on cash sessions.
type Ledger struct {
	counter Counter
}

// New creates a ledger writing through c.
func New(c Counter) *Ledger {
	return &Ledger{counter: c}
}

// Legs returns the positive and negative field names for currency.
func Legs(currency string) (in, out string, err error) {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		return "", "", errors.New("ledger: empty currency")
	}
	for _, r := range cur {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", "", fmt.Errorf("ledger: invalid currency %q", currency)
		}
	}
	return "cash_in_" + cur, "cash_out_" + cur, nil
}

// SessionID returns the aggregate id of a cash session.
func SessionID(session string) string {
	return event.AggregateID(AggregateKind, session)
}

// RecordMovement adds amount to the session. A positive amount raises the
// in leg; a negative amount raises the out leg by its magnitude.
func (l *Ledger) RecordMovement(ctx context.Context, session, currency string, amount int64) (Movement, error) {
	if amount == 0 {
		return Movement{}, ErrZeroAmount
	}
	in, out, err := Legs(currency)
	if err != nil {
		return Movement{}, err
	}
	field, n := in, amount
	if amount < 0 {
		field, n = out, -amount
	}
	ev, err := l.counter.Increment(ctx, SessionID(session), field, n)
	if err != nil {
		return Movement{}, fmt.Errorf("record movement on %s: %w", session, err)
	}
	return Movement{Session: session, Currency: currency, Amount: amount, EventID: ev.EventID}, nil
}

// Reverse undoes m by decrementing the leg it raised.
func (l *Ledger) Reverse(ctx context.Context, m Movement) (Movement, error) {
	if m.Amount == 0 {
		return Movement{}, ErrZeroAmount
	}
	in, out, err := Legs(m.Currency)
	if err != nil {
		return Movement{}, err
	}
	field, n := in, m.Amount
	if m.Amount < 0 {
		field, n = out, -m.Amount
	}
	ev, err := l.counter.Decrement(ctx, SessionID(m.Session), field, n)
	if err != nil {
		return Movement{}, fmt.Errorf("reverse movement %s: %w", m.EventID, err)
	}
	return Movement{Session: m.Session, Currency: m.Currency, Amount: -m.Amount, EventID: ev.EventID}, nil
}

// Balance returns value(in) - value(out) for the session and currency.
func (l *Ledger) Balance(ctx context.Context, session, currency string) (int64, error) {
	return Balance(ctx, l.counter, session, currency)
}

// Balance reads a session balance from any replica.
func Balance(ctx context.Context, r Reader, session, currency string) (int64, error) {
	in, out, err := Legs(currency)
	if err != nil {
		return 0, err
	}
	credit, err := leg(ctx, r, session, in)
	if err != nil {
		return 0, err
	}
	debit, err := leg(ctx, r, session, out)
	if err != nil {
		return 0, err
	}
	return credit - debit, nil
}

func leg(ctx context.Context, r Reader, session, field string) (int64, error) {
	v, err := r.Value(ctx, SessionID(session), field)
	if err != nil {
		return 0, fmt.Errorf("read %s of %s: %w", field, session, err)
	}
	n, ok := v.(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("read %s of %s: not a counter value (%T)", field, session, v)
	}
	return int64(n), nil
}
