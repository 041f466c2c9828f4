package device

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/outbox"
)

// PullReport summarizes one Pull.
type PullReport struct {
	Fetched    int                `json:"fetched"`
	Applied    int                `json:"applied"`
	Duplicates int                `json:"duplicates"`
	Rejected   []ingest.Rejection `json:"rejected"`
	Conflicts  []string           `json:"conflicts"`
}

// Pull fetches what the authority logged past this device's pull cursor for
// each aggregate and ingests it. The cursor is a position in the authority
// log, so an event that reaches the authority after later events of the same
// device is still pulled. Fetches run in parallel; ingestion runs in the
// order of aggregates, and each cursor advances only after its events are
// ingested. A nil list pulls every aggregate known locally or to the
// authority.
func (d *Device) Pull(ctx context.Context, tr outbox.Transport, aggregates []string) (PullReport, error) {
	if aggregates == nil {
		known, err := d.knownAggregates(ctx, tr)
		if err != nil {
			return PullReport{}, err
		}
		aggregates = known
	}

	pages := make([]ingest.Page, len(aggregates))
	g, gctx := errgroup.WithContext(ctx)
	for i, agg := range aggregates {
		g.Go(func() error {
			cursor, err := d.store.PullCursor(gctx, agg)
			if err != nil {
				return err
			}
			page, err := tr.FetchAfter(gctx, agg, cursor)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", agg, err)
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PullReport{}, err
	}

	rep := PullReport{Rejected: []ingest.Rejection{}, Conflicts: []string{}}
	for i, agg := range aggregates {
		events := pages[i].Events
		if len(events) == 0 {
			continue
		}
		rep.Fetched += len(events)

		res, err := d.ingestRemote(ctx, agg, events)
		if err != nil {
			return rep, err
		}
		if err := d.store.SavePullCursor(ctx, agg, pages[i].Cursor); err != nil {
			return rep, err
		}
		rep.Applied += len(res.Accepted) - len(res.Duplicates)
		rep.Duplicates += len(res.Duplicates)
		rep.Rejected = append(rep.Rejected, res.Rejected...)
		rep.Conflicts = append(rep.Conflicts, res.Conflicts...)
	}

	d.logger.Debug("pull",
		"aggregates", len(aggregates),
		"fetched", rep.Fetched,
		"applied", rep.Applied,
		"conflicts", len(rep.Conflicts),
	)
	return rep, nil
}

// knownAggregates merges the local aggregates with the authority's, sorted.
func (d *Device) knownAggregates(ctx context.Context, tr outbox.Transport) ([]string, error) {
	local, err := d.store.Aggregates(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := tr.Aggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list authority aggregates: %w", err)
	}
	all := append(local, remote...)
	slices.Sort(all)
	return slices.Compact(all), nil
}

func (d *Device) ingestRemote(ctx context.Context, aggregateID string, events []event.Event) (ingest.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.pipeline.Submit(ctx, events)
	if err != nil {
		return ingest.Result{}, err
	}
	for _, ev := range events {
		d.tracker.Observe(aggregateID, ev.Clock)
		d.observeStamps(ev.Payload.Delta)
	}
	return res, nil
}

// observeStamps moves the hybrid clock past remote timestamps so later
// local writes order after what was seen.
func (d *Device) observeStamps(delta crdt.Delta) {
	switch dl := delta.(type) {
	case crdt.RegisterDelta:
		d.clock.Observe(dl.Timestamp)
	case crdt.RGADelta:
		if dl.Insert != nil {
			d.clock.Observe(dl.Insert.ID.Stamp)
		}
	}
}
