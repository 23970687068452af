// internal/room/maintenance.go
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/jason-s-yu/farkle/internal/store"
)

// Event logs kept per room. Rooms themselves are never trimmed.
const (
	DiceRollsLog = "diceRolls"
	MaterialsLog = "materials"
)

var eventLogs = []string{DiceRollsLog, MaterialsLog}

// Keys lists every room key in the store.
func (d *Directory) Keys(ctx context.Context) ([]string, error) {
	raw, err := d.st.Once(ctx, "rooms")
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return store.SortedKeys(raw), nil
}

// TrimEventLogs keeps only the newest keep entries of each room's event logs
// and returns how many entries were removed.
func (d *Directory) TrimEventLogs(ctx context.Context, keep int) (int, error) {
	keys, err := d.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		for _, log := range eventLogs {
			n, err := d.trimLog(ctx, models.EventsPath(key, log), keep)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	if removed > 0 {
		d.log.WithField("removed", removed).Debug("trimmed room event logs")
	}
	return removed, nil
}

func (d *Directory) trimLog(ctx context.Context, path string, keep int) (int, error) {
	raw, err := d.st.Once(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	ids := store.SortedKeys(raw)
	if len(ids) <= keep {
		return 0, nil
	}
	stale := ids[:len(ids)-keep]
	updates := make(map[string]any, len(stale))
	for _, id := range stale {
		updates[store.Join(path, id)] = nil
	}
	if err := d.st.Update(ctx, updates); err != nil {
		return 0, fmt.Errorf("trim %s: %w", path, err)
	}
	return len(stale), nil
}

// Sweeper applies the on-disconnect writes of clients whose lease lapsed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// RunJanitor trims event logs every interval, and sweeps dead clients when
// sweeper is non-nil, until ctx is done.
func (d *Directory) RunJanitor(ctx context.Context, interval time.Duration, keep int, sweeper Sweeper) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if sweeper != nil {
			n, err := sweeper.SweepExpired(ctx)
			if err != nil {
				d.log.WithError(err).Warn("lease sweep failed")
			} else if n > 0 {
				d.log.WithField("clients", n).Info("applied on-disconnect writes of expired clients")
			}
		}
		if _, err := d.TrimEventLogs(ctx, keep); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("event log trim failed")
		}
	}
}
