// internal/historian/historian.go
package historian

import (
	"context"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source yields queued action records. Pop returns (nil, nil) when nothing
// arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*models.ActionRecord, error)
}

// Sink persists action batches and closes out idle games.
type Sink interface {
	InsertActions(ctx context.Context, recs []models.ActionRecord) error
	MarkAbandoned(ctx context.Context, gameID string) (bool, error)
}

// Options tune batching and abandonment.
type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	// Inactivity is how long a game may go without actions before it is
	// marked abandoned.
	Inactivity    time.Duration
	SweepInterval time.Duration
	// MaxPending caps records held in memory while the sink is failing;
	// past it, records stay on the queue.
	MaxPending int
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 500 * time.Millisecond
	}
	if o.Inactivity <= 0 {
		o.Inactivity = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.MaxPending < o.BatchSize {
		o.MaxPending = 10 * o.BatchSize
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Service drains the action queue into the database in batches and marks
// games abandoned once they go quiet.
type Service struct {
	src  Source
	sink Sink
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	batch []models.ActionRecord
	// failures counts consecutive failed flushes; no flush is tried
	// before retryAt.
	failures int
	retryAt  time.Time
	// lastActivity is owned by the read loop and handed to the sweeper
	// through sweepCh.
	lastActivity map[string]time.Time
	sweepCh      chan chan []string
}

// New returns a Service reading from src and writing to sink.
func New(src Source, sink Sink, opts Options, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	opts = opts.withDefaults()
	return &Service{
		src:          src,
		sink:         sink,
		opts:         opts,
		log:          logger.WithField("component", "historian"),
		now:          time.Now,
		batch:        make([]models.ActionRecord, 0, opts.BatchSize),
		lastActivity: make(map[string]time.Time),
		sweepCh:      make(chan chan []string),
	}
}

// Run blocks until ctx is done or a loop fails. Pending records are flushed on exit.
func (hs *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.readLoop(ctx) })
	g.Go(func() error { return hs.inactivityLoop(ctx) })
	hs.log.Info("historian started")
	err := g.Wait()
	hs.log.Info("historian stopped")
	return err
}

func (hs *Service) readLoop(ctx context.Context) error {
	lastFlush := hs.now()
	defer func() {
		// ctx is already cancelled here
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.flush(flushCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-hs.sweepCh:
			reply <- hs.idleGames()
			continue
		default:
		}

		if len(hs.batch) >= hs.opts.MaxPending {
			if !sleep(ctx, hs.retryAt.Sub(hs.now())) {
				return nil
			}
			hs.flush(ctx)
			lastFlush = hs.now()
			continue
		}

		rec, err := hs.src.Pop(ctx, hs.opts.FlushDelay)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			hs.log.WithError(err).Error("pop failed")
			time.Sleep(hs.opts.FlushDelay)
			continue
		}
		if rec != nil && rec.GameID != "" {
			hs.lastActivity[rec.GameID] = hs.now()
			hs.batch = append(hs.batch, *rec)
		}
		due := len(hs.batch) >= hs.opts.BatchSize || hs.now().Sub(lastFlush) >= hs.opts.FlushDelay
		if due && !hs.now().Before(hs.retryAt) {
			hs.flush(ctx)
			lastFlush = hs.now()
		}
	}
}

// flush writes the current batch. A failed batch is kept for the next attempt,
// which is delayed exponentially up to MaxBackoff.
func (hs *Service) flush(ctx context.Context) {
	if len(hs.batch) == 0 {
		return
	}
	if err := hs.sink.InsertActions(ctx, hs.batch); err != nil {
		hs.failures++
		backoff := hs.backoff()
		hs.retryAt = hs.now().Add(backoff)
		hs.log.WithError(err).WithFields(logrus.Fields{
			"size":    len(hs.batch),
			"retryIn": backoff,
		}).Error("flush failed")
		return
	}
	hs.log.WithField("size", len(hs.batch)).Debug("flushed actions")
	hs.batch = hs.batch[:0]
	hs.failures = 0
	hs.retryAt = time.Time{}
}

func (hs *Service) backoff() time.Duration {
	d := hs.opts.FlushDelay
	for i := 1; i < hs.failures && d < hs.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > hs.opts.MaxBackoff {
		d = hs.opts.MaxBackoff
	}
	return d
}

// sleep waits for d or until ctx is done, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// idleGames removes and returns the games idle past the inactivity threshold.
// Runs on the read loop.
func (hs *Service) idleGames() []string {
	now := hs.now()
	var idle []string
	for id, last := range hs.lastActivity {
		if now.Sub(last) > hs.opts.Inactivity {
			idle = append(idle, id)
			delete(hs.lastActivity, id)
		}
	}
	return idle
}

func (hs *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(hs.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		reply := make(chan []string, 1)
		select {
		case hs.sweepCh <- reply:
		case <-ctx.Done():
			return nil
		}
		var idle []string
		select {
		case idle = <-reply:
		case <-ctx.Done():
			return nil
		}

		for _, id := range idle {
			changed, err := hs.sink.MarkAbandoned(ctx, id)
			if err != nil {
				hs.log.WithError(err).WithField("game", id).Warn("failed to mark game abandoned")
				continue
			}
			if changed {
				hs.log.WithField("game", id).Info("marked game abandoned due to inactivity")
			}
		}
	}
}
