// Package pool runs a job's segment transfers on a bounded worker set,
// retrying transient failures and flushing progress into the journal.
package pool

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/fetch"
	"github.com/fetchkit/fetchkit/internal/httpx"
	"github.com/fetchkit/fetchkit/internal/journal"
)

type Config struct {
	Workers          int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	ProgressInterval time.Duration
	CommitInterval   time.Duration
	CommitBytes      int64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 250 * time.Millisecond
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = 2 * time.Second
	}
	if c.CommitBytes <= 0 {
		c.CommitBytes = 512 * 1024
	}
	return c
}

// Pool drives one job's segments to completion.
type Pool struct {
	cfg    Config
	client *httpx.Client
	store  *journal.Store
	log    zerolog.Logger

	total   atomic.Int64
	pending []atomic.Int64
}

func New(cfg Config, client *httpx.Client, store *journal.Store) *Pool {
	return &Pool{
		cfg:    cfg.withDefaults(),
		client: client,
		store:  store,
		log:    log.With().Str("component", "pool").Logger(),
	}
}

// Run downloads every non-completed segment of jnl. onProgress, when
// non-nil, receives throttled (downloaded, total) snapshots. Run
// returns the first permanent error; a permanent failure on any
// segment cancels its peers. Staging inconsistencies are permanent
// here: staging is preserved and reconciled when a resubmission
// reloads the journal.
func (p *Pool) Run(ctx context.Context, jnl *journal.Journal, req fetch.Request, onProgress func(downloaded, total int64)) error {
	p.total.Store(jnl.BytesWritten())
	p.pending = make([]atomic.Int64, len(jnl.Segments))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var observerWG sync.WaitGroup
	observerWG.Add(1)
	go func() {
		defer observerWG.Done()
		p.observe(runCtx, jnl, onProgress)
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(p.cfg.Workers)
	for i := range jnl.Segments {
		if jnl.Segments[i].Status == journal.StatusCompleted {
			continue
		}
		index := i
		group.Go(func() error {
			return p.runSegment(groupCtx, jnl, index, req)
		})
	}
	err := group.Wait()
	cancel()
	observerWG.Wait()

	if flushErr := p.flush(jnl); flushErr != nil && err == nil {
		err = flushErr
	}
	if err == nil && onProgress != nil {
		onProgress(p.total.Load(), jnl.TotalSize)
	}
	return err
}

func (p *Pool) runSegment(ctx context.Context, jnl *journal.Journal, index int, req fetch.Request) error {
	logger := p.log.With().Int("segment", index).Logger()
	path := p.store.Dir().SegmentPath(index)

	if err := p.store.UpdateSegment(jnl, index, func(seg *journal.Segment) {
		seg.Status = journal.StatusInFlight
	}); err != nil {
		return err
	}

	progress := func(delta int64) {
		p.pending[index].Add(delta)
		p.total.Add(delta)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, "segment cancelled", err)
		}
		snapshot := p.snapshotSegment(jnl, index)
		result, err := fetch.Segment(ctx, p.client, req, snapshot, path, progress)
		if err == nil {
			return p.store.UpdateSegment(jnl, index, func(seg *journal.Segment) {
				seg.Status = journal.StatusCompleted
				seg.BytesWritten = result.BytesWritten
				seg.Digest = result.Digest
				p.pending[index].Store(0)
			})
		}
		lastErr = err

		switch {
		case errs.IsKind(err, errs.KindCancelled):
			p.flushSegment(jnl, index)
			return err
		case fetch.Transient(err):
			p.flushSegment(jnl, index)
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Transient failure, backing off")
			if attempt < p.cfg.MaxAttempts {
				if !p.backoff(ctx, attempt) {
					return errs.Wrap(errs.KindCancelled, "segment cancelled", ctx.Err())
				}
			}
		default:
			p.flushSegment(jnl, index)
			p.markFailed(jnl, index)
			return err
		}
	}

	p.markFailed(jnl, index)
	return lastErr
}

func (p *Pool) markFailed(jnl *journal.Journal, index int) {
	if err := p.store.UpdateSegment(jnl, index, func(seg *journal.Segment) {
		seg.Status = journal.StatusFailed
	}); err != nil {
		p.log.Debug().Err(err).Int("segment", index).Msg("Failed to record segment failure")
	}
}

// backoff sleeps for min(cap, base*2^(attempt-1)) jittered by a factor
// in [0.5, 1.5). It returns false when the context ended first.
func (p *Pool) backoff(ctx context.Context, attempt int) bool {
	delay := p.cfg.BackoffBase << uint(attempt-1)
	if delay > p.cfg.BackoffCap || delay <= 0 {
		delay = p.cfg.BackoffCap
	}
	jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pool) snapshotSegment(jnl *journal.Journal, index int) journal.Segment {
	var snapshot journal.Segment
	p.store.Apply(jnl, func(j *journal.Journal) {
		snapshot = j.Segments[index]
	})
	return snapshot
}

// observe periodically flushes accumulated deltas into the journal and
// reports throttled progress snapshots.
func (p *Pool) observe(ctx context.Context, jnl *journal.Journal, onProgress func(downloaded, total int64)) {
	progressTick := time.NewTicker(p.cfg.ProgressInterval)
	defer progressTick.Stop()
	commitTick := time.NewTicker(p.cfg.CommitInterval)
	defer commitTick.Stop()

	var lastCommitted int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-progressTick.C:
			if onProgress != nil {
				onProgress(p.total.Load(), jnl.TotalSize)
			}
			if p.total.Load()-lastCommitted >= p.cfg.CommitBytes {
				if err := p.flush(jnl); err == nil {
					lastCommitted = p.total.Load()
				}
			}
		case <-commitTick.C:
			if err := p.flush(jnl); err == nil {
				lastCommitted = p.total.Load()
			}
		}
	}
}

// flush drains all pending per-segment deltas into the journal and
// commits once.
func (p *Pool) flush(jnl *journal.Journal) error {
	return p.store.Apply(jnl, func(j *journal.Journal) {
		for i := range j.Segments {
			delta := p.pending[i].Swap(0)
			if delta != 0 {
				j.Segments[i].BytesWritten += delta
			}
		}
	})
}

func (p *Pool) flushSegment(jnl *journal.Journal, index int) {
	if err := p.store.UpdateSegment(jnl, index, func(seg *journal.Segment) {
		seg.BytesWritten += p.pending[index].Swap(0)
	}); err != nil {
		p.log.Debug().Err(err).Int("segment", index).Msg("Failed to flush segment progress")
	}
}
