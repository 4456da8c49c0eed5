package fetchkit

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/assemble"
	"github.com/fetchkit/fetchkit/internal/fetch"
	"github.com/fetchkit/fetchkit/internal/httpx"
	"github.com/fetchkit/fetchkit/internal/journal"
	"github.com/fetchkit/fetchkit/internal/plan"
	"github.com/fetchkit/fetchkit/internal/pool"
	"github.com/fetchkit/fetchkit/internal/probe"
)

type State string

const (
	StateCreated     State = "created"
	StateProbing     State = "probing"
	StatePlanning    State = "planning"
	StateDownloading State = "downloading"
	StateAssembling  State = "assembling"
	StatePublished   State = "published"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Progress is a point-in-time snapshot of a job. Total is -1 while the
// size is unknown. Percent is the completed share of Total, from 0 to
// 100, and zero while Total is unknown or zero. Speed is a smoothed
// bytes-per-second estimate and ETA is zero when it cannot be computed.
type Progress struct {
	State      State
	Downloaded int64
	Total      int64
	Percent    float64
	Speed      float64
	ETA        time.Duration
}

// Job is one download from submission to publication. All exported
// methods are safe for concurrent use.
type Job struct {
	ID         string
	URL        string
	OutputPath string

	opts   Options
	client *httpx.Client
	log    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	downloaded int64
	total      int64
	speed      float64
	lastBytes  int64
	lastTick   time.Time
	err        error
}

// Progress returns the current snapshot.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := Progress{
		State:      j.state,
		Downloaded: j.downloaded,
		Total:      j.total,
		Speed:      j.speed,
	}
	if j.total > 0 {
		p.Percent = min(float64(j.downloaded)/float64(j.total)*100, 100)
	}
	if j.speed > 0 && j.total >= 0 && j.total > j.downloaded {
		p.ETA = time.Duration(float64(j.total-j.downloaded) / j.speed * float64(time.Second))
	}
	return p
}

// Wait blocks until the job reaches a terminal state and returns its
// outcome, nil on publication.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel asks the job to stop. Staging files and the journal are kept
// so a resubmission resumes where the job left off.
func (j *Job) Cancel() {
	j.cancel()
}

// Err returns the terminal error, nil while running or on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
	j.log.Debug().Str("state", string(s)).Msg("Job state changed")
	j.notify()
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	j.err = err
	if errs.IsKind(err, errs.KindCancelled) {
		j.state = StateCancelled
	} else {
		j.state = StateFailed
	}
	j.mu.Unlock()
	j.log.Debug().Err(err).Msg("Job finished with error")
	j.notify()
}

// onProgress feeds throttled pool snapshots into the job, updating the
// smoothed speed estimate.
func (j *Job) onProgress(downloaded, total int64) {
	now := time.Now()
	j.mu.Lock()
	j.downloaded = downloaded
	j.total = total
	if !j.lastTick.IsZero() {
		dt := now.Sub(j.lastTick).Seconds()
		if dt > 0 {
			instant := float64(downloaded-j.lastBytes) / dt
			if instant < 0 {
				instant = 0
			}
			if j.speed == 0 {
				j.speed = instant
			} else {
				j.speed = 0.7*j.speed + 0.3*instant
			}
		}
	}
	j.lastBytes = downloaded
	j.lastTick = now
	j.mu.Unlock()
	j.notify()
}

func (j *Job) notify() {
	if j.opts.ProgressFunc != nil {
		j.opts.ProgressFunc(j.Progress())
	}
}

// run drives the job through probe, plan, download, and assembly.
func (j *Job) run(ctx context.Context) {
	if done, err := j.checkExisting(); done {
		if err != nil {
			j.fail(err)
		} else {
			j.setState(StatePublished)
		}
		return
	}

	j.setState(StateProbing)
	desc, err := probe.Do(ctx, j.client, j.URL)
	if err != nil {
		j.fail(err)
		return
	}
	j.mu.Lock()
	j.total = desc.Size
	j.mu.Unlock()

	dir, err := journal.Open(j.OutputPath)
	if err != nil {
		j.fail(err)
		return
	}
	store := journal.NewStore(dir)

	jnl, err := j.prepare(store, desc)
	if err != nil {
		dir.Release()
		j.fail(err)
		return
	}

	jnl, err = j.download(ctx, store, jnl, desc)
	if err != nil {
		dir.Release()
		j.fail(err)
		return
	}

	j.setState(StateAssembling)
	err = assemble.Publish(jnl, dir, j.OutputPath, assemble.Options{
		Overwrite:       j.opts.Overwrite,
		DigestAlgorithm: j.opts.DigestAlgorithm,
		ExpectedDigest:  j.opts.ExpectedDigest,
	})
	if err != nil {
		dir.Release()
		j.fail(err)
		return
	}
	j.setState(StatePublished)
}

// checkExisting resolves the destination-exists cases before any
// network or staging activity.
func (j *Job) checkExisting() (bool, error) {
	if _, err := os.Stat(j.OutputPath); err != nil {
		return false, nil
	}
	if j.opts.SkipExisting {
		j.log.Debug().Str("path", j.OutputPath).Msg("Destination exists, skipping")
		return true, nil
	}
	if !j.opts.Overwrite {
		return true, errs.Newf(errs.KindAlreadyExists, "destination %s already exists", j.OutputPath)
	}
	return false, nil
}

// prepare loads or creates the journal and reconciles it against what
// the origin looks like now.
func (j *Job) prepare(store *journal.Store, desc *probe.Descriptor) (*journal.Journal, error) {
	j.setState(StatePlanning)
	jnl, err := store.Load()
	switch {
	case err == nil:
		if plan.Reusable(jnl, desc) {
			j.log.Debug().Int64("resumed", jnl.BytesWritten()).Msg("Resuming from existing journal")
			return jnl, store.Commit(jnl)
		}
		j.log.Debug().Msg("Origin changed since last attempt, restarting")
		if err := store.Dir().Wipe(); err != nil {
			return nil, errs.Wrap(errs.KindIoPermission, "wiping stale staging", err)
		}
	case errors.Is(err, journal.ErrNotFound):
	case errors.Is(err, journal.ErrCorrupt):
		j.log.Debug().Msg("Journal unreadable, restarting from empty")
		if err := store.Dir().Wipe(); err != nil {
			return nil, errs.Wrap(errs.KindIoPermission, "wiping corrupt staging", err)
		}
	default:
		return nil, errs.Wrap(errs.KindIoPermission, "loading journal", err)
	}
	return j.freshJournal(store, desc)
}

func (j *Job) freshJournal(store *journal.Store, desc *probe.Descriptor) (*journal.Journal, error) {
	jnl := &journal.Journal{
		JobID:           journal.JobID(j.OutputPath),
		URL:             j.URL,
		TotalSize:       desc.Size,
		AcceptRanges:    desc.AcceptRanges,
		ETag:            desc.ETag,
		LastModified:    desc.LastModified,
		DigestAlgorithm: j.opts.DigestAlgorithm,
		ExpectedDigest:  j.opts.ExpectedDigest,
		Segments: plan.Build(desc, plan.Policy{
			SegmentSize:    j.opts.SegmentSize,
			MaxParallelism: j.opts.MaxParallelism,
		}),
	}
	if err := store.Commit(jnl); err != nil {
		return nil, errs.Wrap(errs.KindIoPermission, "committing journal", err)
	}
	return jnl, nil
}

// download runs the pool, recovering once from a changed source and
// once from an origin that stops honoring ranges.
func (j *Job) download(ctx context.Context, store *journal.Store, jnl *journal.Journal, desc *probe.Descriptor) (*journal.Journal, error) {
	j.setState(StateDownloading)
	retriedChange := false
	retriedRange := false
	for {
		err := j.runPool(ctx, store, jnl)
		switch {
		case err == nil:
			return jnl, nil
		case errs.IsKind(err, errs.KindSourceChanged) && !retriedChange:
			retriedChange = true
			j.log.Debug().Msg("Source changed mid-download, restarting from fresh probe")
			if werr := store.Dir().Wipe(); werr != nil {
				return nil, errs.Wrap(errs.KindIoPermission, "wiping changed staging", werr)
			}
			newDesc, perr := probe.Do(ctx, j.client, j.URL)
			if perr != nil {
				return nil, perr
			}
			desc = newDesc
			j.mu.Lock()
			j.total = desc.Size
			j.downloaded = 0
			j.mu.Unlock()
			jnl, err = j.freshJournal(store, desc)
			if err != nil {
				return nil, err
			}
		case errs.IsKind(err, errs.KindRangeUnsupported) && !retriedRange:
			retriedRange = true
			j.log.Debug().Msg("Origin stopped honoring ranges, collapsing to one segment")
			if werr := store.Dir().Wipe(); werr != nil {
				return nil, errs.Wrap(errs.KindIoPermission, "wiping staging", werr)
			}
			single := *desc
			single.AcceptRanges = false
			desc = &single
			j.mu.Lock()
			j.downloaded = 0
			j.mu.Unlock()
			jnl, err = j.freshJournal(store, desc)
			if err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (j *Job) runPool(ctx context.Context, store *journal.Store, jnl *journal.Journal) error {
	if jnl.Complete() {
		return nil
	}
	p := pool.New(pool.Config{
		Workers:          j.opts.MaxParallelism,
		MaxAttempts:      j.opts.MaxAttempts,
		ProgressInterval: j.opts.ProgressInterval,
	}, j.client, store)
	return p.Run(ctx, jnl, fetch.Request{
		URL:          j.URL,
		ETag:         jnl.ETag,
		LastModified: jnl.LastModified,
		Multi:        len(jnl.Segments) > 1,
		DigestAlgo:   jnl.DigestAlgorithm,
	}, j.onProgress)
}
