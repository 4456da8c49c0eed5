// Package fetchkit is a resumable multipart HTTP download engine. A
// Manager turns URLs into published local files: it probes the origin,
// splits the body into ranged segments, downloads them in parallel with
// durable progress journaling, and assembles the result atomically.
// Interrupted jobs resume from their staging directory on resubmission.
package fetchkit

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/digest"
	"github.com/fetchkit/fetchkit/internal/httpx"
	"github.com/fetchkit/fetchkit/internal/journal"
)

// Request submits one download. Options fields left at their zero
// value inherit the manager's defaults.
type Request struct {
	URL        string
	OutputPath string
	Options    Options
}

// Manager owns the shared HTTP client and tracks live jobs so the same
// destination is never downloaded twice concurrently.
type Manager struct {
	defaults Options
	client   *httpx.Client
	log      zerolog.Logger

	mu   sync.Mutex
	live map[string]*Job
}

// NewManager builds a manager whose jobs share one connection pool and
// one bandwidth limiter.
func NewManager(defaults Options) *Manager {
	defaults = defaults.withDefaults()
	return &Manager{
		defaults: defaults,
		client: httpx.NewClient(httpx.Config{
			ConnectTimeout: defaults.ConnectTimeout,
			IdleTimeout:    defaults.IdleTimeout,
			ProxyURL:       defaults.ProxyURL,
			ProxyUsername:  defaults.ProxyUsername,
			ProxyPassword:  defaults.ProxyPassword,
			UserAgent:      defaults.UserAgent,
			Headers:        defaults.Headers,
			TLSSkipVerify:  defaults.TLSSkipVerify,
			SpeedLimit:     defaults.SpeedLimit,
			Auth:           defaults.Auth,
		}),
		log:  log.With().Str("component", "manager").Logger(),
		live: make(map[string]*Job),
	}
}

// Start launches a download and returns immediately. A second start for
// the same destination while the first is live returns KindBusy.
func (m *Manager) Start(ctx context.Context, req Request) (*Job, error) {
	if req.URL == "" {
		return nil, errs.New(errs.KindUnsupported, "empty URL")
	}
	if req.OutputPath == "" {
		return nil, errs.New(errs.KindUnsupported, "empty output path")
	}
	id := journal.JobID(req.OutputPath)

	m.mu.Lock()
	if _, ok := m.live[id]; ok {
		m.mu.Unlock()
		return nil, errs.Newf(errs.KindBusy, "a job for %s is already running", req.OutputPath)
	}
	opts := merge(m.defaults, req.Options).withDefaults()
	client := m.client
	if overridesClient(req.Options) {
		client = httpx.NewClient(httpx.Config{
			ConnectTimeout: opts.ConnectTimeout,
			IdleTimeout:    opts.IdleTimeout,
			ProxyURL:       opts.ProxyURL,
			ProxyUsername:  opts.ProxyUsername,
			ProxyPassword:  opts.ProxyPassword,
			UserAgent:      opts.UserAgent,
			Headers:        opts.Headers,
			TLSSkipVerify:  opts.TLSSkipVerify,
			SpeedLimit:     opts.SpeedLimit,
			Auth:           opts.Auth,
		})
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		ID:         id,
		URL:        req.URL,
		OutputPath: req.OutputPath,
		opts:       opts,
		client:     client,
		log:        m.log.With().Str("job", id).Logger(),
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateCreated,
		total:      -1,
	}
	m.live[id] = job
	m.mu.Unlock()

	go func() {
		job.run(jobCtx)
		m.mu.Lock()
		delete(m.live, id)
		m.mu.Unlock()
		// The live slot is freed before Wait observers wake, so a
		// resubmission for the same destination cannot race Busy.
		close(job.done)
	}()
	return job, nil
}

// overridesClient reports whether a request changed any option baked
// into the shared HTTP client, forcing a dedicated one. The shared
// client keeps the bandwidth cap global across jobs.
func overridesClient(o Options) bool {
	return o.ConnectTimeout != 0 ||
		o.IdleTimeout != 0 ||
		o.ProxyURL != "" ||
		o.UserAgent != "" ||
		o.SpeedLimit != 0 ||
		o.TLSSkipVerify ||
		len(o.Headers) > 0 ||
		o.Auth != nil
}

// Job returns the live job for an output path, nil when none is
// running.
func (m *Manager) Job(outputPath string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[journal.JobID(outputPath)]
}

// Jobs snapshots the currently live jobs.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.live))
	for _, j := range m.live {
		out = append(out, j)
	}
	return out
}

// CancelAll cancels every live job. Staging state is kept for resume.
func (m *Manager) CancelAll() {
	for _, j := range m.Jobs() {
		j.Cancel()
	}
}

// Verify re-hashes a published file and compares it against expected.
// A mismatch reports KindIntegrityMismatch.
func (m *Manager) Verify(path, algorithm, expected string) error {
	got, err := digest.File(path, algorithm)
	if err != nil {
		return err
	}
	if !digest.Equal(got, expected) {
		return errs.Newf(errs.KindIntegrityMismatch, "digest mismatch for %s: expected %s, got %s", path, expected, got)
	}
	return nil
}

// Clean removes the staging directory left behind by an abandoned
// download for outputPath. A staging directory locked by a live process
// reports KindBusy.
func (m *Manager) Clean(outputPath string) error {
	if _, err := os.Stat(journal.StagingDir(outputPath)); os.IsNotExist(err) {
		return nil
	}
	dir, err := journal.Open(outputPath)
	if err != nil {
		return err
	}
	return dir.Remove()
}
