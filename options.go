package fetchkit

import (
	"net/http"
	"time"

	"github.com/fetchkit/fetchkit/internal/plan"
)

// Options tune one download. The zero value means "use the manager's
// default"; manager defaults in turn fall back to the package defaults.
type Options struct {
	// MaxParallelism caps concurrent segment transfers. Default 8.
	MaxParallelism int
	// SegmentSize is the target bytes per segment. Default 8 MiB.
	SegmentSize int64
	// MaxAttempts bounds transfer attempts per segment. Default 5.
	MaxAttempts int

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	UserAgent     string
	Headers       map[string]string
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	TLSSkipVerify bool
	// Auth decorates every outgoing request, e.g. with a bearer token.
	Auth func(*http.Request)

	// SpeedLimit caps aggregate download bandwidth in bytes per second.
	// 0 means unlimited.
	SpeedLimit int64

	// DigestAlgorithm and ExpectedDigest enable integrity verification
	// of the assembled file before it is published.
	DigestAlgorithm string
	ExpectedDigest  string

	// Overwrite replaces an existing destination file. SkipExisting
	// short-circuits to published when the destination already exists.
	Overwrite    bool
	SkipExisting bool

	ProgressInterval time.Duration
	// ProgressFunc receives throttled progress snapshots.
	ProgressFunc func(p Progress)
}

// merge layers req over defaults, field by field.
func merge(defaults, req Options) Options {
	out := defaults
	if req.MaxParallelism != 0 {
		out.MaxParallelism = req.MaxParallelism
	}
	if req.SegmentSize != 0 {
		out.SegmentSize = req.SegmentSize
	}
	if req.MaxAttempts != 0 {
		out.MaxAttempts = req.MaxAttempts
	}
	if req.ConnectTimeout != 0 {
		out.ConnectTimeout = req.ConnectTimeout
	}
	if req.IdleTimeout != 0 {
		out.IdleTimeout = req.IdleTimeout
	}
	if req.UserAgent != "" {
		out.UserAgent = req.UserAgent
	}
	if len(req.Headers) > 0 {
		out.Headers = req.Headers
	}
	if req.ProxyURL != "" {
		out.ProxyURL = req.ProxyURL
		out.ProxyUsername = req.ProxyUsername
		out.ProxyPassword = req.ProxyPassword
	}
	if req.TLSSkipVerify {
		out.TLSSkipVerify = true
	}
	if req.Auth != nil {
		out.Auth = req.Auth
	}
	if req.SpeedLimit != 0 {
		out.SpeedLimit = req.SpeedLimit
	}
	if req.DigestAlgorithm != "" {
		out.DigestAlgorithm = req.DigestAlgorithm
	}
	if req.ExpectedDigest != "" {
		out.ExpectedDigest = req.ExpectedDigest
	}
	if req.Overwrite {
		out.Overwrite = true
	}
	if req.SkipExisting {
		out.SkipExisting = true
	}
	if req.ProgressInterval != 0 {
		out.ProgressInterval = req.ProgressInterval
	}
	if req.ProgressFunc != nil {
		out.ProgressFunc = req.ProgressFunc
	}
	return out
}

func (o Options) withDefaults() Options {
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = plan.DefaultMaxParallelism
	}
	if o.SegmentSize <= 0 {
		o.SegmentSize = plan.DefaultSegmentSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 250 * time.Millisecond
	}
	return o
}
