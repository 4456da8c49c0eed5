// Package plan turns a probe descriptor into the segment layout the
// worker pool executes.
package plan

import (
	"github.com/rs/zerolog/log"

	"github.com/fetchkit/fetchkit/internal/journal"
	"github.com/fetchkit/fetchkit/internal/probe"
)

const (
	DefaultSegmentSize    = 8 * 1024 * 1024
	DefaultMaxParallelism = 8
)

type Policy struct {
	SegmentSize    int64
	MaxParallelism int
}

func (p Policy) withDefaults() Policy {
	if p.SegmentSize <= 0 {
		p.SegmentSize = DefaultSegmentSize
	}
	if p.MaxParallelism <= 0 {
		p.MaxParallelism = DefaultMaxParallelism
	}
	return p
}

// Reusable reports whether a prior journal's plan can resume against
// the origin as it looks now. The validator must match exactly and the
// declared size must be unchanged.
func Reusable(jnl *journal.Journal, desc *probe.Descriptor) bool {
	if jnl == nil {
		return false
	}
	if jnl.TotalSize != desc.Size {
		return false
	}
	if jnl.ETag != "" || desc.ETag != "" {
		return jnl.ETag == desc.ETag
	}
	return jnl.LastModified == desc.LastModified
}

// Build computes the segment set for desc. Unknown size or an origin
// without range support collapses to one segment; otherwise the file is
// split into equal parts with the remainder spread one byte at a time
// over the earliest segments.
func Build(desc *probe.Descriptor, pol Policy) []journal.Segment {
	pol = pol.withDefaults()
	if desc.Size < 0 {
		return []journal.Segment{{Index: 0, Start: 0, End: -1, Status: journal.StatusPending}}
	}
	if !desc.AcceptRanges || desc.Size == 0 {
		return []journal.Segment{{Index: 0, Start: 0, End: desc.Size - 1, Status: journal.StatusPending}}
	}
	n := int((desc.Size + pol.SegmentSize - 1) / pol.SegmentSize)
	if n < 1 {
		n = 1
	}
	if n > pol.MaxParallelism {
		n = pol.MaxParallelism
	}
	log.Debug().Str("component", "plan").Int64("size", desc.Size).Int("segments", n).Msg("Planned segment layout")
	base := desc.Size / int64(n)
	extra := desc.Size % int64(n)
	segments := make([]journal.Segment, n)
	var offset int64
	for i := 0; i < n; i++ {
		length := base
		if int64(i) < extra {
			length++
		}
		segments[i] = journal.Segment{
			Index:  i,
			Start:  offset,
			End:    offset + length - 1,
			Status: journal.StatusPending,
		}
		offset += length
	}
	return segments
}
