package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fetchkit/fetchkit/internal/journal"
	"github.com/fetchkit/fetchkit/internal/probe"
)

func TestBuildSplitsEvenly(t *testing.T) {
	desc := &probe.Descriptor{Size: 32 * 1024 * 1024, AcceptRanges: true}
	segments := Build(desc, Policy{})
	assert.Len(t, segments, 4)
	assertContiguous(t, segments, desc.Size)
}

func TestBuildSpreadsRemainderOverEarlySegments(t *testing.T) {
	desc := &probe.Descriptor{Size: 10, AcceptRanges: true}
	segments := Build(desc, Policy{SegmentSize: 3, MaxParallelism: 3})
	assert.Len(t, segments, 3)
	assert.Equal(t, int64(4), segments[0].Length())
	assert.Equal(t, int64(3), segments[1].Length())
	assert.Equal(t, int64(3), segments[2].Length())
	assertContiguous(t, segments, desc.Size)
}

func TestBuildCapsParallelism(t *testing.T) {
	desc := &probe.Descriptor{Size: 100 * 1024 * 1024, AcceptRanges: true}
	segments := Build(desc, Policy{MaxParallelism: 4})
	assert.Len(t, segments, 4)
	assertContiguous(t, segments, desc.Size)
}

func TestBuildSmallFileSingleSegment(t *testing.T) {
	desc := &probe.Descriptor{Size: 1024, AcceptRanges: true}
	segments := Build(desc, Policy{})
	assert.Len(t, segments, 1)
	assert.Equal(t, int64(0), segments[0].Start)
	assert.Equal(t, int64(1023), segments[0].End)
}

func TestBuildNoRangeSupport(t *testing.T) {
	desc := &probe.Descriptor{Size: 64 * 1024 * 1024, AcceptRanges: false}
	segments := Build(desc, Policy{})
	assert.Len(t, segments, 1)
	assert.Equal(t, desc.Size-1, segments[0].End)
}

func TestBuildUnknownSize(t *testing.T) {
	desc := &probe.Descriptor{Size: -1, AcceptRanges: false}
	segments := Build(desc, Policy{})
	assert.Len(t, segments, 1)
	assert.Equal(t, int64(-1), segments[0].End)
	assert.Equal(t, int64(-1), segments[0].Length())
}

func TestReusable(t *testing.T) {
	tests := []struct {
		name string
		jnl  *journal.Journal
		desc *probe.Descriptor
		want bool
	}{
		{
			name: "matching etag and size",
			jnl:  &journal.Journal{TotalSize: 100, ETag: `"abc"`},
			desc: &probe.Descriptor{Size: 100, ETag: `"abc"`},
			want: true,
		},
		{
			name: "etag changed",
			jnl:  &journal.Journal{TotalSize: 100, ETag: `"abc"`},
			desc: &probe.Descriptor{Size: 100, ETag: `"def"`},
			want: false,
		},
		{
			name: "size changed",
			jnl:  &journal.Journal{TotalSize: 100, ETag: `"abc"`},
			desc: &probe.Descriptor{Size: 200, ETag: `"abc"`},
			want: false,
		},
		{
			name: "etag preferred over last-modified",
			jnl:  &journal.Journal{TotalSize: 100, ETag: `"abc"`, LastModified: "old"},
			desc: &probe.Descriptor{Size: 100, ETag: `"abc"`, LastModified: "new"},
			want: true,
		},
		{
			name: "last-modified fallback",
			jnl:  &journal.Journal{TotalSize: 100, LastModified: "Wed, 21 Oct 2015 07:28:00 GMT"},
			desc: &probe.Descriptor{Size: 100, LastModified: "Wed, 21 Oct 2015 07:28:00 GMT"},
			want: true,
		},
		{
			name: "last-modified changed",
			jnl:  &journal.Journal{TotalSize: 100, LastModified: "Wed, 21 Oct 2015 07:28:00 GMT"},
			desc: &probe.Descriptor{Size: 100, LastModified: "Thu, 22 Oct 2015 07:28:00 GMT"},
			want: false,
		},
		{
			name: "nil journal",
			jnl:  nil,
			desc: &probe.Descriptor{Size: 100},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reusable(tt.jnl, tt.desc))
		})
	}
}

func assertContiguous(t *testing.T, segments []journal.Segment, total int64) {
	t.Helper()
	var next int64
	for i, seg := range segments {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, next, seg.Start)
		next = seg.End + 1
	}
	assert.Equal(t, total, next)
}
