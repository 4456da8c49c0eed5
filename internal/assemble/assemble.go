// Package assemble concatenates completed staging segments into the
// final file and publishes it with an atomic rename.
package assemble

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/digest"
	"github.com/fetchkit/fetchkit/internal/journal"
)

type Options struct {
	Overwrite       bool
	DigestAlgorithm string
	ExpectedDigest  string
}

// Publish verifies the staging segments, writes <final>.part next to
// the destination, and renames it into place. On integrity mismatch the
// .part file is left behind for inspection and the staging directory is
// kept.
func Publish(jnl *journal.Journal, dir *journal.Dir, finalPath string, opts Options) error {
	logger := log.With().Str("component", "assemble").Logger()

	if err := verifySegments(jnl, dir); err != nil {
		return err
	}
	if !opts.Overwrite {
		if _, err := os.Stat(finalPath); err == nil {
			return errs.Newf(errs.KindAlreadyExists, "destination %s already exists", finalPath)
		}
	}

	partPath := finalPath + ".part"
	out, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return wrapIoError("creating output file", err)
	}

	var hasher hash.Hash
	var sink io.Writer = out
	if opts.DigestAlgorithm != "" && opts.ExpectedDigest != "" {
		hasher, err = digest.New(opts.DigestAlgorithm)
		if err != nil {
			out.Close()
			os.Remove(partPath)
			return err
		}
		sink = io.MultiWriter(out, hasher)
	}

	for i := range jnl.Segments {
		if err := appendSegment(sink, dir.SegmentPath(jnl.Segments[i].Index)); err != nil {
			out.Close()
			os.Remove(partPath)
			return err
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partPath)
		return wrapIoError("syncing output file", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(partPath)
		return wrapIoError("closing output file", err)
	}

	if hasher != nil {
		got := fmt.Sprintf("%x", hasher.Sum(nil))
		if !digest.Equal(got, opts.ExpectedDigest) {
			logger.Debug().Str("expected", opts.ExpectedDigest).Str("got", got).Msg("Digest mismatch on assembled file")
			return errs.Newf(errs.KindIntegrityMismatch, "digest mismatch: expected %s, got %s", opts.ExpectedDigest, got)
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return wrapIoError("publishing output file", err)
	}
	logger.Debug().Str("path", finalPath).Int64("size", jnl.TotalSize).Msg("Published assembled file")
	return dir.Remove()
}

// verifySegments confirms every segment is completed and its staging
// file matches the journal's byte count.
func verifySegments(jnl *journal.Journal, dir *journal.Dir) error {
	for i := range jnl.Segments {
		seg := &jnl.Segments[i]
		if seg.Status != journal.StatusCompleted {
			return errs.Newf(errs.KindStagingInconsistent, "segment %d is %s, not completed", seg.Index, seg.Status)
		}
		info, err := os.Stat(dir.SegmentPath(seg.Index))
		if err != nil {
			return errs.Wrap(errs.KindStagingInconsistent, fmt.Sprintf("segment %d staging file missing", seg.Index), err)
		}
		if info.Size() != seg.BytesWritten {
			return errs.Newf(errs.KindStagingInconsistent, "segment %d staging file has %d bytes, journal records %d", seg.Index, info.Size(), seg.BytesWritten)
		}
	}
	return nil
}

func appendSegment(sink io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.KindStagingInconsistent, "opening staging segment", err)
	}
	defer f.Close()
	if _, err := io.Copy(sink, f); err != nil {
		return wrapIoError("copying staging segment", err)
	}
	return nil
}

func wrapIoError(detail string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errs.Wrap(errs.KindIoFull, detail, err)
	}
	return errs.Wrap(errs.KindIoPermission, detail, err)
}
