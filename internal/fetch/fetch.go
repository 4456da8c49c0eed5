// Package fetch streams one segment of a remote file into its staging
// file, honoring resume offsets, validators, and the shared bandwidth
// limiter.
package fetch

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/digest"
	"github.com/fetchkit/fetchkit/internal/httpx"
	"github.com/fetchkit/fetchkit/internal/journal"
)

const copyChunkSize = 64 * 1024

// Request carries the per-job facts every segment transfer shares.
type Request struct {
	URL          string
	ETag         string
	LastModified string
	// Multi reports whether the plan has more than one segment; a 200
	// answer to a ranged request is fatal for multi-segment plans and a
	// restart-from-zero for single-segment ones.
	Multi      bool
	DigestAlgo string
}

// Result reports what a completed segment transfer produced.
type Result struct {
	BytesWritten int64
	Digest       string
}

// Segment downloads one segment into path, resuming from
// seg.BytesWritten. The seg argument is a snapshot; all mutation flows
// back through the progress callback and the returned Result.
func Segment(ctx context.Context, client *httpx.Client, req Request, seg journal.Segment, path string, progress func(delta int64)) (*Result, error) {
	logger := log.With().Str("component", "fetch").Int("segment", seg.Index).Logger()

	offset, err := verifyStaging(path, seg)
	if err != nil {
		return nil, err
	}
	if seg.Length() >= 0 && offset == seg.Length() {
		return &Result{BytesWritten: offset}, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalInvariant, "building segment request", err)
	}
	ranged := seg.Start > 0 || seg.End >= 0 || offset > 0
	if ranged {
		httpReq.Header.Set("Range", rangeHeader(seg, offset))
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-Match", req.ETag)
	} else if req.LastModified != "" {
		httpReq.Header.Set("If-Unmodified-Since", req.LastModified)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if ranged {
			if req.Multi {
				return nil, errs.New(errs.KindRangeUnsupported, "origin ignored range request")
			}
			logger.Debug().Msg("Origin ignored range, restarting segment from zero")
			if offset > 0 {
				progress(-offset)
			}
			offset = 0
		}
	case http.StatusPreconditionFailed:
		return nil, errs.New(errs.KindSourceChanged, "validator precondition failed")
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, errs.New(errs.KindSourceChanged, "requested range no longer satisfiable")
	default:
		return nil, statusError(resp.StatusCode)
	}

	file, err := openStaging(path, offset)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hasher hash.Hash
	if req.DigestAlgo != "" && offset == 0 {
		hasher, err = digest.New(req.DigestAlgo)
		if err != nil {
			return nil, err
		}
	}

	written, err := copyBody(reqCtx, cancel, client, resp.Body, file, seg, offset, hasher, progress, logger)
	total := offset + written
	if err != nil {
		return nil, err
	}
	res := &Result{BytesWritten: total}
	if hasher != nil {
		res.Digest = fmt.Sprintf("%x", hasher.Sum(nil))
	}
	return res, nil
}

// verifyStaging checks the staging file against the journal's view and
// returns the resume offset.
func verifyStaging(path string, seg journal.Segment) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if seg.BytesWritten != 0 {
			return 0, errs.Newf(errs.KindStagingInconsistent, "segment %d claims %d bytes but staging file is missing", seg.Index, seg.BytesWritten)
		}
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindIoPermission, "stating staging file", err)
	}
	if info.Size() != seg.BytesWritten {
		return 0, errs.Newf(errs.KindStagingInconsistent, "segment %d claims %d bytes but staging file has %d", seg.Index, seg.BytesWritten, info.Size())
	}
	if seg.Length() >= 0 && info.Size() > seg.Length() {
		return 0, errs.Newf(errs.KindStagingInconsistent, "segment %d staging file exceeds segment length", seg.Index)
	}
	return info.Size(), nil
}

func openStaging(path string, offset int64) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, wrapIoError("opening staging file", err)
	}
	return file, nil
}

func copyBody(ctx context.Context, cancel context.CancelFunc, client *httpx.Client, body io.Reader, file *os.File, seg journal.Segment, offset int64, hasher hash.Hash, progress func(int64), logger zerolog.Logger) (int64, error) {
	var reader io.Reader = body
	var idle *httpx.IdleReader
	if timeout := client.IdleTimeout(); timeout > 0 {
		idle = httpx.NewIdleReader(body, timeout, cancel)
		defer idle.Stop()
		reader = idle
	}

	remaining := int64(-1)
	if seg.Length() >= 0 {
		remaining = seg.Length() - offset
		// One extra byte so an over-delivering origin is detected
		// instead of silently truncated.
		reader = io.LimitReader(reader, remaining+1)
	}

	limiter := client.Limiter()
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			if idle != nil && idle.Expired() {
				return written, errs.New(errs.KindTimeout, "read stalled past idle timeout")
			}
			return written, errs.Wrap(errs.KindCancelled, "segment cancelled", err)
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return written, errs.Wrap(errs.KindCancelled, "segment cancelled", err)
				}
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return written, wrapIoError("writing staging file", err)
			}
			if hasher != nil {
				hasher.Write(buf[:n])
			}
			written += int64(n)
			progress(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if idle != nil && idle.Expired() {
				return written, errs.New(errs.KindTimeout, "read stalled past idle timeout")
			}
			return written, transportError(readErr)
		}
	}

	if remaining >= 0 {
		switch {
		case written > remaining:
			logger.Debug().Int64("expected", remaining).Int64("got", written).Msg("Origin sent more bytes than the segment spans")
			return written, errs.Newf(errs.KindStagingInconsistent, "segment %d received more bytes than planned", seg.Index)
		case written < remaining:
			return written, errs.Newf(errs.KindUnreachable, "segment %d connection closed %d bytes short", seg.Index, remaining-written)
		}
	}
	return written, nil
}

func rangeHeader(seg journal.Segment, offset int64) string {
	start := seg.Start + offset
	if seg.End < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, seg.End)
}

// Transient reports whether a failed attempt is worth retrying.
func Transient(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindUnreachable, errs.KindTimeout:
		return true
	}
	return false
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusProxyAuthRequired:
		return errs.Newf(errs.KindAuthRequired, "origin returned %d", code)
	case code == http.StatusForbidden:
		return errs.Newf(errs.KindForbidden, "origin returned %d", code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errs.Newf(errs.KindNotFound, "origin returned %d", code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return errs.Newf(errs.KindUnreachable, "origin returned %d", code)
	case code >= 500:
		return errs.Newf(errs.KindUnreachable, "origin returned %d", code)
	default:
		return errs.Newf(errs.KindUnsupported, "origin returned %d", code)
	}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindCancelled, "segment cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, "segment timed out", err)
	}
	var certErr *x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return errs.Wrap(errs.KindTlsFailure, "TLS validation failed", err)
	}
	return errs.Wrap(errs.KindUnreachable, "segment transfer failed", err)
}

func wrapIoError(detail string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errs.Wrap(errs.KindIoFull, detail, err)
	}
	return errs.Wrap(errs.KindIoPermission, detail, err)
}
