// Package probe performs the single metadata exchange that decides how
// a download is planned: total size, range support, and the strongest
// validator the origin offers.
package probe

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/httpx"
)

// Descriptor captures the immutable facts learned from the origin.
// Size is -1 when the origin does not declare a length.
type Descriptor struct {
	Size         int64
	AcceptRanges bool
	ETag         string
	LastModified string
	ContentType  string
}

// Validator returns the strongest validator present, ETag preferred.
func (d *Descriptor) Validator() (etag, lastModified string) {
	if d.ETag != "" {
		return d.ETag, ""
	}
	return "", d.LastModified
}

// Do probes url with a HEAD request, falling back to a one-byte ranged
// GET when the origin disallows HEAD or omits the length. It is
// idempotent and writes nothing to disk.
func Do(ctx context.Context, client *httpx.Client, url string) (*Descriptor, error) {
	logger := log.With().Str("component", "probe").Logger()

	desc, err := headProbe(ctx, client, url)
	if err == nil && desc.Size >= 0 {
		logger.Debug().Int64("size", desc.Size).Bool("acceptRanges", desc.AcceptRanges).Msg("HEAD probe succeeded")
		return desc, nil
	}
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) && e.Kind != errs.KindUnsupported {
			return nil, err
		}
	}

	logger.Debug().Str("url", url).Msg("Falling back to ranged GET probe")
	desc, err = rangeProbe(ctx, client, url)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int64("size", desc.Size).Bool("acceptRanges", desc.AcceptRanges).Msg("Range probe succeeded")
	return desc, nil
}

func headProbe(ctx context.Context, client *httpx.Client, url string) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupported, "building HEAD request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	desc := descriptorFromHeaders(resp)
	if resp.ContentLength >= 0 {
		desc.Size = resp.ContentLength
	}
	return desc, nil
}

func rangeProbe(ctx context.Context, client *httpx.Client, url string) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupported, "building GET request", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	desc := descriptorFromHeaders(resp)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		desc.AcceptRanges = true
		total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		desc.Size = total
	case http.StatusOK:
		// Origin ignored the range; a declared length still lets the
		// planner fall back to a single segment.
		desc.AcceptRanges = false
		if resp.ContentLength >= 0 {
			desc.Size = resp.ContentLength
		}
	default:
		return nil, errs.Newf(errs.KindUnsupported, "unexpected probe status %d", resp.StatusCode)
	}
	if desc.Size < 0 && !desc.AcceptRanges {
		return nil, errs.New(errs.KindUnsupported, "origin reports neither size nor range support")
	}
	return desc, nil
}

func descriptorFromHeaders(resp *http.Response) *Descriptor {
	return &Descriptor{
		Size:         -1,
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}
}

// parseContentRange extracts the total from "bytes 0-0/12345".
func parseContentRange(value string) (int64, error) {
	if value == "" {
		return -1, errs.New(errs.KindUnsupported, "missing Content-Range header")
	}
	idx := strings.LastIndex(value, "/")
	if idx < 0 {
		return -1, errs.Newf(errs.KindUnsupported, "malformed Content-Range %q", value)
	}
	totalPart := value[idx+1:]
	if totalPart == "*" {
		return -1, nil
	}
	total, err := strconv.ParseInt(totalPart, 10, 64)
	if err != nil {
		return -1, errs.Newf(errs.KindUnsupported, "malformed Content-Range %q", value)
	}
	return total, nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusProxyAuthRequired:
		return errs.Newf(errs.KindAuthRequired, "origin returned %d", code)
	case code == http.StatusForbidden:
		return errs.Newf(errs.KindForbidden, "origin returned %d", code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errs.Newf(errs.KindNotFound, "origin returned %d", code)
	case code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented:
		return errs.Newf(errs.KindUnsupported, "origin returned %d", code)
	case code >= 500:
		return errs.Newf(errs.KindUnreachable, "origin returned %d", code)
	case code >= 400:
		return errs.Newf(errs.KindUnsupported, "origin returned %d", code)
	}
	return nil
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindCancelled, "probe cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, "probe timed out", err)
	}
	var certErr *x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return errs.Wrap(errs.KindTlsFailure, "TLS validation failed", err)
	}
	return errs.Wrap(errs.KindUnreachable, "request failed", err)
}
