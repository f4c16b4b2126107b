package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// ProbeResult contains all metadata from a server probe.
type ProbeResult struct {
	ContentLength int64 // 0 = unknown
	AcceptsRanges bool
	ETag          string
	LastModified  time.Time
	ResolvedURL   string // Final URL after redirects
	Filename      string
	ContentType   string
	SniffHead     []byte // Leading body bytes when sniffing was requested
}

const sniffSize = 512

// Probe fetches resource metadata. It tries HEAD first; origins that
// reject HEAD (403/405) get a ranged GET for bytes=0-0 instead, with the
// total parsed out of Content-Range. Redirects are followed and the final
// URL cached for the range calls that follow.
func (t *HTTPTransport) Probe(ctx context.Context, rawurl string, opt RequestOptions) (*ProbeResult, error) {
	utils.Debug("Probing server: %s", rawurl)

	var resp *http.Response
	var err error

	// Sniffing needs body bytes, which HEAD cannot deliver
	if !opt.Sniff {
		resp, err = t.probeRequest(ctx, rawurl, http.MethodHead, opt, false)
		if err == nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusMethodNotAllowed) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
		}
	}
	if resp == nil || err != nil {
		resp, err = t.probeRequest(ctx, rawurl, http.MethodGet, opt, true)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	utils.Debug("Probe response status: %d", resp.StatusCode)

	result := &ProbeResult{
		ResolvedURL: rawurl,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		result.ResolvedURL = resp.Request.URL.String()
	}

	switch resp.StatusCode {
	case http.StatusPartialContent: // 206
		result.AcceptsRanges = true
		// Content-Range: bytes 0-0/TOTAL (or /* when the total is unknown)
		contentRange := resp.Header.Get("Content-Range")
		if idx := strings.LastIndex(contentRange, "/"); idx != -1 {
			sizeStr := contentRange[idx+1:]
			if sizeStr != "*" {
				result.ContentLength, _ = strconv.ParseInt(sizeStr, 10, 64)
			}
		}

	case http.StatusOK: // 200 - HEAD succeeded, or the server ignores Range
		result.AcceptsRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			result.ContentLength, _ = strconv.ParseInt(cl, 10, 64)
		}

	case http.StatusServiceUnavailable:
		return nil, errdefs.ErrServiceUnavailable

	default:
		return nil, &errdefs.ServerError{Code: resp.StatusCode}
	}

	result.ETag = strings.Trim(resp.Header.Get("ETag"), `"`)
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if tm, err := http.ParseTime(lm); err == nil {
			result.LastModified = tm
		}
	}
	result.ContentType = resp.Header.Get("Content-Type")
	result.Filename = utils.FilenameFromHeaders(result.ResolvedURL, resp.Header)

	if opt.Sniff && resp.Request != nil && resp.Request.Method == http.MethodGet {
		head := make([]byte, sniffSize)
		n, _ := io.ReadFull(resp.Body, head)
		result.SniffHead = head[:n]
	}

	utils.Debug("Probe complete - url: %s, size: %d, ranges: %v, etag: %q",
		result.ResolvedURL, result.ContentLength, result.AcceptsRanges, result.ETag)

	return result, nil
}

// probeRequest issues one probe with retries for transient transport errors.
func (t *HTTPTransport) probeRequest(ctx context.Context, rawurl, method string, opt RequestOptions, ranged bool) (*http.Response, error) {
	var resp *http.Response
	var err error

	for i := 0; i < 3; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(1 * time.Second):
			}
			utils.Debug("Retrying probe... attempt %d", i+1)
		}

		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, method, rawurl, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidURL, err)
		}

		t.setHeaders(req, rawurl, opt)
		if ranged {
			end := int64(0)
			if opt.Sniff {
				end = sniffSize - 1
			}
			req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", end))
		}

		resp, err = t.probeClient.Do(req)
		if err == nil {
			return resp, nil
		}
	}

	return nil, fmt.Errorf("%w: probe failed after retries: %v", errdefs.ErrConnectionFailed, err)
}
