package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/testutil"
)

func newTestTransport() *HTTPTransport {
	return NewHTTPTransport(&types.RuntimeConfig{}, 4)
}

func TestProbeViaHead(t *testing.T) {
	lastMod := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	srv := testutil.NewMockServer(
		testutil.WithFileSize(4096),
		testutil.WithETag("v1"),
		testutil.WithLastModified(lastMod),
		testutil.WithFilename("data.bin"),
	)
	defer srv.Close()

	probe, err := newTestTransport().Probe(context.Background(), srv.URL(), RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(4096), probe.ContentLength)
	assert.True(t, probe.AcceptsRanges)
	assert.Equal(t, "v1", probe.ETag)
	assert.True(t, lastMod.Equal(probe.LastModified))
	assert.Equal(t, "data.bin", probe.Filename)
	assert.Equal(t, int64(1), srv.HeadRequests.Load())
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(8192),
		testutil.WithRejectHead(true),
	)
	defer srv.Close()

	probe, err := newTestTransport().Probe(context.Background(), srv.URL(), RequestOptions{})
	require.NoError(t, err)

	// Content-Range on the 206 carries the full size
	assert.Equal(t, int64(8192), probe.ContentLength)
	assert.True(t, probe.AcceptsRanges)
	assert.GreaterOrEqual(t, srv.RangeRequests.Load(), int64(1))
}

func TestProbeNoRangeSupport(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(2048),
		testutil.WithRangeSupport(false),
		testutil.WithRejectHead(true),
	)
	defer srv.Close()

	probe, err := newTestTransport().Probe(context.Background(), srv.URL(), RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(2048), probe.ContentLength)
	assert.False(t, probe.AcceptsRanges)
}

func TestProbeFollowsRedirects(t *testing.T) {
	target := testutil.NewMockServer(testutil.WithFileSize(1000))
	defer target.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL(), http.StatusFound)
	}))
	defer hop.Close()

	probe, err := newTestTransport().Probe(context.Background(), hop.URL, RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, target.URL(), probe.ResolvedURL)
	assert.Equal(t, int64(1000), probe.ContentLength)
}

func TestProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestTransport().Probe(context.Background(), srv.URL, RequestOptions{})
	var serverErr *errdefs.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.Code)
}

func TestProbeSniffReadsHead(t *testing.T) {
	srv := testutil.NewMockServer(
		testutil.WithFileSize(4096),
		testutil.WithRejectHead(true),
		testutil.WithRandomData(true),
	)
	defer srv.Close()

	probe, err := newTestTransport().Probe(context.Background(), srv.URL(), RequestOptions{Sniff: true})
	require.NoError(t, err)

	require.NotEmpty(t, probe.SniffHead)
	assert.Equal(t, srv.Data()[:len(probe.SniffHead)], probe.SniffHead)
}
