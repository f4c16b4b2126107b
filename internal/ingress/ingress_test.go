package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
)

func TestNormalizeDefaults(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{URL: "https://example.com/file.zip"})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "https://example.com/file.zip", task.URL)
	assert.Equal(t, "/downloads", task.DestFolder)
	assert.Equal(t, types.StatusPending, task.Status)
	assert.Equal(t, 8, task.Connections)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestNormalizeStartPaused(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{URL: "https://example.com/f", StartPaused: true})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, task.Status)
	assert.True(t, task.StartPaused)
}

func TestNormalizeClampsConnections(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{URL: "https://example.com/f", PreferredConnections: 99})
	require.NoError(t, err)
	assert.Equal(t, types.MaxConnections, task.Connections)
}

func TestNormalizeSanitizesSuggestedFilename(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{URL: "https://example.com/f", SuggestedFilename: "../../evil.sh"})
	require.NoError(t, err)
	assert.Equal(t, "evil.sh", task.Filename)
}

func TestNormalizePreKnownHints(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{
		URL:                 "https://example.com/f",
		PreKnownLength:      12345,
		PreKnownContentType: "video/mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), task.TotalSize)
	assert.Equal(t, "video/mp4", task.ContentType)
}

func TestNormalizeCarriesRequireExtension(t *testing.T) {
	a := NewAdapter("/downloads")

	task, err := a.Normalize(Request{URL: "https://example.com/f", RequireExtension: true})
	require.NoError(t, err)
	assert.True(t, task.RequireExt)

	task, err = a.Normalize(Request{URL: "https://example.com/f"})
	require.NoError(t, err)
	assert.False(t, task.RequireExt)
}

func TestNormalizeRequiresDestination(t *testing.T) {
	a := NewAdapter("")
	_, err := a.Normalize(Request{URL: "https://example.com/f"})
	require.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://example.com/file",
		"http://example.com:8080/a/b?c=d",
	}
	for _, u := range valid {
		_, err := ValidateURL(u)
		assert.NoError(t, err, u)
	}

	invalid := []string{
		"",
		"ftp://example.com/file",
		"not a url",
		"file:///etc/passwd",
		"https://",
	}
	for _, u := range invalid {
		_, err := ValidateURL(u)
		assert.ErrorIs(t, err, errdefs.ErrInvalidURL, u)
	}
}

func TestParseCookieHeader(t *testing.T) {
	cookies := ParseCookieHeader("session=abc; theme=dark ;bad;=x")
	assert.Equal(t, []types.Cookie{
		{Name: "session", Value: "abc"},
		{Name: "theme", Value: "dark"},
	}, cookies)
}
