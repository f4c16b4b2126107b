// Package ingress normalizes external download requests into tasks. The
// sources themselves (browser bridges, crawlers, clipboard watchers) are
// not its business; it only consumes their pre-resolved records.
package ingress

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// Request is a pre-resolved download request.
type Request struct {
	URL                  string         `json:"url"`
	DestinationFolder    string         `json:"destination_folder"`
	SuggestedFilename    string         `json:"suggested_filename,omitempty"`
	Cookies              []types.Cookie `json:"cookies,omitempty"`
	Referer              string         `json:"referer,omitempty"`
	UserAgent            string         `json:"user_agent,omitempty"`
	PreferredConnections int            `json:"preferred_connections,omitempty"` // 1..32, default 8
	QueueID              string         `json:"queue_id,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	StartPaused          bool           `json:"start_paused,omitempty"`
	RequireExtension     bool           `json:"require_extension,omitempty"`
	PreKnownContentType  string         `json:"pre_known_content_type,omitempty"`
	PreKnownLength       int64          `json:"pre_known_length,omitempty"`
}

// Adapter turns Requests into Tasks.
type Adapter struct {
	defaultFolder string
}

// NewAdapter creates an adapter falling back to defaultFolder when a
// request names no destination.
func NewAdapter(defaultFolder string) *Adapter {
	return &Adapter{defaultFolder: defaultFolder}
}

// Normalize validates the request and builds a pending (or paused) task.
// Pre-known values are hints; the coordinator's probe overrides them.
func (a *Adapter) Normalize(req Request) (*types.Task, error) {
	parsed, err := ValidateURL(req.URL)
	if err != nil {
		return nil, err
	}

	folder := req.DestinationFolder
	if folder == "" {
		folder = a.defaultFolder
	}
	if folder == "" {
		return nil, fmt.Errorf("%w: destination folder is required", errdefs.ErrInvalidURL)
	}

	filename := utils.SanitizeFilename(req.SuggestedFilename)

	connections := req.PreferredConnections
	if connections <= 0 {
		connections = 8
	}
	if connections > types.MaxConnections {
		connections = types.MaxConnections
	}

	status := types.StatusPending
	if req.StartPaused {
		status = types.StatusPaused
	}

	task := &types.Task{
		ID:          uuid.New().String(),
		URL:         parsed.String(),
		DestFolder:  folder,
		Filename:    filename,
		TotalSize:   req.PreKnownLength,
		Status:      status,
		Cookies:     req.Cookies,
		Referer:     req.Referer,
		UserAgent:   req.UserAgent,
		ContentType: req.PreKnownContentType,
		Priority:    req.Priority,
		QueueID:     req.QueueID,
		Connections: connections,
		StartPaused: req.StartPaused,
		RequireExt:  req.RequireExtension,
		CreatedAt:   time.Now(),
	}
	return task, nil
}

// ValidateURL rejects anything but absolute http(s) URLs. Transports for
// other schemes would hook in here.
func ValidateURL(rawurl string) (*url.URL, error) {
	rawurl = strings.TrimSpace(rawurl)
	if rawurl == "" {
		return nil, fmt.Errorf("%w: empty", errdefs.ErrInvalidURL)
	}

	parsed, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidURL, err)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errdefs.ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", errdefs.ErrInvalidURL)
	}
	return parsed, nil
}

// ParseCookieHeader splits a Cookie header value into pairs.
func ParseCookieHeader(header string) []types.Cookie {
	var cookies []types.Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found || name == "" {
			continue
		}
		cookies = append(cookies, types.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return cookies
}
