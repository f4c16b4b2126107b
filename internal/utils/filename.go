package utils

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

// FilenameFromHeaders extracts a filename candidate from response headers
// and the request URL, applying the usual heuristics in order:
// Content-Disposition, known query parameters, then the URL path.
// Returns an empty string when nothing usable is found.
func FilenameFromHeaders(rawurl string, header http.Header) string {
	var candidate string

	if _, name, err := httpheader.ContentDisposition(header); err == nil && name != "" {
		candidate = name
	}

	parsed, err := url.Parse(rawurl)
	if err != nil {
		return SanitizeFilename(candidate)
	}

	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}

	if candidate == "" {
		base := filepath.Base(parsed.Path)
		if base != "." && base != "/" {
			candidate = base
		}
	}

	return SanitizeFilename(candidate)
}

// ExtensionFromMagic sniffs the leading bytes of a file and returns the
// matched extension (without dot), or an empty string when unknown.
func ExtensionFromMagic(head []byte) string {
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return kind.Extension
	}
	return ""
}

// SanitizeFilename strips path separators and characters unsafe on
// common filesystems.
func SanitizeFilename(name string) string {
	// Replace backslashes with forward slashes first so filepath.Base treats them as separators
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." {
		return ""
	}
	if name == "/" {
		return "_"
	}
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, "*", "_")
	name = strings.ReplaceAll(name, "?", "_")
	name = strings.ReplaceAll(name, "\"", "_")
	name = strings.ReplaceAll(name, "<", "_")
	name = strings.ReplaceAll(name, ">", "_")
	name = strings.ReplaceAll(name, "|", "_")
	return name
}
