package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// UniqueFilePath returns a path that collides with neither an existing
// file nor an in-progress one (path + incompleteSuffix), appending (1),
// (2), ... before the extension when needed.
func UniqueFilePath(path string, incompleteSuffix string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := os.Stat(path + incompleteSuffix); os.IsNotExist(err) {
			return path
		}
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	// Continue an existing counter like "file(1)" instead of nesting parens
	base := name
	counter := 1

	if len(name) > 3 && name[len(name)-1] == ')' {
		if openParen := strings.LastIndexByte(name, '('); openParen != -1 {
			numStr := name[openParen+1 : len(name)-1]
			if num, err := strconv.Atoi(numStr); err == nil && num > 0 {
				base = name[:openParen]
				counter = num + 1
			}
		}
	}

	for i := 0; i < 100; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s(%d)%s", base, counter+i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if _, err := os.Stat(candidate + incompleteSuffix); os.IsNotExist(err) {
				return candidate
			}
		}
	}

	return path
}
