package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	debugFile *os.File
	debugOnce sync.Once
	debugDir  string
	debugMu   sync.Mutex
)

// SetDebugDir sets the directory the debug log is created in.
// Must be called before the first Debug call to take effect.
func SetDebugDir(dir string) {
	debugMu.Lock()
	debugDir = dir
	debugMu.Unlock()
}

// Debug writes a timestamped message to the debug.log file
func Debug(format string, args ...any) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	debugOnce.Do(func() {
		debugMu.Lock()
		dir := debugDir
		debugMu.Unlock()
		path := "debug.log"
		if dir != "" {
			path = filepath.Join(dir, "debug.log")
		}
		debugFile, _ = os.Create(path)
	})
	if debugFile != nil {
		debugMu.Lock()
		fmt.Fprintf(debugFile, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
		debugFile.Sync()
		debugMu.Unlock()
	}
}
