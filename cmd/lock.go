package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/lovinmaxwell/nexus/internal/config"
)

// instanceLock guards against two daemons sharing one database and port
// file. Held for the whole process lifetime of the master instance.
var instanceLock *flock.Flock

// AcquireLock tries to become the master instance. It returns true when
// this process now holds the lock, false when another nexus already does.
// The holder's PID is written next to the lock so a wedged instance can
// be identified by hand; the flock itself, not the PID file, is what
// arbitrates.
func AcquireLock() (bool, error) {
	if err := config.EnsureDirs(); err != nil {
		return false, fmt.Errorf("failed to ensure config dirs: %w", err)
	}

	fl := flock.New(filepath.Join(config.GetNexusDir(), "daemon.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		return false, nil
	}

	instanceLock = fl
	// Advisory only; the flock arbitrates
	pidPath := filepath.Join(config.GetNexusDir(), "daemon.pid")
	_ = os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
	return true, nil
}

// ReleaseLock drops the master lock and its PID marker. Safe to call
// when the lock was never acquired.
func ReleaseLock() error {
	if instanceLock == nil {
		return nil
	}
	os.Remove(filepath.Join(config.GetNexusDir(), "daemon.pid"))
	err := instanceLock.Unlock()
	instanceLock = nil
	return err
}
