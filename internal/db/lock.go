package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const lockFileName = "ledger.lock"

// Writer lock tuning. Polling is cheap; most waits last a few
// milliseconds while another divvy process commits.
const (
	lockTimeout = 500 * time.Millisecond
	lockPollMin = 5 * time.Millisecond
	lockPollMax = 50 * time.Millisecond
)

// ledgerLock is the cross-process writer lock. It rides an OS file lock,
// so the kernel drops it when the holder exits and a crashed writer never
// wedges the ledger.
type ledgerLock struct {
	path string
	file *os.File
}

// acquireLedgerLock takes the exclusive writer lock under baseDir,
// polling with backoff until timeout. On timeout the error names the
// current holder.
func acquireLedgerLock(baseDir string, timeout time.Duration) (*ledgerLock, error) {
	lk := &ledgerLock{path: filepath.Join(baseDir, ".divvy", lockFileName)}

	f, err := os.OpenFile(lk.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	lk.file = f

	deadline := time.Now().Add(timeout)
	wait := lockPollMin
	for {
		if err := lockFile(f); err == nil {
			lk.stampHolder()
			return lk, nil
		}
		if time.Now().After(deadline) {
			holder := describeHolder(lk.path)
			f.Close()
			return nil, fmt.Errorf("ledger is write-locked by %s; timeout after %v", holder, timeout)
		}
		time.Sleep(wait)
		if wait *= 2; wait > lockPollMax {
			wait = lockPollMax
		}
	}
}

// release drops the lock. Calling it twice is harmless.
func (lk *ledgerLock) release() error {
	if lk.file == nil {
		return nil
	}
	lk.file.Truncate(0)
	unlockFile(lk.file)
	err := lk.file.Close()
	lk.file = nil
	return err
}

// stampHolder records who holds the lock, feeding the timeout diagnostic
// of whoever waits behind us.
func (lk *ledgerLock) stampHolder() {
	lk.file.Truncate(0)
	lk.file.Seek(0, 0)
	fmt.Fprintf(lk.file, "pid %d at %s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	lk.file.Sync()
}

// describeHolder renders the holder stamp of the lock file at path,
// noting when the recorded process is no longer running.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "an unknown process"
	}
	stamp := strings.TrimSpace(string(data))
	rest, ok := strings.CutPrefix(stamp, "pid ")
	if !ok {
		return "an unknown process"
	}
	pidStr, _, _ := strings.Cut(rest, " ")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return "an unknown process"
	}
	if !processAlive(pid) {
		return stamp + " (no longer running)"
	}
	return stamp
}
