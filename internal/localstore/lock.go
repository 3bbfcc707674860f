package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName       = "gradesync.lock"
	passLockFileName   = "gradesync.sync.lock"
	defaultLockTimeout = 2 * time.Second
	lockBackoffStart   = 5 * time.Millisecond
	lockBackoffMax     = 100 * time.Millisecond
)

// fileLock serialises writers across processes (the CLI and a running daemon
// share one database). The OS releases the lock if the holder crashes.
type fileLock struct {
	path string
	f    *os.File
}

func newFileLock(dir, name string) *fileLock {
	return &fileLock{path: filepath.Join(dir, name)}
}

// acquire blocks until the lock is held or timeout elapses, then fails
// with busy. A zero timeout tries once.
func (l *fileLock) acquire(timeout time.Duration, busy error) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.f = f

	deadline := time.Now().Add(timeout)
	backoff := lockBackoffStart
	for {
		if err := l.tryLock(); err == nil {
			l.recordHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.describeHolder()
			l.f.Close()
			l.f = nil
			return fmt.Errorf("%w after %v (holder: %s)", busy, timeout, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, lockBackoffMax)
	}
}

func (l *fileLock) release() {
	if l.f == nil {
		return
	}
	l.f.Truncate(0)
	l.unlock()
	l.f.Close()
	l.f = nil
}

func (l *fileLock) recordHolder() {
	l.f.Truncate(0)
	l.f.Seek(0, 0)
	fmt.Fprintf(l.f, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
}

// describeHolder reports who holds the lock, flagging dead holders.
func (l *fileLock) describeHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	var pid, since string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if v, ok := strings.CutPrefix(line, "pid:"); ok {
			pid = v
		} else if v, ok := strings.CutPrefix(line, "time:"); ok {
			since = v
		}
	}
	if pid == "" {
		return "unknown"
	}
	if n, err := strconv.Atoi(pid); err == nil && !processAlive(n) {
		return fmt.Sprintf("pid %s since %s, process gone", pid, since)
	}
	return fmt.Sprintf("pid %s since %s", pid, since)
}

// PassLock marks the one process allowed to run sync passes and to return
// interrupted entries to pending. Hold it for as long as passes may run.
type PassLock struct {
	lock *fileLock
}

// AcquirePassLock takes the pass lock, waiting up to timeout. It fails with
// ErrSyncBusy while another process (usually the daemon) holds it.
func (s *Store) AcquirePassLock(timeout time.Duration) (*PassLock, error) {
	l := newFileLock(s.dir, passLockFileName)
	if err := l.acquire(timeout, ErrSyncBusy); err != nil {
		return nil, err
	}
	return &PassLock{lock: l}, nil
}

// Release gives up the pass lock. Safe to call more than once.
func (p *PassLock) Release() {
	p.lock.release()
}
