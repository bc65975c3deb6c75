// Package lock provides keyed in-process mutexes and the daemon's
// single-instance file lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits on them.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*refMutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.acquire(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		m.mu.Unlock()
		panic("lock: unlock of unlocked key " + strconv.Quote(key))
	}
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
	m.mu.Unlock()
	rm.Unlock()
}

// LockAll locks every distinct key in sorted order and returns the matching
// unlock. Callers locking overlapping key sets cannot deadlock each other.
func (m *MutexMap) LockAll(keys ...string) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, k := range sorted {
		m.Lock(k)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			m.Unlock(sorted[i])
		}
	}
}

// Do runs fn while holding key.
func (m *MutexMap) Do(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

// Len reports how many keys are currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func (m *MutexMap) acquire(key string) *refMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	return rm
}

// ErrLocked means another process holds the file lock.
var ErrLocked = errors.New("lock is held by another process")

// FileLock is an exclusive flock on a file that records the holder's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%s (another daemon may be running): %w", fl.path, ErrLocked)
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Unlock releases the lock and clears the recorded PID. The file itself
// stays so later lockers reuse it. Calling Unlock twice is safe.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	_ = f.Truncate(0)
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// HolderPID returns the PID recorded in the lock file at path when some
// process currently holds the lock, or 0 when it is free.
func HolderPID(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s holds no PID: %w", path, err)
	}
	return pid, nil
}
