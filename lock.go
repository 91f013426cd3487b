//go:build !windows

package opensync

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/b-open-io/opensync/model"
)

// GroupLock is the single exclusive file lock in a group's config
// directory (spec §4.7). Adapted directly from the teacher's
// daemon/lock.go flock wrapper, extended to distinguish three outcomes
// instead of two: a clean acquire, a stale lock left by a process that
// died without releasing (PrevUnclean: true, acquired anyway), and a
// lock actively held by a live process (LOCKED, fatal for the round).
type GroupLock struct {
	path string
	file *os.File
}

func NewGroupLock(path string) *GroupLock {
	return &GroupLock{path: path}
}

// AcquireResult reports whether the lock file already existed when
// Acquire ran -- its presence alone isn't disqualifying, only an
// exclusive hold by a live process is.
type AcquireResult struct {
	PrevUnclean bool   // file existed but flock succeeded: stale lock from a dead process
	PrevPID     string // pid recorded in the stale lock file, if any
}

// Acquire takes the exclusive lock or fails with KindLocked if another
// live process holds it.
func (l *GroupLock) Acquire() (AcquireResult, error) {
	_, statErr := os.Stat(l.path)
	existed := statErr == nil

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return AcquireResult{}, model.Wrap(model.KindIO, "lock: open lock file", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			pid, _ := os.ReadFile(l.path)
			file.Close()
			return AcquireResult{}, model.NewError(model.KindLocked,
				fmt.Sprintf("lock held by process %s", string(pid)))
		}
		file.Close()
		return AcquireResult{}, model.Wrap(model.KindIO, "lock: flock", err)
	}

	var prevPID string
	if existed {
		if data, err := os.ReadFile(l.path); err == nil {
			prevPID = string(data)
		}
	}

	if err := file.Truncate(0); err != nil {
		file.Close()
		return AcquireResult{}, model.Wrap(model.KindIO, "lock: truncate", err)
	}
	if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		file.Close()
		return AcquireResult{}, model.Wrap(model.KindIO, "lock: write pid", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return AcquireResult{}, model.Wrap(model.KindIO, "lock: sync", err)
	}

	l.file = file
	return AcquireResult{PrevUnclean: existed, PrevPID: prevPID}, nil
}

// Release is idempotent and safe to call on every exit path: success,
// error, or a recovered panic (spec invariant 5).
func (l *GroupLock) Release() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	if err != nil {
		return model.Wrap(model.KindIO, "lock: close", err)
	}
	return nil
}
