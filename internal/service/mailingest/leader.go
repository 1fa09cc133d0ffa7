package mailingest

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// FileLock is a flock-based exclusive lock. Only one watcher per host
// may poll the shared mailbox; the kernel releases the lock if the
// holder dies.
type FileLock struct {
	path string
	f    *os.File
}

// AcquireFileLock takes the lock or fails with ErrConflict when another
// process holds it.
func AcquireFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("op=mail.lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("op=mail.lock: %w: another watcher holds %s", domain.ErrConflict, path)
		}
		return nil, fmt.Errorf("op=mail.lock: %w", err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Release drops the lock.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("op=mail.unlock: %w", err)
	}
	err := l.f.Close()
	l.f = nil
	return err
}
