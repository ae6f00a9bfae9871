package fps

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	jaeger "github.com/sdss/jaeger"
)

// Lockfile is the exclusive OS-level lock that guarantees a single
// controller instance per FPS.
type Lockfile struct {
	path string
	file *os.File
}

// AcquireLockfile takes an exclusive flock on path, creating it if
// needed. Returns jaeger.ErrAlreadyRunning when another process holds it.
func AcquireLockfile(path string) (*Lockfile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, jaeger.ErrAlreadyRunning
		}
		return nil, err
	}

	file.Truncate(0)
	fmt.Fprintf(file, "%d\n", os.Getpid())

	return &Lockfile{path: path, file: file}, nil
}

// Release drops the lock and removes the file. Safe to call twice.
func (l *Lockfile) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(l.path)
	return nil
}
