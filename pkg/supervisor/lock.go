package supervisor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// activeLock wraps an exclusive, non-blocking flock on the AFD_ACTIVE-style
// file, so only one supervisor can be running against a given data dir at
// a time. The file also carries the supervisor's own pid for `relayctl`-style
// inspection.
type activeLock struct {
	path string
	file *os.File
}

// acquireLock opens (creating if needed) and exclusively locks path,
// refusing to start a second supervisor over the same data directory.
func acquireLock(path string) (*activeLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open active file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock active file: %w (another supervisor running?)", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}
	return &activeLock{path: path, file: f}, nil
}

// release unlocks and unlinks the active file, the final step of the C8
// shutdown ordering.
func (l *activeLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)
}
