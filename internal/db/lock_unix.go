//go:build unix

package db

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func processAlive(pid int) bool {
	// signal 0 only checks that the pid exists
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
