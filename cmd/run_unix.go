//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

var foregroundSignals = []os.Signal{syscall.SIGUSR1}
