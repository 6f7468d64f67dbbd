//go:build windows

package cmd

import "os"

var foregroundSignals []os.Signal
