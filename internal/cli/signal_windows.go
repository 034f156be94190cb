//go:build windows

package cli

import (
	"os"
)

// shutdownSignals are the OS signals that trigger a graceful drain.
// Windows has no SIGTERM; os.Interrupt covers Ctrl+C.
var shutdownSignals = []os.Signal{os.Interrupt}
