package cli

import (
	"fmt"
	"runtime"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// RunVersion prints the build identity.
func RunVersion(args []string) error {
	fmt.Printf("eventum %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
