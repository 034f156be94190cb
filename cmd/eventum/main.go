package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/eventum-io/eventum/internal/cli"
)

const usage = `eventum - synthetic event generation engine

Usage:
  eventum <command> [arguments]

Commands:
  run <config-path>       Run a pipeline to completion (or until interrupted)
  validate <config-path>  Check configuration and templates without running
  version                 Print build information

Run 'eventum <command> -h' for help on a specific command.`

const (
	exitFatal   = 1
	exitPartial = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, cli.ErrPartialFailure) {
			os.Exit(exitPartial)
		}
		os.Exit(exitFatal)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "run":
		return cli.RunRun(os.Args[2:])
	case "validate":
		return cli.RunValidate(os.Args[2:])
	case "version":
		return cli.RunVersion(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'eventum help' for usage", os.Args[1])
	}
}
