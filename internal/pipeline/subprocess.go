package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eventum-io/eventum/internal/config"
)

// SubprocessError reports a fatal failure inside a child pipeline.
// Isolated by default; the required flag promotes it to
// fatal-for-parent.
type SubprocessError struct {
	Name string
	Err  error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess %s: %v", e.Name, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

type child struct {
	name     string
	required bool
	pipeline *Pipeline
}

// supervisor runs the configured subprocess pipelines alongside the
// parent. Each child is fully independent: own source, own render
// state, own sinks.
type supervisor struct {
	children []*child
	logger   *slog.Logger

	wg sync.WaitGroup

	mu    sync.Mutex
	fatal error
}

// buildSupervisor constructs every child pipeline up front so child
// configuration errors surface before the parent produces anything.
func buildSupervisor(cfg *config.Config, opts Options, logger *slog.Logger, depth int) (*supervisor, error) {
	s := &supervisor{logger: logger}
	for name, spec := range cfg.Event.Subprocesses {
		childCfg, err := config.Load(cfg.ResolvePath(spec.Config), opts.Secrets)
		if err != nil {
			return nil, &config.Error{
				Field: "event.subprocesses." + name,
				Msg:   err.Error(),
			}
		}
		childCfg.Name = cfg.Name + "/" + name

		childOpts := opts
		childOpts.Rand = nil // children draw from their own stream
		cp, err := newPipeline(childCfg, childOpts, depth+1)
		if err != nil {
			return nil, &config.Error{
				Field: "event.subprocesses." + name,
				Msg:   err.Error(),
			}
		}
		s.children = append(s.children, &child{
			name:     name,
			required: spec.Required,
			pipeline: cp,
		})
	}
	return s, nil
}

// start launches each child in its own goroutine. A required child's
// fatal error cancels the parent run; other failures are logged and
// isolated.
func (s *supervisor) start(ctx context.Context, cancelParent context.CancelFunc) {
	for _, c := range s.children {
		s.wg.Add(1)
		go func(c *child) {
			defer s.wg.Done()
			sum, err := c.pipeline.Run(ctx)
			if err != nil {
				serr := &SubprocessError{Name: c.name, Err: err}
				s.logger.Error("subprocess failed",
					"subprocess", c.name,
					"required", c.required,
					"error", err)
				if c.required {
					s.mu.Lock()
					s.fatal = errors.Join(s.fatal, serr)
					s.mu.Unlock()
					cancelParent()
				}
				return
			}
			s.logger.Info("subprocess completed",
				"subprocess", c.name,
				"signals", sum.Signals,
				"rendered", sum.Rendered,
				"partial", sum.Partial)
		}(c)
	}
}

// join waits for every child and reports any promoted fatal error.
func (s *supervisor) join() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}
