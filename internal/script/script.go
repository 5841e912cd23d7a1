// Package script runs the operator-configured master/backup transition
// shell commands (spec.md §4.6.1 / §9 "scriptrunner"). Every run is
// fire-and-forget: it must never block the caller, since the caller is
// always the single event-loop goroutine.
package script

import (
	"os"
	"os/exec"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Runner executes transition commands on their own goroutine, logging
// non-zero exits and spawn failures but never returning an error to the
// loop.
type Runner struct {
	logger log.Logger
}

// New constructs a Runner.
func New(logger log.Logger) *Runner {
	return &Runner{logger: log.With(logger, "component", "script-runner")}
}

// Run spawns command through the shell with env appended to the child's
// environment, and logs the outcome once it exits. It returns
// immediately; it never runs on, or blocks, the event loop goroutine.
func (r *Runner) Run(command string, env map[string]string) {
	go func() {
		cmd := exec.Command("/bin/sh", "-c", command)
		cmd.Env = append(cmd.Env, os.Environ()...)
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			level.Warn(r.logger).Log("msg", "transition command failed", "command", command, "err", err, "output", string(out))
			return
		}
		level.Debug(r.logger).Log("msg", "transition command completed", "command", command)
	}()
}
