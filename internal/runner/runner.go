// Package runner invokes the external disk-management utilities. Command
// echoing is an explicit option on the runner, not process-global state,
// so every component that shells out receives its verbosity from its
// caller.
package runner

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Runner executes an external command and returns its combined output.
// Implementations must surface the output even when the command fails so
// callers can include it verbatim in fault messages.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
	RunInput(input string, name string, args ...string) ([]byte, error)
}

// Exec runs commands on the host.
type Exec struct {
	// Echo prints each command line before running it.
	Echo bool

	// Out receives echoed command lines; defaults to os.Stdout.
	Out io.Writer
}

func (e *Exec) Run(name string, args ...string) ([]byte, error) {
	return e.RunInput("", name, args...)
}

func (e *Exec) RunInput(input string, name string, args ...string) ([]byte, error) {
	e.echo(name, args)

	cmd := exec.Command(name, args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w", CommandLine(name, args...), err)
	}
	return output, nil
}

func (e *Exec) echo(name string, args []string) {
	if !e.Echo {
		return
	}
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "+ %s\n", CommandLine(name, args...))
}

// CommandLine renders a command and its arguments as a copy-pastable
// shell line.
func CommandLine(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}
