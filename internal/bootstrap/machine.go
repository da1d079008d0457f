// Package bootstrap brings an environment container to a serving state. It
// runs on every container start as an ordered list of steps, each with a
// predicate that inspects real state so a restart or a crash mid-sequence
// resumes without repeating completed work.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Exit codes reported by the bootstrap binary.
const (
	ExitConfig     = 2
	ExitDependency = 3
	ExitInstall    = 4
	ExitFilesystem = 5
	ExitService    = 6
)

// Step is one stage of the sequence. Done may be nil for steps that always run.
type Step struct {
	Name     string
	ExitCode int
	Done     func(ctx context.Context) (bool, error)
	Run      func(ctx context.Context) error
}

// ExitError carries the process exit code for a failed step.
type ExitError struct {
	Code int
	Step string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Step == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// StepStatus is the inspected state of one step.
type StepStatus struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Machine runs steps in order.
type Machine struct {
	steps  []Step
	logger *slog.Logger
}

// NewMachine constructs a machine over steps.
func NewMachine(logger *slog.Logger, steps ...Step) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{steps: steps, logger: logger.With("component", "bootstrap")}
}

// Steps returns the step names in execution order.
func (m *Machine) Steps() []string {
	names := make([]string, 0, len(m.steps))
	for _, s := range m.steps {
		names = append(names, s.Name)
	}
	return names
}

// Inspect evaluates every Done predicate without running anything.
func (m *Machine) Inspect(ctx context.Context) ([]StepStatus, error) {
	out := make([]StepStatus, 0, len(m.steps))
	for _, s := range m.steps {
		done, err := s.done(ctx)
		if err != nil {
			return nil, &ExitError{Code: s.ExitCode, Step: s.Name, Err: err}
		}
		out = append(out, StepStatus{Name: s.Name, Done: done})
	}
	return out, nil
}

// Run executes every step whose predicate reports unfinished work. The
// final step normally replaces the process and never returns.
func (m *Machine) Run(ctx context.Context) error {
	for _, s := range m.steps {
		logger := m.logger.With("step", s.Name)
		done, err := s.done(ctx)
		if err != nil {
			return &ExitError{Code: s.ExitCode, Step: s.Name, Err: err}
		}
		if done {
			logger.Info("step already complete")
			continue
		}
		logger.Info("step running")
		if err := s.Run(ctx); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				if exitErr.Step == "" {
					exitErr.Step = s.Name
				}
				return exitErr
			}
			return &ExitError{Code: s.ExitCode, Step: s.Name, Err: err}
		}
		logger.Info("step complete")
	}
	return nil
}

func (s Step) done(ctx context.Context) (bool, error) {
	if s.Done == nil {
		return false, nil
	}
	return s.Done(ctx)
}
