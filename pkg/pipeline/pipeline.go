// Package pipeline schedules and runs a build's task graph. Tasks declare
// the files they read and produce; the graph orders them by those
// declarations, runs independent tasks concurrently, and skips tasks whose
// outputs are already up to date.
package pipeline

import (
	"fmt"
	"strings"
)

// Task is one node of the build graph: an external toolchain invocation
// with its declared input and output paths. A path listed in Inputs that
// another task lists in Outputs creates an ordering edge between the two.
type Task struct {
	Name    string
	Inputs  []string
	Outputs []string
	Argv    []string
	Dir     string
	Env     []string
}

// Artifact is a file produced by a run, with its producing task recorded
// for diagnostics.
type Artifact struct {
	Path string
	Task string
}

// CycleError reports a dependency cycle in the task graph. Tasks holds the
// members in cycle order.
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	path := strings.Join(e.Tasks, " -> ")
	if len(e.Tasks) > 0 {
		path += " -> " + e.Tasks[0]
	}
	return "dependency cycle: " + path
}

// TaskError reports an external command that exited non-zero. Stderr holds
// the command's captured standard error.
type TaskError struct {
	Task     string
	ExitCode int
	Stderr   string
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %q failed with exit code %d", e.Task, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}
