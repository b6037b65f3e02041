package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"xforge/pkg/telemetry"
)

// Runner executes one task graph. Independent tasks run concurrently up to
// Workers; dependent tasks block on their predecessors. The first failing
// task aborts the whole run.
type Runner struct {
	// Workers bounds concurrent task execution. Zero means one worker per
	// CPU.
	Workers int

	// Output receives one progress line per task. Nil discards progress.
	Output io.Writer
}

// Run validates the graph, then executes it. Cycle detection happens before
// any external command is started. On success it returns every declared
// output as an Artifact.
func (r *Runner) Run(ctx context.Context, tasks []Task) ([]Artifact, error) {
	g, err := buildGraph(tasks)
	if err != nil {
		return nil, err
	}

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := r.Output
	if out == nil {
		out = io.Discard
	}

	done := make([]chan struct{}, len(tasks))
	for i := range done {
		done[i] = make(chan struct{})
	}
	sem := make(chan struct{}, workers)
	progress := &progressPrinter{out: out, total: len(tasks)}

	eg, ctx := errgroup.WithContext(ctx)
	for i := range tasks {
		i := i
		eg.Go(func() error {
			for _, d := range g.deps[i] {
				select {
				case <-done[d]:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-sem }()

			if err := r.runTask(ctx, &tasks[i], progress); err != nil {
				return err
			}
			close(done[i])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, t := range tasks {
		for _, out := range t.Outputs {
			artifacts = append(artifacts, Artifact{Path: out, Task: t.Name})
		}
	}
	return artifacts, nil
}

func (r *Runner) runTask(ctx context.Context, t *Task, progress *progressPrinter) error {
	ctx, span := telemetry.Tracer().Start(ctx, "task "+t.Name)
	defer span.End()

	if upToDate(t) {
		telemetry.TasksSkipped.Inc()
		progress.skipped(t.Name)
		return nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, t.Argv[0], t.Argv[1:]...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		telemetry.TasksFailed.Inc()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			taskErr := &TaskError{Task: t.Name, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
			span.RecordError(taskErr)
			return taskErr
		}
		return fmt.Errorf("task %q: %w", t.Name, err)
	}

	telemetry.TasksExecuted.Inc()
	progress.finished(t.Name, time.Since(start))
	return nil
}

// upToDate reports whether a task can be skipped: every declared output
// exists and the oldest output is not older than the newest input. Staleness
// is mtime-based; a task with no declared outputs always runs.
func upToDate(t *Task) bool {
	if len(t.Outputs) == 0 {
		return false
	}
	var oldestOut time.Time
	for i, out := range t.Outputs {
		info, err := os.Stat(out)
		if err != nil {
			return false
		}
		if i == 0 || info.ModTime().Before(oldestOut) {
			oldestOut = info.ModTime()
		}
	}
	for _, in := range t.Inputs {
		info, err := os.Stat(in)
		if err != nil {
			return false
		}
		if info.ModTime().After(oldestOut) {
			return false
		}
	}
	return true
}

// progressPrinter serializes progress lines and numbers them in completion
// order.
type progressPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	total int
	count int
}

var (
	progressPrefix = color.New(color.FgGreen, color.Bold)
	skippedTag     = color.New(color.FgYellow)
	durationTag    = color.New(color.Faint)
)

func (p *progressPrinter) skipped(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	fmt.Fprintf(p.out, "%s %s %s\n",
		progressPrefix.Sprintf("[%d/%d]", p.count, p.total), name, skippedTag.Sprint("[SKIPPED]"))
}

func (p *progressPrinter) finished(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	fmt.Fprintf(p.out, "%s %s %s\n",
		progressPrefix.Sprintf("[%d/%d]", p.count, p.total), name,
		durationTag.Sprintf("[%dms]", d.Milliseconds()))
}
