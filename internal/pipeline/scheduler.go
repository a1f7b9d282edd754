package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task produces the text result of one node from the results of its
// dependencies, keyed by dependency name.
type Task func(ctx context.Context, inputs map[string]string) (string, error)

// StageError reports which node failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Scheduler dispatches each node as soon as all of its dependencies have
// completed. Nodes whose dependencies failed are never dispatched.
type Scheduler struct {
	graph *Graph
	limit int
}

// NewScheduler returns a scheduler running at most limit tasks at once. A
// limit of 1 runs the graph strictly sequentially in topological order; a
// limit <= 0 means unbounded.
func NewScheduler(graph *Graph, limit int) *Scheduler {
	return &Scheduler{graph: graph, limit: limit}
}

type outcome struct {
	name string
	text string
}

// Run executes every node of the graph. On the first failure the remaining
// tasks are cancelled and a *StageError is returned along with the results
// that had completed.
func (s *Scheduler) Run(ctx context.Context, tasks map[string]Task) (map[string]string, error) {
	for _, name := range s.graph.Names() {
		if tasks[name] == nil {
			return nil, fmt.Errorf("no task for stage %s", name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}

	// Buffered so a finishing task never blocks while the dispatcher itself
	// waits for a free slot in g.Go.
	done := make(chan outcome, len(s.graph.nodes))
	failed := make(chan struct{})
	results := make(map[string]string, len(s.graph.nodes))
	pending := make(map[string]int, len(s.graph.nodes))

	dispatch := func(name string) {
		inputs := make(map[string]string, len(s.graph.Deps(name)))
		for _, d := range s.graph.Deps(name) {
			inputs[d] = results[d]
		}
		task := tasks[name]
		g.Go(func() error {
			// with a concurrency limit the slot may free up only after a failure
			if gctx.Err() != nil {
				return nil
			}
			start := time.Now()
			slog.Debug("stage started", "stage", name)
			text, err := task(gctx, inputs)
			if err != nil {
				slog.Error("stage failed", "stage", name, "duration", time.Since(start), "error", err)
				return &StageError{Stage: name, Err: err}
			}
			slog.Info("stage completed", "stage", name, "duration", time.Since(start))
			done <- outcome{name: name, text: text}
			return nil
		})
	}

	for _, name := range s.graph.Order() {
		pending[name] = len(s.graph.Deps(name))
	}

	go func() {
		<-gctx.Done()
		close(failed)
	}()

	for _, name := range s.graph.Order() {
		if pending[name] == 0 {
			dispatch(name)
		}
	}

loop:
	for settled := 0; settled < len(s.graph.nodes); settled++ {
		select {
		case o := <-done:
			results[o.name] = o.text
			for _, dep := range s.graph.Dependents(o.name) {
				pending[dep]--
				if pending[dep] == 0 && gctx.Err() == nil {
					dispatch(dep)
				}
			}
		case <-failed:
			break loop
		}
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	// Drain completions that raced with a failure.
	for len(done) > 0 {
		o := <-done
		results[o.name] = o.text
	}
	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			err = &StageError{Stage: "pipeline", Err: err}
		}
		return maps.Clone(results), err
	}
	return results, nil
}
