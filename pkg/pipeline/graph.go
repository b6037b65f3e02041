package pipeline

import "fmt"

// graph holds the dependency edges derived from the tasks' declared inputs
// and outputs. deps[i] lists the indices task i must wait for.
type graph struct {
	tasks []Task
	deps  [][]int
}

func buildGraph(tasks []Task) (*graph, error) {
	names := make(map[string]struct{}, len(tasks))
	producer := make(map[string]int)
	for i, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i)
		}
		if _, dup := names[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		names[t.Name] = struct{}{}
		if len(t.Argv) == 0 {
			return nil, fmt.Errorf("task %q has no command", t.Name)
		}
		for _, out := range t.Outputs {
			if prev, dup := producer[out]; dup {
				return nil, fmt.Errorf("output %q declared by both %q and %q", out, tasks[prev].Name, t.Name)
			}
			producer[out] = i
		}
	}

	g := &graph{tasks: tasks, deps: make([][]int, len(tasks))}
	for i, t := range tasks {
		seen := make(map[int]struct{})
		for _, in := range t.Inputs {
			p, ok := producer[in]
			if !ok || p == i {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			g.deps[i] = append(g.deps[i], p)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic walks the dependency edges depth-first and reports the first
// cycle found, naming its members in order.
func (g *graph) checkAcyclic() error {
	const (
		white = iota // unvisited
		gray         // on the current path
		black        // done
	)
	state := make([]int, len(g.tasks))
	var path []int

	var visit func(i int) *CycleError
	visit = func(i int) *CycleError {
		state[i] = gray
		path = append(path, i)
		for _, d := range g.deps[i] {
			switch state[d] {
			case gray:
				start := 0
				for k, p := range path {
					if p == d {
						start = k
						break
					}
				}
				cycle := make([]string, 0, len(path)-start)
				for _, p := range path[start:] {
					cycle = append(cycle, g.tasks[p].Name)
				}
				return &CycleError{Tasks: cycle}
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[i] = black
		return nil
	}

	for i := range g.tasks {
		if state[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
