// Package engine executes a stage graph over negotiation state: handlers get
// an immutable view, return a delta plus a routing decision, and the engine
// merges each delta atomically. Handler failures route to a designated
// escalation stage instead of aborting the run, and a stage visit ceiling
// guarantees every run terminates in a terminal stage.
package engine

import (
	"context"
	"fmt"
)

// StageName identifies a registered stage.
type StageName string

// Handler executes one stage. It receives an immutable view of the current
// state and returns a delta to merge plus the next stage to run. The returned
// stage name is ignored for terminal stages.
type Handler func(ctx context.Context, view View) (Delta, StageName, error)

type stage struct {
	name       StageName
	handler    Handler
	successors map[StageName]bool
	terminal   bool
}

// Graph is a registry of named stages with admissible successor sets.
type Graph struct {
	stages     map[StageName]*stage
	start      StageName
	escalation StageName
}

// NewGraph creates a graph that begins at start and routes handler failures
// to escalation.
func NewGraph(start, escalation StageName) *Graph {
	return &Graph{
		stages:     make(map[StageName]*stage),
		start:      start,
		escalation: escalation,
	}
}

// Register adds a stage with its admissible successors. A handler routing to
// any stage outside this set is an invalid route and escalates.
func (g *Graph) Register(name StageName, h Handler, successors ...StageName) error {
	return g.add(name, h, successors, false)
}

// Terminal adds a stage that ends the run; its routing decision is ignored.
func (g *Graph) Terminal(name StageName, h Handler) error {
	return g.add(name, h, nil, true)
}

func (g *Graph) add(name StageName, h Handler, successors []StageName, terminal bool) error {
	if name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("stage %s has no handler", name)
	}
	if _, exists := g.stages[name]; exists {
		return fmt.Errorf("stage %s already registered", name)
	}

	succ := make(map[StageName]bool, len(successors))
	for _, s := range successors {
		succ[s] = true
	}
	g.stages[name] = &stage{
		name:       name,
		handler:    h,
		successors: succ,
		terminal:   terminal,
	}
	return nil
}

// Validate checks the graph is runnable: the start and escalation stages
// exist, the escalation stage is terminal, and every declared successor is
// registered.
func (g *Graph) Validate() error {
	if _, ok := g.stages[g.start]; !ok {
		return fmt.Errorf("start stage %s is not registered", g.start)
	}
	esc, ok := g.stages[g.escalation]
	if !ok {
		return fmt.Errorf("escalation stage %s is not registered", g.escalation)
	}
	if !esc.terminal {
		return fmt.Errorf("escalation stage %s must be terminal", g.escalation)
	}
	for name, st := range g.stages {
		for succ := range st.successors {
			if _, ok := g.stages[succ]; !ok {
				return fmt.Errorf("stage %s declares unregistered successor %s", name, succ)
			}
		}
	}
	return nil
}
