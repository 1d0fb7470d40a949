package navigator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// NodeTypeEnd marks a node as terminal even if it has outgoing edges
const NodeTypeEnd = "end"

type compiledEdge struct {
	to        string
	condition string
	program   *vm.Program
}

type compiledTrigger struct {
	trigger NavigationTrigger
	program *vm.Program
}

type graphNode struct {
	cfg      NodeConfig
	out      []compiledEdge
	in       []string
	triggers []compiledTrigger
	timeouts []NavigationTimeout
}

type compiledGraph struct {
	nodes  map[string]*graphNode
	starts []string
}

func compileCondition(cond string) (*vm.Program, error) {
	if cond == "" {
		return nil, nil
	}
	return expr.Compile(cond, expr.AsBool(), expr.AllowUndefinedVariables())
}

func runCondition(program *vm.Program, env map[string]interface{}) (bool, error) {
	if program == nil {
		return true, nil
	}
	if env == nil {
		env = map[string]interface{}{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition must evaluate to bool (got %T)", out)
	}
	return b, nil
}

// compileGraph validates gc and precomputes adjacency. All problems found are
// reported together.
func compileGraph(gc *GraphConfig) (*compiledGraph, error) {
	if gc == nil {
		return nil, fmt.Errorf("%w: missing graph", ErrInvalidGraph)
	}
	if gc.DOT != "" && len(gc.Nodes) == 0 {
		parsed, err := ParseDOTGraph(gc.DOT)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, err)
		}
		if len(gc.StartNodes) > 0 {
			parsed.StartNodes = gc.StartNodes
		}
		gc = parsed
	}

	var errs []error
	g := &compiledGraph{nodes: make(map[string]*graphNode, len(gc.Nodes))}
	order := make([]string, 0, len(gc.Nodes))

	for _, nc := range gc.Nodes {
		if nc.ID == "" {
			errs = append(errs, errors.New("node without id"))
			continue
		}
		if _, dup := g.nodes[nc.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate node %q", nc.ID))
			continue
		}
		node := &graphNode{cfg: nc}
		for _, tc := range nc.Triggers {
			program, err := compileCondition(tc.Condition)
			if err != nil {
				errs = append(errs, fmt.Errorf("trigger %q on node %q: %w", tc.ID, nc.ID, err))
				continue
			}
			typ := tc.Type
			if typ == "" {
				typ = "event"
			}
			node.triggers = append(node.triggers, compiledTrigger{
				trigger: NavigationTrigger{ID: tc.ID, Type: typ, EventType: tc.EventType, Condition: tc.Condition},
				program: program,
			})
		}
		for _, tc := range nc.Timeouts {
			d, err := time.ParseDuration(tc.Duration)
			if err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("timeout %q on node %q: invalid duration %q", tc.ID, nc.ID, tc.Duration))
				continue
			}
			action := tc.OnTimeout
			switch action {
			case "":
				action = TimeoutFail
			case TimeoutFail, TimeoutSkip, TimeoutContinue:
			default:
				errs = append(errs, fmt.Errorf("timeout %q on node %q: unknown onTimeout %q", tc.ID, nc.ID, action))
				continue
			}
			node.timeouts = append(node.timeouts, NavigationTimeout{ID: tc.ID, Duration: d, OnTimeout: action})
		}
		g.nodes[nc.ID] = node
		order = append(order, nc.ID)
	}

	for _, ec := range gc.Edges {
		from, okFrom := g.nodes[ec.From]
		to, okTo := g.nodes[ec.To]
		if !okFrom {
			errs = append(errs, fmt.Errorf("%w: edge source %q", ErrUnknownNode, ec.From))
		}
		if !okTo {
			errs = append(errs, fmt.Errorf("%w: edge target %q", ErrUnknownNode, ec.To))
		}
		if !okFrom || !okTo {
			continue
		}
		program, err := compileCondition(ec.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("condition on edge %s->%s: %w", ec.From, ec.To, err))
			continue
		}
		from.out = append(from.out, compiledEdge{to: ec.To, condition: ec.Condition, program: program})
		to.in = append(to.in, ec.From)
	}

	if len(gc.StartNodes) > 0 {
		for _, id := range gc.StartNodes {
			if _, ok := g.nodes[id]; !ok {
				errs = append(errs, fmt.Errorf("%w: start node %q", ErrUnknownNode, id))
				continue
			}
			g.starts = append(g.starts, id)
		}
	} else {
		for _, id := range order {
			if len(g.nodes[id].in) == 0 {
				g.starts = append(g.starts, id)
			}
		}
	}
	if len(g.starts) == 0 && len(gc.StartNodes) == 0 {
		errs = append(errs, ErrNoStartNode)
	}

	reachable := g.reachable()
	for _, id := range order {
		if !reachable[id] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnreachableNode, id))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}
	return g, nil
}

// reachable follows every edge, conditional or not, from the start nodes
func (g *compiledGraph) reachable() map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), g.starts...)
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.nodes[cur].out {
			if !seen[e.to] {
				seen[e.to] = true
				queue = append(queue, e.to)
			}
		}
	}
	return seen
}

// GraphNavigator navigates routines described by a step graph. Edge and
// trigger conditions are expr expressions.
//
// Edge conditions see the vars passed to NextLocations. Trigger conditions
// see "type" and "data" from the offered event.
type GraphNavigator struct {
	cache *ConfigCache

	mu     sync.RWMutex
	graphs map[string]*compiledGraph
}

// NewGraphNavigator creates a graph navigator
func NewGraphNavigator(cache *ConfigCache) *GraphNavigator {
	if cache == nil {
		cache = NewConfigCache(nil, 0, nil)
	}
	return &GraphNavigator{
		cache:  cache,
		graphs: make(map[string]*compiledGraph),
	}
}

func (n *GraphNavigator) Type() string { return "graph" }

func (n *GraphNavigator) CanNavigate(cfg *RoutineConfig) bool {
	if !cfg.HasGraph() {
		return false
	}
	return len(cfg.Graph.Nodes) > 0 || cfg.Graph.DOT != ""
}

// Compile validates cfg and returns its routine id
func (n *GraphNavigator) Compile(ctx context.Context, cfg *RoutineConfig) (string, error) {
	if !n.CanNavigate(cfg) {
		return "", fmt.Errorf("graph navigator: %w", ErrNotNavigable)
	}
	routineID, err := ConfigHash(n.Type(), cfg)
	if err != nil {
		return "", fmt.Errorf("hash routine config: %w", err)
	}

	n.mu.RLock()
	_, ok := n.graphs[routineID]
	n.mu.RUnlock()
	if ok {
		return routineID, nil
	}

	g, err := compileGraph(cfg.Graph)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	n.graphs[routineID] = g
	n.mu.Unlock()
	n.cache.Put(ctx, routineID, cfg)
	return routineID, nil
}

func (n *GraphNavigator) StartLocation(ctx context.Context, cfg *RoutineConfig) (Location, error) {
	locs, err := n.AllStartLocations(ctx, cfg)
	if err != nil {
		return Location{}, err
	}
	return locs[0], nil
}

func (n *GraphNavigator) AllStartLocations(ctx context.Context, cfg *RoutineConfig) ([]Location, error) {
	routineID, err := n.Compile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g, err := n.graph(ctx, routineID)
	if err != nil {
		return nil, err
	}
	if len(g.starts) == 0 {
		return nil, ErrNoStartNode
	}
	locs := make([]Location, 0, len(g.starts))
	for _, id := range g.starts {
		locs = append(locs, NewLocation(routineID, id))
	}
	return locs, nil
}

func (n *GraphNavigator) NextLocations(ctx context.Context, current Location, vars map[string]interface{}) ([]Location, error) {
	_, node, err := n.node(ctx, current)
	if err != nil {
		return nil, err
	}
	var next []Location
	seen := make(map[string]bool)
	for _, e := range node.out {
		ok, err := runCondition(e.program, vars)
		if err != nil {
			return nil, fmt.Errorf("evaluate condition %q on edge %s->%s: %w", e.condition, current.NodeID, e.to, err)
		}
		if ok && !seen[e.to] {
			seen[e.to] = true
			next = append(next, NewLocation(current.RoutineID, e.to))
		}
	}
	return next, nil
}

// IsEndLocation is true for nodes of type end and nodes with no outgoing edges
func (n *GraphNavigator) IsEndLocation(ctx context.Context, loc Location) bool {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return false
	}
	return node.cfg.Type == NodeTypeEnd || len(node.out) == 0
}

func (n *GraphNavigator) StepInfo(ctx context.Context, loc Location) (StepInfo, error) {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return StepInfo{}, err
	}
	name := node.cfg.Name
	if name == "" {
		name = node.cfg.ID
	}
	return StepInfo{
		ID:          node.cfg.ID,
		Name:        name,
		Type:        node.cfg.Type,
		Description: node.cfg.Description,
		Config:      node.cfg.Config,
	}, nil
}

// Dependencies returns the node ids with an edge into loc
func (n *GraphNavigator) Dependencies(ctx context.Context, loc Location) ([]string, error) {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), node.in...), nil
}

// ParallelBranches returns, for a fan-out node, one linear chain per
// successor. A chain stops before a join node and after a node that does not
// have exactly one successor.
func (n *GraphNavigator) ParallelBranches(ctx context.Context, loc Location) ([][]Location, error) {
	g, node, err := n.node(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(node.out) < 2 {
		return nil, nil
	}

	var branches [][]Location
	for _, e := range node.out {
		var chain []Location
		visited := map[string]bool{loc.NodeID: true}
		cur := e.to
		for !visited[cur] {
			visited[cur] = true
			next := g.nodes[cur]
			if len(next.in) > 1 {
				break
			}
			chain = append(chain, NewLocation(loc.RoutineID, cur))
			if len(next.out) != 1 || next.cfg.Type == NodeTypeEnd {
				break
			}
			cur = next.out[0].to
		}
		if len(chain) > 0 {
			branches = append(branches, chain)
		}
	}
	return branches, nil
}

func (n *GraphNavigator) LocationTriggers(ctx context.Context, loc Location) ([]NavigationTrigger, error) {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return nil, err
	}
	out := make([]NavigationTrigger, 0, len(node.triggers))
	for _, t := range node.triggers {
		out = append(out, t.trigger)
	}
	return out, nil
}

func (n *GraphNavigator) LocationTimeouts(ctx context.Context, loc Location) ([]NavigationTimeout, error) {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return nil, err
	}
	return append([]NavigationTimeout(nil), node.timeouts...), nil
}

func (n *GraphNavigator) CanTriggerEvent(ctx context.Context, loc Location, event NavigationEvent) (bool, error) {
	_, node, err := n.node(ctx, loc)
	if err != nil {
		return false, err
	}
	env := map[string]interface{}{"type": event.Type, "data": event.Data}
	for _, t := range node.triggers {
		if t.trigger.EventType != event.Type {
			continue
		}
		ok, err := runCondition(t.program, env)
		if err != nil {
			return false, fmt.Errorf("evaluate trigger %q: %w", t.trigger.ID, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *GraphNavigator) graph(ctx context.Context, routineID string) (*compiledGraph, error) {
	n.mu.RLock()
	g, ok := n.graphs[routineID]
	n.mu.RUnlock()
	if ok {
		return g, nil
	}

	cfg, err := n.cache.Get(ctx, routineID)
	if err != nil {
		return nil, err
	}
	g, err = compileGraph(cfg.Graph)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.graphs[routineID] = g
	n.mu.Unlock()
	return g, nil
}

func (n *GraphNavigator) node(ctx context.Context, loc Location) (*compiledGraph, *graphNode, error) {
	if loc.ID != LocationID(loc.RoutineID, loc.NodeID) {
		return nil, nil, &LocationError{Location: loc, Reason: "location id does not match routine and node"}
	}
	g, err := n.graph(ctx, loc.RoutineID)
	if err != nil {
		return nil, nil, err
	}
	node, ok := g.nodes[loc.NodeID]
	if !ok {
		return nil, nil, &LocationError{Location: loc, Reason: "no such node in routine graph"}
	}
	return g, node, nil
}
