package pipeline

import (
	"fmt"
	"reflect"
	"sync"
)

// graphMu guards topology, node parameters and outputs of every graph.
// Mutations happen on the tick goroutine; the executor only takes it to
// publish outputs, so contention is negligible.
var graphMu sync.Mutex

// Handle addresses a node within the graph that created it. Handles are
// dense indices assigned at append time and stay valid for the graph's
// lifetime.
type Handle int

// Node is one processing stage of a graph.
type Node struct {
	ID       string
	Params   Params
	Enabled  bool
	Revision uint64
}

// Kind returns the node's operation.
func (n Node) Kind() NodeKind { return n.Params.Kind() }

// Update pairs a node handle with replacement parameters for Apply.
// Params may be nil when the update only toggles the node; Enabled is nil
// when it leaves the node's state alone.
type Update struct {
	Handle  Handle
	Params  Params
	Enabled *bool
}

// Toggle is an Update that only enables or disables the node at h.
func Toggle(h Handle, enabled bool) Update {
	return Update{Handle: h, Enabled: &enabled}
}

// Graph is an ordered sequence of nodes plus its connections to a parent
// graph (whose output it consumes) and to child graphs (which consume its
// output).
type Graph struct {
	name     string
	nodes    []Node
	index    map[string]Handle
	parent   *Graph
	children []*Graph
	executor *Executor
	revision uint64

	lastRun   *run
	output    Frame
	hasOutput bool
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithExecutor sets the executor used when the graph is the root of a run.
func WithExecutor(ex *Executor) GraphOption {
	return func(g *Graph) { g.executor = ex }
}

// NewGraph creates an empty graph.
func NewGraph(name string, opts ...GraphOption) *Graph {
	g := &Graph{
		name:  name,
		index: make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the graph name used in logs and errors.
func (g *Graph) Name() string { return g.name }

// Add appends an enabled node. Node ids must be unique within the graph
// and the node must be valid at its position in the connected tree.
func (g *Graph) Add(id string, p Params) (Handle, error) {
	if p == nil {
		return -1, fmt.Errorf("%w: node %q has no parameters", ErrInvalidConfiguration, id)
	}
	if err := p.validate(); err != nil {
		return -1, fmt.Errorf("node %q: %w", id, err)
	}

	graphMu.Lock()
	defer graphMu.Unlock()

	if _, exists := g.index[id]; exists {
		return -1, fmt.Errorf("%w: duplicate node id %q in graph %q", ErrInvalidConfiguration, id, g.name)
	}

	prev := g.nodes
	g.nodes = append(append(make([]Node, 0, len(prev)+1), prev...), Node{ID: id, Params: p, Enabled: true, Revision: 1})
	if err := validateTree(g.root()); err != nil {
		g.nodes = prev
		return -1, fmt.Errorf("add %q to %q: %w", id, g.name, err)
	}

	h := Handle(len(g.nodes) - 1)
	g.index[id] = h
	g.revision++
	return h, nil
}

// MustAdd is Add for statically known graphs; it panics on error.
func (g *Graph) MustAdd(id string, p Params) Handle {
	h, err := g.Add(id, p)
	if err != nil {
		panic(err)
	}
	return h
}

// Handle looks up a node handle by id.
func (g *Graph) Handle(id string) (Handle, bool) {
	graphMu.Lock()
	defer graphMu.Unlock()
	h, ok := g.index[id]
	return h, ok
}

// Update replaces the parameters of one node. See Apply.
func (g *Graph) Update(h Handle, p Params) error {
	return g.Apply(Update{Handle: h, Params: p})
}

// UpdateByID is Update addressed by node id.
func (g *Graph) UpdateByID(id string, p Params) error {
	h, ok := g.Handle(id)
	if !ok {
		return fmt.Errorf("%w: %q in graph %q", ErrNodeNotFound, id, g.name)
	}
	return g.Update(h, p)
}

// Apply replaces the parameters and enabled state of several nodes
// atomically: the whole connected tree is validated with every update in
// place, and on any error no update is kept. Updates are applied in order.
// Updates that match the current node are no-ops and do not advance the
// revision.
func (g *Graph) Apply(updates ...Update) error {
	for _, u := range updates {
		if u.Params == nil {
			if u.Enabled == nil {
				return fmt.Errorf("%w: nil parameters for node %d", ErrInvalidConfiguration, u.Handle)
			}
			continue
		}
		if err := u.Params.validate(); err != nil {
			return err
		}
	}

	graphMu.Lock()
	defer graphMu.Unlock()

	staged := make([]Node, len(g.nodes))
	copy(staged, g.nodes)
	changed := false
	for _, u := range updates {
		if u.Handle < 0 || int(u.Handle) >= len(staged) {
			return fmt.Errorf("%w: handle %d in graph %q", ErrNodeNotFound, u.Handle, g.name)
		}
		n := &staged[u.Handle]
		nodeChanged := false
		if u.Params != nil {
			if n.Params.Kind() != u.Params.Kind() {
				return fmt.Errorf("%w: node %q is %s, got %s parameters",
					ErrInvalidConfiguration, n.ID, n.Params.Kind(), u.Params.Kind())
			}
			if !reflect.DeepEqual(n.Params, u.Params) {
				n.Params = u.Params
				nodeChanged = true
			}
		}
		if u.Enabled != nil && n.Enabled != *u.Enabled {
			n.Enabled = *u.Enabled
			nodeChanged = true
		}
		if nodeChanged {
			n.Revision++
			changed = true
		}
	}
	if !changed {
		return nil
	}

	prev := g.nodes
	g.nodes = staged
	if err := validateTree(g.root()); err != nil {
		g.nodes = prev
		return fmt.Errorf("update graph %q: %w", g.name, err)
	}
	g.revision++
	return nil
}

// SetActive enables or disables a node. A disabled node passes its input
// through unchanged and keeps its place in the graph.
func (g *Graph) SetActive(h Handle, enabled bool) error {
	return g.Apply(Toggle(h, enabled))
}

// Node returns a copy of the node at h.
func (g *Graph) Node(h Handle) (Node, error) {
	graphMu.Lock()
	defer graphMu.Unlock()
	if h < 0 || int(h) >= len(g.nodes) {
		return Node{}, fmt.Errorf("%w: handle %d in graph %q", ErrNodeNotFound, h, g.name)
	}
	return g.nodes[h], nil
}

// Nodes returns a copy of the node list in execution order.
func (g *Graph) Nodes() []Node {
	graphMu.Lock()
	defer graphMu.Unlock()
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Revision increases whenever a node is added, changed or toggled.
func (g *Graph) Revision() uint64 {
	graphMu.Lock()
	defer graphMu.Unlock()
	return g.revision
}

// Parent returns the graph this one consumes, or nil for a root.
func (g *Graph) Parent() *Graph {
	graphMu.Lock()
	defer graphMu.Unlock()
	return g.parent
}

// Children returns the graphs consuming this one, in connection order.
func (g *Graph) Children() []*Graph {
	graphMu.Lock()
	defer graphMu.Unlock()
	out := make([]*Graph, len(g.children))
	copy(out, g.children)
	return out
}

// Connect feeds parent's output into child. Connecting an already
// connected pair is a no-op. A graph has at most one parent and a
// connection may not create a cycle.
func Connect(parent, child *Graph) error {
	if parent == nil || child == nil {
		return fmt.Errorf("%w: cannot connect a nil graph", ErrInvalidConfiguration)
	}
	if parent == child {
		return fmt.Errorf("%w: graph %q cannot consume itself", ErrInvalidConfiguration, parent.name)
	}

	graphMu.Lock()
	defer graphMu.Unlock()

	if child.parent == parent {
		return nil
	}
	if child.parent != nil {
		return fmt.Errorf("%w: graph %q already consumes %q", ErrInvalidConfiguration, child.name, child.parent.name)
	}
	for p := parent; p != nil; p = p.parent {
		if p == child {
			return fmt.Errorf("%w: connecting %q -> %q would create a cycle", ErrInvalidConfiguration, parent.name, child.name)
		}
	}

	child.parent = parent
	parent.children = append(parent.children, child)
	if err := validateTree(parent.root()); err != nil {
		parent.children = parent.children[:len(parent.children)-1]
		child.parent = nil
		return fmt.Errorf("connect %q -> %q: %w", parent.name, child.name, err)
	}
	return nil
}

// Disconnect detaches child from parent. Disconnecting graphs that are not
// connected is a no-op.
func Disconnect(parent, child *Graph) {
	graphMu.Lock()
	defer graphMu.Unlock()

	if child == nil || child.parent != parent {
		return
	}
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			break
		}
	}
	child.parent = nil
}

// root must be called with graphMu held.
func (g *Graph) root() *Graph {
	r := g
	for r.parent != nil {
		r = r.parent
	}
	return r
}

type walkState struct {
	rays int // -1 until a RaysFromPoses node is seen
	// known is false until the stream phase is established by a
	// RaysFromPoses or Raytrace node, so standalone consumer graphs can be
	// built before they are connected.
	known  bool
	traced bool
}

// validateTree checks node ordering and per-ray array lengths over the
// whole tree below g. Must be called with graphMu held.
func validateTree(g *Graph) error {
	return validateFrom(g, walkState{rays: -1})
}

func validateFrom(g *Graph, st walkState) error {
	for _, n := range g.nodes {
		if st.known {
			switch requiredPhase(n.Params) {
			case phaseRays:
				if st.traced {
					return fmt.Errorf("%w: %s node %q must precede raytrace (graph %q)",
						ErrInvalidConfiguration, n.Params.Kind(), n.ID, g.name)
				}
			case phasePoints:
				if !st.traced {
					return fmt.Errorf("%w: %s node %q must follow raytrace (graph %q)",
						ErrInvalidConfiguration, n.Params.Kind(), n.ID, g.name)
				}
			}
		}

		switch p := n.Params.(type) {
		case RaysFromPoses:
			st.rays = len(p.Poses)
			st.known, st.traced = true, false
		case Raytrace:
			st.known, st.traced = true, true
		}

		if c := rayCount(n.Params); c >= 0 && st.rays >= 0 && c != st.rays {
			return fmt.Errorf("%w: node %q carries %d entries for %d rays (graph %q)",
				ErrInvalidConfiguration, n.ID, c, st.rays, g.name)
		}
	}
	for _, c := range g.children {
		if err := validateFrom(c, st); err != nil {
			return err
		}
	}
	return nil
}
