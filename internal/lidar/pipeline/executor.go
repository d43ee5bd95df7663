package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Runs        uint64
	Failures    uint64
	LastRunTime time.Duration
}

// Executor runs graph trees against a Backend on a single worker
// goroutine, in submission order.
type Executor struct {
	backend Backend
	jobs    chan *job
	rng     *rand.Rand

	mu     sync.RWMutex // guards closed against concurrent submit
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	seq         atomic.Uint64
	runs        atomic.Uint64
	failures    atomic.Uint64
	lastRunNano atomic.Int64
}

type executorOptions struct {
	seed      uint64
	queueSize int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

// WithSeed seeds the noise generator. Executors with the same seed and the
// same sequence of runs produce identical noise.
func WithSeed(seed uint64) ExecutorOption {
	return func(o *executorOptions) { o.seed = seed }
}

// WithQueueSize sets how many runs may be queued before Run blocks.
func WithQueueSize(n int) ExecutorOption {
	return func(o *executorOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// NewExecutor starts an executor bound to backend. Call Close to stop it.
func NewExecutor(backend Backend, opts ...ExecutorOption) *Executor {
	o := executorOptions{seed: uint64(time.Now().UnixNano()), queueSize: 64}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		backend: backend,
		jobs:    make(chan *job, o.queueSize),
		rng:     rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15)),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

// Close stops accepting runs, fails any queued runs and waits for the
// worker to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Runs:        e.runs.Load(),
		Failures:    e.failures.Load(),
		LastRunTime: time.Duration(e.lastRunNano.Load()),
	}
}

type run struct {
	seq  uint64
	done chan struct{}
	err  error
}

func (r *run) finish(err error) {
	r.err = err
	close(r.done)
}

func (r *run) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type plan struct {
	graph    *Graph
	nodes    []Node
	children []*plan
}

type job struct {
	plan *plan
	run  *run
}

func (e *Executor) submit(ctx context.Context, j *job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		select {
		case j := <-e.jobs:
			e.execute(j)
		case <-e.quit:
			for {
				select {
				case j := <-e.jobs:
					j.run.finish(ErrExecutorClosed)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) execute(j *job) {
	start := time.Now()
	outputs := make(map[*Graph]Frame)
	in := Frame{SensorPose: geom.Identity(), Sequence: j.run.seq}
	err := e.walk(j.plan, in, outputs)
	e.lastRunNano.Store(int64(time.Since(start)))
	e.runs.Add(1)

	if err != nil {
		e.failures.Add(1)
		if !errors.Is(err, ErrBackendExecution) {
			err = fmt.Errorf("%w: %w", ErrBackendExecution, err)
		}
		monitoring.Logf("[Pipeline] run %d of %q failed: %v", j.run.seq, j.plan.graph.name, err)
		j.run.finish(err)
		return
	}

	graphMu.Lock()
	for g, f := range outputs {
		g.output = f
		g.hasOutput = true
	}
	graphMu.Unlock()
	j.run.finish(nil)
}

func (e *Executor) walk(p *plan, in Frame, outputs map[*Graph]Frame) error {
	f := in
	for _, n := range p.nodes {
		if !n.Enabled {
			continue
		}
		var err error
		f, err = e.apply(n, f)
		if err != nil {
			return fmt.Errorf("graph %q node %q: %w", p.graph.name, n.ID, err)
		}
	}
	outputs[p.graph] = f
	for _, c := range p.children {
		if err := e.walk(c, f, outputs); err != nil {
			return err
		}
	}
	return nil
}

// snapshotTree copies the node lists of the tree below g. Must be called
// with graphMu held.
func snapshotTree(g *Graph) *plan {
	p := &plan{graph: g, nodes: make([]Node, len(g.nodes))}
	copy(p.nodes, g.nodes)
	for _, c := range g.children {
		p.children = append(p.children, snapshotTree(c))
	}
	return p
}

func assignRun(g *Graph, r *run) {
	g.lastRun = r
	for _, c := range g.children {
		assignRun(c, r)
	}
}

// Run executes the tree g belongs to, starting at its root. It waits for
// the tree's previous run to complete, snapshots the parameters and
// enqueues the run; it does not wait for the new run to finish.
func (g *Graph) Run(ctx context.Context) error {
	graphMu.Lock()
	root := g.root()
	prev := root.lastRun
	graphMu.Unlock()

	if prev != nil {
		// The previous run's error belongs to whoever waited on it.
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	graphMu.Lock()
	root = g.root()
	ex := root.executor
	if ex == nil {
		graphMu.Unlock()
		return fmt.Errorf("%w: graph %q has no executor", ErrBackendExecution, root.name)
	}
	r := &run{seq: ex.seq.Add(1), done: make(chan struct{})}
	j := &job{plan: snapshotTree(root), run: r}
	assignRun(root, r)
	graphMu.Unlock()

	if err := ex.submit(ctx, j); err != nil {
		r.finish(err)
		return err
	}
	return nil
}

// Wait blocks until the most recent run covering g completes and returns
// its error. It returns nil immediately if g has never been run.
func (g *Graph) Wait(ctx context.Context) error {
	graphMu.Lock()
	r := g.lastRun
	graphMu.Unlock()
	if r == nil {
		return nil
	}
	return r.wait(ctx)
}

// Output waits for the most recent run covering g and returns the stream
// as it left g's last node.
func (g *Graph) Output(ctx context.Context) (Frame, error) {
	graphMu.Lock()
	r := g.lastRun
	graphMu.Unlock()
	if r == nil {
		return Frame{}, ErrNotRun
	}
	if err := r.wait(ctx); err != nil {
		return Frame{}, err
	}

	graphMu.Lock()
	defer graphMu.Unlock()
	if !g.hasOutput {
		return Frame{}, ErrNotRun
	}
	return g.output, nil
}
