package pipeline

import "errors"

var (
	// ErrInvalidConfiguration reports parameters that are inconsistent with
	// the node or graph they are applied to (array lengths, ordering,
	// non-finite values). The graph is left unchanged.
	ErrInvalidConfiguration = errors.New("invalid pipeline configuration")

	// ErrNodeNotFound reports an update addressed to a node that was never
	// appended.
	ErrNodeNotFound = errors.New("pipeline node not found")

	// ErrBackendExecution reports a failed run. No output is published for
	// a failed run.
	ErrBackendExecution = errors.New("pipeline backend execution failed")

	// ErrNotRun is returned by Output before the graph has ever been run.
	ErrNotRun = errors.New("pipeline graph has not been run")

	// ErrExecutorClosed is returned by Run once the executor is closed.
	ErrExecutorClosed = errors.New("pipeline executor closed")
)
