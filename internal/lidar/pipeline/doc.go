// Package pipeline provides the ray-processing graph that turns a set of
// candidate rays into a point cloud.
//
// A Graph is an ordered list of named nodes (ray generation, per-ray
// metadata, transforms, noise, ray-tracing, compaction). Graphs connect
// parent→child so a child consumes its parent's output; a sensor owns a
// raw graph with two chained subgraphs and external consumers splice
// further graphs onto either output.
//
// Execution is asynchronous: Run snapshots the graph tree and enqueues it
// on an Executor, whose single worker walks the nodes and calls the
// Backend for the actual ray/scene intersection. Wait and Output block
// until that run has completed.
package pipeline
