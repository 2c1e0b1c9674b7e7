// Package loom is a graph-based workflow execution engine with a durable,
// lease-backed task queue. Callers define workflows as directed graphs of
// typed nodes (task, condition, loop, parallel), register the tools those
// nodes invoke, and run them either inline or asynchronously through a
// pool of distributed workers.
//
// Loom is a library, not a service. Import it, configure a store, register
// tools and workflows, and start a worker pool.
//
// # Quick Start
//
//	o, err := loom.New(
//	    loom.WithStore(memory.New()),
//	    loom.WithConcurrency(8),
//	)
//
// # Architecture
//
// Each subsystem (task, dlq, cron) defines its own store interface; a
// single backend implements all of them. The engine package walks workflow
// graphs, and the worker package executes queued runs with lease renewal,
// at-least-once delivery, and retry with backoff.
//
// All entity IDs are TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package loom
