// Package queue defines per-queue drain policy for the worker pool:
// token-bucket rate limits and max-concurrency caps.
//
// Queues are named channels that group related tasks. Tasks carry a
// Queue field that determines which queue they belong to. The worker
// pool polls the queues listed in [loom.Config.Queues] (default:
// ["default"]).
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "workflows",
//	    MaxConcurrency: 5,      // max 5 concurrent tasks from this queue
//	    RateLimit:      10,     // max 10 tasks/s dequeued from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// Pass configs when building the runtime:
//
//	runtime.Build(o,
//	    runtime.WithQueueConfig(
//	        queue.Config{Name: "critical", MaxConcurrency: 20},
//	        queue.Config{Name: "bulk", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces the limits at dequeue time. It uses a token-bucket
// rate limiter (golang.org/x/time/rate) and an active-count gate for
// concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // process the task
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
