// Package queue implements the durable task queue: a bbolt-backed ordered
// set of tasks waiting to be scheduled, plus the dependency-hash fast-skip
// mechanism that lets the scheduler avoid rescanning tasks it already knows
// no available machine can satisfy.
//
// Ordering (priority descending, then created-on ascending) is produced by
// the storage engine itself: each task is keyed by a composite sort key so
// a plain forward bucket scan already yields the right order, the same
// "let the engine sort it" idiom the teacher uses for its entity buckets.
package queue
