/*
Package statecontroller is the single place task and analysis state
transitions happen.

Every other component reports outcomes as events rather than writing state
directly: the scheduler calls TaskRunning/TaskFailed, sandboxd's node event
bridge calls TaskDone when a node reports a finished task, and the
processing pipeline calls IdentificationDone/
PreDone/AnalysisFailed. A small pool of reducer goroutines (NumWorkers=2)
drains these events and applies them to pkg/storage and pkg/queue.

# Per-Analysis Serialization

Two events for the same analysis must never apply out of order — task B's
failure marking an analysis fatal must not be clobbered by task A's stale
success reported a moment later. Rather than one global lock serializing
every analysis behind the slowest one, Reducer hashes each analysis id into
a fixed shard of mutexes: unrelated analyses reduce concurrently, same-
analysis events never race.

# Usage

	reducer := statecontroller.NewReducer(store, taskQueue, broker, machines, pool, statecontroller.PlatformPolicy{
		DefaultPlatform: "linux",
		Autotag:         true,
	})
	reducer.Start()
	defer reducer.Stop()

	sched := scheduler.NewScheduler(taskQueue, nodes, reducer)

# Task creation

PreDone is also where analysis settings turn into tasks: one per explicit
machine name, or one per platform selector that some registered machine can
satisfy. A selector nothing matches is dropped and logged rather than
failing the whole analysis; only an analysis that ends up with zero tasks
goes to AnalysisFatalError. IdentificationDone submits the follow-on
pre-processing job itself through the JobSubmitter passed to NewReducer
(ordinarily *procpool.Pool), so nothing outside this package needs to chain
one pipeline stage into the next.
*/
package statecontroller
