/*
Package procpool runs processing plugins in separate worker processes, one
pool per pkg/plugin stage, so a crashing or hanging plugin cannot take the
control plane down with it.

# Architecture

Pool re-execs the running binary as "procworker" once per configured
worker slot per stage. Each worker dials back into the supervisor's single
listening socket, announces its stage, then waits for job assignments; the
supervisor's accept loop claims the connection for a matching unclaimed
worker slot and starts a reader goroutine that feeds the worker's state
messages into one shared channel. A single dispatch goroutine owns all
worker and queue state, so assigning jobs and recording outcomes never
needs a lock:

	caller -> Submit(job) -> submitCh  \
	worker -> reader goroutine -> eventCh  >-- dispatchLoop -- Reporter

This mirrors the original processing worker handler's bounded select() loop
over its worker sockets, substituting Go's channel fan-in for the
acceptor's select(2) call.

# Storage is the supervisor's alone

A worker process never opens the analysis database. The long-running
daemon that owns the Pool holds that database open for its entire
lifetime, and bbolt does not support concurrent access to one file from
more than one process - the same constraint pkg/intake works around on the
submission side. So the supervisor loads the analysis a queued job names
and serializes it into the job message it writes to the worker; a worker
only ever decodes what it is handed. This mirrors how the original
processing worker reads a flat analysis.json snapshot from disk rather
than sharing a database connection with the controller.

# Usage

	pool := procpool.NewPool(os.Args[0], cwd, socketPath, workersPerStage, reporter, store)
	if err := pool.Start(); err != nil {
		...
	}
	defer pool.Stop()

	pool.Submit(procpool.Job{Stage: plugin.StagePre, AnalysisID: "abc123"})

The "procworker" subcommand itself is a thin wrapper around RunWorker,
which blocks running jobs until the supervisor connection closes.
*/
package procpool
