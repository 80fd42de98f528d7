/*
Package intake implements the handoff point between the stateless submit
CLI path and the running daemon's durable storage.

"sandboxd submit" never opens the daemon's database — two processes cannot
safely share a bbolt file — so it stages everything identification needs as
a self-contained analysis.json under storage/untracked/<id>/. A Scanner
running inside "sandboxd run" sweeps that directory on an interval, records
each staged analysis in storage.Store, submits a StagePre job for it, and
removes the staging directory.

	scanner := intake.NewScanner(cwd, store, pool)
	scanner.Start()
	defer scanner.Stop()
*/
package intake
