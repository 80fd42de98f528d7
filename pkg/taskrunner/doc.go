/*
Package taskrunner is the only place a task's machine is actually driven
through a run, once the scheduler has placed it. One goroutine per task
calls, in order: result server registration, machinery.RestoreStart, a wait
for the guest agent to answer, payload delivery, then an idle loop until the
analysis' timeout (or an early Stop) ends the run. Once those steps return,
successfully or not, the same goroutine stops the machine, removes the
result server mapping and releases the machine lock, so an earlier step's
failure does not skip the teardown.

# Usage

Runner reports outcomes through the same LocalNode it is started by, so
construction is two-phased: build the node with a nil Starter, build the
Runner against that node, then bind the two together.

	localNode := node.NewLocalNode(manager, nil)
	runner := taskrunner.NewRunner(manager, store, cwd, agentClient, resultClient, localNode, taskrunner.Config{
		AgentPort:        8000,
		AgentWaitTimeout: 120 * time.Second,
		CallInterval:     time.Second,
		DefaultTimeout:   120 * time.Second,
	})
	localNode.SetStarter(runner)

Runner implements node.Starter, so it ends up as the thing that actually
starts tasks; LocalNode itself only tracks machine acquisition and fans out
the outcome Runner reports.

# Failure handling

A run is fatal only if a step returns an error before the interval loop
starts (result server add, machine start, agent wait, payload delivery) or
the final machine stop fails; anything else recorded along the way
(failing to unmap the result server, for instance) is kept as a non-fatal
error and written alongside a fatal one if both occur. Fatal and non-fatal
errors are both serialized to the task's run error file when present.
*/
package taskrunner
