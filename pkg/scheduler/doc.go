/*
Package scheduler matches queued analysis tasks to free machines and hands
matched work off to a small pool of task starters.

# Architecture

The scheduler wakes on two signals: a new task being queued, or a 60 second
fallback ticker. A machine being released elsewhere does not wake it; a task
waiting for that machine is placed on the next enqueue or tick. Each wake
makes at most one assignment pass:

	┌──────────────────────────────────────────────┐
	│              Scheduler.run loop               │
	│  wakes on: enqueue | 60s tick                  │
	└───────────────────┬────────────────────────────┘
	                    │
	                    ▼
	┌──────────────────────────────────────────────┐
	│  assignWork (one WorkFinder scope):            │
	│   for each unscheduled task, priority-first:    │
	│     find a node with a matching free machine    │
	│     found  -> mark scheduled, queue a startable │
	│     not found -> ignore similar tasks this pass │
	└───────────────────┬────────────────────────────┘
	                    │
	                    ▼
	┌──────────────────────────────────────────────┐
	│  task starter pool (NumTaskStarters=1):        │
	│   node.StartTask(ctx, task, machine)            │
	│   success -> reporter.TaskRunning               │
	│   failure -> release machine, reporter.TaskFailed│
	└──────────────────────────────────────────────┘

# Core Components

NodesTracker holds every node the scheduler may place work on (one LocalNode
plus zero or more RemoteNodes) and tries them in order for a free machine
matching a task's platform, OS version and tags.

Scheduler ties a queue.Queue, a NodesTracker, and a TaskReporter together:

	sched := scheduler.NewScheduler(taskQueue, nodes, stateController)
	sched.Start()
	defer sched.Stop()

	sched.QueueTask(task) // wakes the loop immediately

# Design Notes

The scheduler holds no state beyond its in-flight startable queue: machine
locks live on the nodes themselves, and scheduled/unscheduled status lives
in the task queue's own storage. A crash loses only tasks mid-handoff
between assignWork and the task starter picking them up; everything else is
recoverable by rescanning the queue and each node's machine inventory.

Unlike a fixed-interval reconciliation loop, the scheduler only does work
when woken, so an idle cluster with an empty queue costs nothing beyond the
60 second fallback tick (which is also the only wakeup that notices a
machine freed after the last enqueue).
*/
package scheduler
