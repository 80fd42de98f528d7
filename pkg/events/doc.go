/*
Package events provides an in-memory event broker for broadcasting analysis
and task lifecycle changes to interested subscribers.

The broker is topic-agnostic: every published event goes to every
subscriber, each over its own buffered channel, with a full subscriber
buffer skipped rather than blocking the publisher.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventTaskFailed:
				handleTaskFailed(event)
			case events.EventAnalysisStateChanged:
				handleAnalysisStateChanged(event)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventTaskFailed,
		Message: "task failed to start",
		Metadata: map[string]string{"task_id": "t-123", "error": "machine unavailable"},
	})

# Event Types

  - analysis.state_changed: an analysis moved to a new AnalysisState.
    Metadata: analysis_id, state.
  - task.queued: a task was added to the scheduler's queue.
    Metadata: task_id, analysis_id.
  - task.running: a task was handed to a node and started.
    Metadata: task_id, machine, node.
  - task.done: a task's result bundle is ready to retrieve.
    Metadata: task_id.
  - task.failed: a task could not be started or did not complete.
    Metadata: task_id, error.
  - machine.disabled: a machine was taken out of rotation.
    Metadata: machine, reason.

The state controller is the primary publisher; the CLI and any future API
surface are the intended subscribers, watching for live progress without
polling the queue or the analysis store directly.

Delivery is best-effort and in-memory only: a subscriber that is not
listening when an event is published never sees it, and nothing here
persists events across a restart. Callers that need the authoritative
current state should read it from pkg/storage or pkg/queue, using events
only as a notification to re-read, not as the source of truth.
*/
package events
