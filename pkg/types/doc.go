// Package types defines the data model shared by every control-plane
// component: analyses, tasks, machines, nodes, and the small accumulator
// types (signatures, processing results) that ride along with them.
//
// Types here carry little behavior beyond small helpers like Task.Dephash
// and JSON encoding; they do no validation of their own. The components in pkg/queue, pkg/machinery,
// pkg/statecontroller, etc. own the actual state transitions.
package types
