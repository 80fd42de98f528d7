// Package log provides structured logging built on zerolog.
//
// A single global Logger is configured once via Init; callers derive
// component-scoped child loggers with WithComponent, WithAnalysisID,
// WithTaskID, WithNodeID, and WithMachine rather than passing fields by
// hand on every call site.
package log
