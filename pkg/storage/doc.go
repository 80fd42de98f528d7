// Package storage provides bbolt-backed persistence for the control
// plane's domain entities: analyses and the machine inventory. Each entity
// kind lives in its own bucket, JSON-marshalled and keyed by id or name, so
// reads never require a schema migration to add a field.
package storage
