package storage

import (
	"github.com/mothsandbox/moth/pkg/types"
)

// Store persists the control plane's durable entities: analyses and one
// record per machine (the latest saved state; no history is kept). Queue records live in their own
// database (pkg/queue); this store is about the higher-level domain
// objects components query by id.
type Store interface {
	// Analyses
	CreateAnalysis(analysis *types.Analysis) error
	GetAnalysis(id string) (*types.Analysis, error)
	ListAnalyses() ([]*types.Analysis, error)
	UpdateAnalysis(analysis *types.Analysis) error
	DeleteAnalysis(id string) error

	// Machines (a secondary record of the in-memory inventory, queryable
	// independent of the machinery manager's own lock-guarded map)
	CreateMachine(machine *types.Machine) error
	GetMachine(name string) (*types.Machine, error)
	ListMachines() ([]*types.Machine, error)
	UpdateMachine(machine *types.Machine) error
	DeleteMachine(name string) error

	Close() error
}
