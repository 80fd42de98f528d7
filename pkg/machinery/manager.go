// Package machinery tracks the in-memory inventory of analysis machines and
// drives their lifecycle (start, stop, dump memory) through a small pool of
// workers, one action in flight per machine at a time. It mirrors the
// machine tracker and worker-pool design of the control plane this module
// replaces: a guarded map is the source of truth, actions are queued and
// dispatched to machdriver.Driver implementations, and every state change
// marks the inventory dirty so the next DumpIfDirty call writes a durable
// dump and a restart does not forget who is locked.
package machinery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mothsandbox/moth/pkg/errtracker"
	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/machdriver"
	"github.com/mothsandbox/moth/pkg/types"
)

// ErrMachineNotFound is returned when a machine name has no entry in the
// manager's inventory.
type ErrMachineNotFound struct{ Name string }

func (e *ErrMachineNotFound) Error() string {
	return fmt.Sprintf("machinery: machine %q does not exist", e.Name)
}

// ErrMachineUnavailable is returned by Acquire when no machine can currently
// be locked to satisfy a placement request.
var ErrMachineUnavailable = fmt.Errorf("machinery: no available machine satisfies the request")

// Manager owns the in-memory machine inventory and dispatches lifecycle
// actions to the driver each machine belongs to.
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*types.Machine
	drivers  map[string]machdriver.Driver // machine name -> owning driver

	dumpPath string

	dirtyMu sync.Mutex
	dirty   bool

	pool *workerPool
}

// NewManager builds an empty manager. Call LoadMachines to register the
// machines each driver exposes, then Start to bring up the action workers.
func NewManager(dumpPath string, workers int) *Manager {
	m := &Manager{
		machines: make(map[string]*types.Machine),
		drivers:  make(map[string]machdriver.Driver),
		dumpPath: dumpPath,
	}
	m.pool = newWorkerPool(m, workers)
	return m
}

// Start brings up the action worker pool.
func (m *Manager) Start() { m.pool.start() }

// Stop shuts the action worker pool down, waiting for in-flight actions to
// finish.
func (m *Manager) Stop() { m.pool.stop() }

// LoadMachines registers every machine driver lists as belonging to it,
// restoring lock/disabled state from a previous dump when present. Returns
// an error if a machine name collides with one already registered by a
// different driver.
func (m *Manager) LoadMachines(driver machdriver.Driver, machineList []types.Machine, dump map[string]types.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, machine := range machineList {
		if _, exists := m.machines[machine.Name]; exists {
			return fmt.Errorf("machinery: machine name %q from driver %s is not unique", machine.Name, driver.Name())
		}

		mm := machine
		if saved, ok := dump[machine.Name]; ok {
			mm.Locked = saved.Locked
			mm.LockedBy = saved.LockedBy
			mm.Disabled = saved.Disabled
			mm.DisableMsg = saved.DisableMsg
		}

		m.machines[machine.Name] = &mm
		m.drivers[machine.Name] = driver
	}

	m.markDirty()
	return nil
}

// GetByName returns the machine registered under name.
func (m *Manager) GetByName(name string) (*types.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	machine, ok := m.machines[name]
	if !ok {
		return nil, &ErrMachineNotFound{Name: name}
	}
	clone := *machine
	return &clone, nil
}

// HasMatch reports whether any registered machine satisfies platform,
// osVersion, and tags, regardless of its current lock/disabled state. Task
// creation uses this to reject a placement selector no machine could ever
// fulfil, as distinct from Acquire's "nothing is free right now".
func (m *Manager) HasMatch(platform, osVersion string, tags []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, machine := range m.machines {
		if platform != "" && machine.Platform != platform {
			continue
		}
		if osVersion != "" && machine.OSVersion != osVersion {
			continue
		}
		if hasAllTags(machine.Tags, tags) {
			return true
		}
	}
	return false
}

func (m *Manager) driverFor(name string) (machdriver.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[name]
	return d, ok
}

func available(machine *types.Machine) bool {
	return !machine.Locked && !machine.Disabled
}

// findAvailableLocked requires m.mu to be held for at least reading.
func (m *Manager) findAvailableLocked(name, platform, osVersion string, tags []string) *types.Machine {
	if name != "" {
		machine, ok := m.machines[name]
		if !ok || !available(machine) {
			return nil
		}
		return machine
	}

	for _, machine := range m.machines {
		if !available(machine) {
			continue
		}
		if platform != "" && machine.Platform != platform {
			continue
		}
		if osVersion != "" && machine.OSVersion != osVersion {
			continue
		}
		if !hasAllTags(machine.Tags, tags) {
			continue
		}
		return machine
	}
	return nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Acquire finds and locks a machine for taskID matching name (if given, name
// takes precedence over platform/osVersion/tags), or the given placement
// selector. Returns ErrMachineUnavailable if nothing matches.
func (m *Manager) Acquire(taskID, name, platform, osVersion string, tags []string) (*types.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine := m.findAvailableLocked(name, platform, osVersion, tags)
	if machine == nil {
		return nil, ErrMachineUnavailable
	}

	machine.Locked = true
	machine.LockedBy = taskID
	m.markDirty()

	clone := *machine
	return &clone, nil
}

// Release unlocks machine, returning it to the pool of available machines.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, ok := m.machines[name]
	if !ok {
		return &ErrMachineNotFound{Name: name}
	}
	if !machine.Locked {
		return fmt.Errorf("machinery: cannot release machine %q: not locked", name)
	}

	machine.Locked = false
	machine.LockedBy = ""
	m.markDirty()
	return nil
}

// Disable marks machine as unavailable with reason, e.g. after it reaches an
// unhandled state.
func (m *Manager) Disable(name, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	machine, ok := m.machines[name]
	if !ok {
		return &ErrMachineNotFound{Name: name}
	}
	machine.Disabled = true
	machine.DisableMsg = reason
	m.markDirty()

	log.Logger.Error().Str("machine", name).Str("reason", reason).Msg("machine disabled")
	return nil
}

// Counts reports the current inventory split, satisfying
// metrics.MachinerySource.
func (m *Manager) Counts() (locked, disabled, available int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, machine := range m.machines {
		switch {
		case machine.Disabled:
			disabled++
		case machine.Locked:
			locked++
		default:
			available++
		}
	}
	return
}

func (m *Manager) markDirty() {
	m.dirtyMu.Lock()
	m.dirty = true
	m.dirtyMu.Unlock()
}

// DumpIfDirty writes the current machine inventory to the configured dump
// path if any machine has changed since the last dump, then clears the
// dirty flag. Safe to call on a timer from a single goroutine.
func (m *Manager) DumpIfDirty() error {
	m.dirtyMu.Lock()
	if !m.dirty {
		m.dirtyMu.Unlock()
		return nil
	}
	m.dirty = false
	m.dirtyMu.Unlock()

	return m.dump()
}

func (m *Manager) dump() error {
	m.mu.RLock()
	snapshot := make(map[string]types.Machine, len(m.machines))
	for name, machine := range m.machines {
		snapshot[name] = *machine
	}
	m.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("machinery: marshaling dump: %w", err)
	}

	dir := filepath.Dir(m.dumpPath)
	tmp, err := os.CreateTemp(dir, ".machinestates-*")
	if err != nil {
		return fmt.Errorf("machinery: creating temp dump file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("machinery: writing temp dump file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("machinery: closing temp dump file: %w", err)
	}

	if err := os.Rename(tmpName, m.dumpPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("machinery: replacing dump file: %w", err)
	}
	return nil
}

// LoadDump reads a previously written dump file. A missing file is not an
// error: it simply yields no prior state to restore.
func LoadDump(path string, tracker *errtracker.Tracker) (map[string]types.Machine, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]types.Machine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("machinery: reading dump: %w", err)
	}

	var dump map[string]types.Machine
	if err := json.Unmarshal(data, &dump); err != nil {
		if tracker != nil {
			tracker.AddError("machinery", fmt.Errorf("corrupt machine dump, ignoring: %w", err))
		}
		return map[string]types.Machine{}, nil
	}
	return dump, nil
}
