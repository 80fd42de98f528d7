package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// analysisJSON mirrors Analysis but carries Target as an explicit
// kind-tagged envelope, since encoding/json cannot round-trip an interface
// field on its own.
type analysisJSON struct {
	ID         string          `json:"id"`
	CreatedOn  time.Time       `json:"created_on"`
	TargetKind string          `json:"target_kind"`
	Target     json.RawMessage `json:"target"`
	Settings   *Settings       `json:"settings"`
	Category   string          `json:"category"`
	State      AnalysisState   `json:"state"`
	TaskIDs    []string        `json:"task_ids,omitempty"`
	Signatures []*Signature    `json:"signatures,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// MarshalJSON encodes a with its Target tagged by kind so UnmarshalJSON can
// reconstruct the correct concrete type.
func (a Analysis) MarshalJSON() ([]byte, error) {
	var targetKind string
	var rawTarget json.RawMessage
	var err error

	if a.Target != nil {
		targetKind = a.Target.Kind()
		rawTarget, err = json.Marshal(a.Target)
		if err != nil {
			return nil, fmt.Errorf("marshaling target: %w", err)
		}
	}

	return json.Marshal(analysisJSON{
		ID:         a.ID,
		CreatedOn:  a.CreatedOn,
		TargetKind: targetKind,
		Target:     rawTarget,
		Settings:   a.Settings,
		Category:   a.Category,
		State:      a.State,
		TaskIDs:    a.TaskIDs,
		Signatures: a.Signatures,
		Error:      a.Error,
	})
}

// UnmarshalJSON decodes a, reconstructing the concrete Target implementation
// named by target_kind.
func (a *Analysis) UnmarshalJSON(data []byte) error {
	var aux analysisJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	a.ID = aux.ID
	a.CreatedOn = aux.CreatedOn
	a.Settings = aux.Settings
	a.Category = aux.Category
	a.State = aux.State
	a.TaskIDs = aux.TaskIDs
	a.Signatures = aux.Signatures
	a.Error = aux.Error

	if len(aux.Target) == 0 {
		return nil
	}

	switch aux.TargetKind {
	case "file":
		var target TargetFile
		if err := json.Unmarshal(aux.Target, &target); err != nil {
			return fmt.Errorf("decoding file target: %w", err)
		}
		a.Target = target
	case "url":
		var target TargetURL
		if err := json.Unmarshal(aux.Target, &target); err != nil {
			return fmt.Errorf("decoding url target: %w", err)
		}
		a.Target = target
	default:
		return fmt.Errorf("unknown target kind %q", aux.TargetKind)
	}

	return nil
}
