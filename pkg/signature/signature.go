// Package signature accumulates behavioral-indicator matches for a single
// analysis, merging repeated matches of the same signature name instead of
// appending duplicates.
package signature

import (
	"sort"

	"github.com/mothsandbox/moth/pkg/types"
)

// Accumulator merges signature matches by name across a single analysis.
// Processing stages may match the same signature multiple times (once per
// task, once per behavioral log); the accumulator keeps one entry per name
// and unions its IOCs.
type Accumulator struct {
	byName map[string]*types.Signature
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{byName: make(map[string]*types.Signature)}
}

// Add merges sig into the accumulator. If a signature with the same name
// already exists, its severity is raised to the max of the two, and its
// families, TTPs, and IOCs are unioned; IOC values are deduplicated per type.
func (a *Accumulator) Add(sig *types.Signature) {
	existing, ok := a.byName[sig.Name]
	if !ok {
		clone := *sig
		clone.Families = append([]string(nil), sig.Families...)
		clone.TTPs = append([]string(nil), sig.TTPs...)
		clone.IOCs = cloneIOCs(sig.IOCs)
		a.byName[sig.Name] = &clone
		return
	}

	if sig.Severity > existing.Severity {
		existing.Severity = sig.Severity
	}
	existing.Families = unionStrings(existing.Families, sig.Families)
	existing.TTPs = unionStrings(existing.TTPs, sig.TTPs)
	for kind, values := range sig.IOCs {
		existing.IOCs[kind] = unionStrings(existing.IOCs[kind], values)
	}
}

// Signatures returns the merged signatures, sorted by name for deterministic
// output.
func (a *Accumulator) Signatures() []*types.Signature {
	out := make([]*types.Signature, 0, len(a.byName))
	for _, sig := range a.byName {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneIOCs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for kind, values := range in {
		out[kind] = append([]string(nil), values...)
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
