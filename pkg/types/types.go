package types

import (
	"fmt"
	"time"
)

// Analysis is the top-level unit of work submitted by a user: one target
// (file or URL) plus the settings that control how it is examined and the
// set of tasks generated to examine it.
type Analysis struct {
	ID         string
	CreatedOn  time.Time
	Target     Target
	Settings   *Settings
	Category   string // "file" or "url", mirrors Target.Kind()
	State      AnalysisState
	TaskIDs    []string
	Signatures []*Signature
	Error      string
}

// AnalysisState tracks the identification/selection/pre-processing pipeline
// an analysis moves through before any task is scheduled.
type AnalysisState string

const (
	AnalysisPendingIdentification AnalysisState = "pending_identification"
	AnalysisWaitingManual         AnalysisState = "waiting_manual"
	AnalysisNoSelected            AnalysisState = "no_selected"
	AnalysisPendingPre            AnalysisState = "pending_pre"
	AnalysisCompletedPre          AnalysisState = "completed_pre"
	AnalysisFatalError            AnalysisState = "fatal_error"
)

// Target is an explicit sum type over the two kinds of thing an analysis can
// examine. There is no duck typing here: every implementation reports its
// own Kind so callers can switch on it instead of type-asserting blindly.
type Target interface {
	Kind() string
}

// TargetFile is a target backed by a file on disk, identified by its sha256.
type TargetFile struct {
	SHA256   string
	Filename string
	FileType string
	Size     int64
}

func (TargetFile) Kind() string { return "file" }

// TargetURL is a target that is itself a URL to be visited.
type TargetURL struct {
	URL string
}

func (TargetURL) Kind() string { return "url" }

// PlatformSelector names one platform/OS/tag combination a task may run on.
// Used both for explicit platform lists in Settings and for a task's own
// resolved placement requirement.
type PlatformSelector struct {
	Platform  string
	OSVersion string
	Tags      []string
}

// Settings carries everything a user can configure about how an analysis is
// run. Zero values mean "use the configured default" throughout.
type Settings struct {
	Timeout          int // seconds, 0 means configured default
	EnforceTimeout   bool
	Manual           bool
	MemoryDump       bool
	Options          map[string]string
	Machines         []string // explicit machine names, bypasses platform selection
	Platforms        []PlatformSelector
	MachineTags      []string
	ExtractionPath   string
	Priority         int
}

// Machine is one hypervisor-managed guest the machinery manager can start,
// stop, and assign work to.
type Machine struct {
	Name        string
	Label       string
	Platform    string
	OSVersion   string
	Tags        []string
	IP          string
	Locked      bool
	LockedBy    string // task ID currently holding the machine
	Disabled    bool
	DisableMsg  string
	Interface   string
	Snapshot    string
}

// NodeInfo describes one node (local or remote) the scheduler can place
// tasks on, as reported by that node's own Node implementation.
type NodeInfo struct {
	Name      string
	Machines  []Machine
	Local     bool
	BaseURL   string // empty for the local node
	LastSeen  time.Time
}

// Task is one scheduled unit of work against a single machine: analyze a
// target, or run some other machine-bound job kind.
type Task struct {
	ID          string
	Kind        string // "analysis" or other task kinds the queue accepts
	AnalysisID  string
	CreatedOn   time.Time
	Priority    int
	Platform    string
	OSVersion   string
	MachineTags []string
	Route       string
	DephashHex  string
	Scheduled   bool

	// Runtime fields, populated once the task is assigned and started.
	MachineName string
	NodeName    string
	State       TaskState
	StartedOn   time.Time
	StoppedOn   time.Time
	Error       string
}

// TaskState is the lifecycle of a task once the scheduler has picked it up.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateRunning   TaskState = "running"
	TaskStateStopping  TaskState = "stopping"
	TaskStateReported  TaskState = "reported"
	TaskStateFailed    TaskState = "failed"
)

// Dephash computes the dependency hash used by the queue to fast-skip tasks
// that need a machine no available machine can currently satisfy. It mirrors
// update_dephash in the teacher's original task-queue: an md5 of the
// platform/os/sorted-tags/route tuple, truncated to the first 12 hex digits.
func (t *Task) Dephash() string {
	tags := append([]string(nil), t.MachineTags...)
	sortStrings(tags)
	raw := fmt.Sprintf("(%s, %s, %s, %s)", t.Platform, t.OSVersion, joinTags(tags), t.Route)
	return hashPrefix(raw)
}

func joinTags(tags []string) string {
	out := ""
	for i, tag := range tags {
		if i > 0 {
			out += ","
		}
		out += tag
	}
	return out
}

// Signature is one matched behavioral indicator, with IOCs merged by name
// across repeated matches within the same analysis (see pkg/signature).
type Signature struct {
	Name        string
	Description string
	Severity    int
	Families    []string
	TTPs        []string
	IOCs        map[string][]string // IOC type -> values
}

// ProcessingResult is the write-once result bag a processing job fills in.
// Writing an already-present key is a programming error, not a runtime
// condition a caller should need to handle, so Set panics on collision; the
// processing worker's job runner recovers and logs it as a bug.
type ProcessingResult struct {
	data map[string]any
}

// NewProcessingResult returns an empty result bag ready for Set.
func NewProcessingResult() *ProcessingResult {
	return &ProcessingResult{data: make(map[string]any)}
}

// Set stores value under key. Panics if key was already set.
func (r *ProcessingResult) Set(key string, value any) {
	if _, exists := r.data[key]; exists {
		panic(fmt.Sprintf("processing result key %q set twice", key))
	}
	r.data[key] = value
}

// Get returns the value stored under key, if any.
func (r *ProcessingResult) Get(key string) (any, bool) {
	v, ok := r.data[key]
	return v, ok
}

// Keys returns the set of keys currently populated, in no particular order.
func (r *ProcessingResult) Keys() []string {
	keys := make([]string, 0, len(r.data))
	for k := range r.data {
		keys = append(keys, k)
	}
	return keys
}
