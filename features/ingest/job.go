// Package ingest drives documents through the processing pipeline: existence
// check, overwrite conflict resolution, dispatch, progress tracking and the
// projection consumed by the UI.
package ingest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceURL  SourceKind = "url"
)

// Source is the user-supplied input: an uploaded PDF already saved under the
// upload dir, or a remote URL the backend will fetch itself.
type Source struct {
	Kind SourceKind
	Name string // submitted filename, or the raw URL
	Path string // local path of the uploaded file
	Size int64
	URL  string
}

func (s Source) validate() error {
	switch s.Kind {
	case SourceFile:
		if s.Path == "" || s.Name == "" {
			return fmt.Errorf("file source needs a saved path and a name")
		}
		if !strings.EqualFold(filepath.Ext(s.Name), ".pdf") {
			return fmt.Errorf("unsupported file type %q, only PDF is accepted", filepath.Ext(s.Name))
		}
	case SourceURL:
		u, err := url.ParseRequestURI(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid url scheme %q", u.Scheme)
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

// Phase is one stage of backend processing, numbered the way the backend
// numbers its steps.
type Phase int

const (
	PhaseSplit Phase = 1
	PhaseOCR   Phase = 2
	PhaseEmbed Phase = 3
)

// terminalStep is the sentinel step number the backend pushes once the whole
// pipeline has finished.
const terminalStep = 4

func (p Phase) String() string {
	switch p {
	case PhaseSplit:
		return "split"
	case PhaseOCR:
		return "ocr"
	case PhaseEmbed:
		return "embed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func phaseFromStep(step int) (Phase, bool) {
	if step >= int(PhaseSplit) && step <= int(PhaseEmbed) {
		return Phase(step), true
	}
	return 0, false
}

var allPhases = []Phase{PhaseSplit, PhaseOCR, PhaseEmbed}

// PhaseSet selects which stages to run.
type PhaseSet struct {
	Split bool `json:"split"`
	OCR   bool `json:"ocr"`
	Embed bool `json:"embed"`
}

func AllPhases() PhaseSet {
	return PhaseSet{Split: true, OCR: true, Embed: true}
}

func (ps PhaseSet) Has(p Phase) bool {
	switch p {
	case PhaseSplit:
		return ps.Split
	case PhaseOCR:
		return ps.OCR
	case PhaseEmbed:
		return ps.Embed
	}
	return false
}

func (ps PhaseSet) none() bool {
	return !ps.Split && !ps.OCR && !ps.Embed
}

type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseProcessing PhaseStatus = "processing"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseError      PhaseStatus = "error"
)

func (s PhaseStatus) terminal() bool {
	return s == PhaseCompleted || s == PhaseSkipped || s == PhaseError
}

type PhaseState struct {
	Status  PhaseStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusChecking           Status = "checking"
	StatusWaitingForDecision Status = "waiting_for_decision"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

// Overwrite is tri-state: a job must not be dispatched until it leaves
// OverwriteUnknown.
type Overwrite int

const (
	OverwriteUnknown Overwrite = iota
	OverwriteReuse
	OverwriteReprocess
)

func (o Overwrite) Resolved() bool { return o != OverwriteUnknown }

func (o Overwrite) Bool() bool { return o == OverwriteReprocess }

// Job is one document's journey through the pipeline. All mutation happens
// under the owning Session's lock.
type Job struct {
	ID           string
	Source       Source
	DisplayName  string
	PhysicalName string
	Phases       PhaseSet
	Overwrite    Overwrite

	Status        Status
	Progress      map[Phase]*PhaseState
	CurrentAction string
	Log           []string

	// Conflict metadata from the existence check.
	SizeBytes int64
	Pages     int
	Exists    bool

	lastStep int
	seen     map[string]struct{}
}

func newJob(src Source, phases PhaseSet) *Job {
	j := &Job{
		ID:            uuid.New().String(),
		Source:        src,
		DisplayName:   src.Name,
		Phases:        phases,
		Status:        StatusPending,
		Progress:      make(map[Phase]*PhaseState, len(allPhases)),
		CurrentAction: "Initializing...",
		seen:          make(map[string]struct{}),
	}
	for _, p := range allPhases {
		j.Progress[p] = &PhaseState{Status: PhasePending}
	}
	return j
}

func (j *Job) terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusError
}

// stem is the filename without its .pdf extension, the key used to attribute
// shared log lines to this job.
func (j *Job) stem() string {
	name := j.Source.Name
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		name = name[:len(name)-len(filepath.Ext(name))]
	}
	return name
}

// applyPhase applies one phase transition, enforcing monotonicity:
// pending -> processing -> {completed|skipped|error}, never backwards.
// Re-applying the current state is a no-op, which keeps log replay and
// repeated polls idempotent. Returns whether anything changed.
func (j *Job) applyPhase(p Phase, target PhaseStatus, msg string) bool {
	if j.terminal() {
		return false
	}
	state, ok := j.Progress[p]
	if !ok {
		return false
	}
	if state.Status == target {
		return false
	}
	if state.Status.terminal() {
		return false
	}
	if target == PhasePending {
		return false
	}

	state.Status = target
	if msg != "" {
		state.Message = msg
	}

	if target == PhaseError {
		text := msg
		if text == "" {
			text = fmt.Sprintf("Phase %d (%s) failed", int(p), p)
		}
		j.fail(text)
	}
	return true
}

// fail moves the job to its terminal error state. Phase progress is frozen
// as-is: the failing phase stays at error, later phases stay pending.
func (j *Job) fail(msg string) {
	if j.terminal() {
		return
	}
	j.Status = StatusError
	if msg != "" {
		j.CurrentAction = msg
	}
}

// maybeComplete promotes the job to completed once every selected phase is
// completed or skipped.
func (j *Job) maybeComplete() bool {
	if j.Status != StatusProcessing {
		return false
	}
	for _, p := range allPhases {
		if !j.Phases.Has(p) {
			continue
		}
		st := j.Progress[p].Status
		if st != PhaseCompleted && st != PhaseSkipped {
			return false
		}
	}
	j.Status = StatusCompleted
	return true
}

// finish force-completes the job on the backend's terminal marker, resolving
// any selected phase the event stream never reported individually.
func (j *Job) finish() {
	if j.terminal() {
		return
	}
	for _, p := range allPhases {
		if !j.Phases.Has(p) {
			continue
		}
		if !j.Progress[p].Status.terminal() {
			j.Progress[p].Status = PhaseCompleted
		}
	}
	j.Status = StatusCompleted
}

// appendLog appends a raw backend line, deduplicating with set semantics so
// polling the same tail twice leaves the log unchanged.
func (j *Job) appendLog(line string) bool {
	if _, ok := j.seen[line]; ok {
		return false
	}
	j.seen[line] = struct{}{}
	j.Log = append(j.Log, line)
	return true
}
