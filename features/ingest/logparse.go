package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// EventKind tags a classified log line. Keeping the classifier a pure
// line -> event function isolates the brittle substring matching from the
// state machine itself.
type EventKind int

const (
	EventPhaseStarted EventKind = iota
	EventPhaseCompleted
	EventPhaseSkipped
	EventPhaseFailed
	EventAction
)

type LogEvent struct {
	Kind   EventKind
	Phase  Phase
	Action string
}

// Phase marker substrings emitted by the backend's pipeline logger, format
// "PHASE: <name> | STATUS: <status> | <details>".
var phaseMarkers = []struct {
	marker string
	phase  Phase
	action string
}{
	{"PHASE: Split", PhaseSplit, "Starting Split Phase..."},
	{"PHASE: OCR", PhaseOCR, "Starting OCR Phase..."},
	{"PHASE: Embedding", PhaseEmbed, "Starting Embedding Phase..."},
}

// Free-text sub-step markers, mapped to the action line shown in the UI.
var actionMarkers = []struct {
	marker string
	action string
}{
	{"Extracting metadata", "Extracting Metadata..."},
	{"Splitting...", "Splitting PDF..."},
	{"Created:", "Created Chunk..."},
	{"Uploading", "Uploading to OCR service..."},
	{"Requesting OCR", "Requesting OCR..."},
	{"OCR Done", "OCR Completed"},
	{"Parsing markdown", "Parsing Markdown..."},
	{"VERIFY", "Verifying Index..."},
}

var indexingRe = regexp.MustCompile(`Indexing ([\d,]+) chunks`)

// Classify decides what a single backend log line means for a job's
// progress. It is best-effort by nature: the backend's log is free text and
// lines are attributed to jobs purely by filename substring upstream.
func Classify(line string) (LogEvent, bool) {
	for _, pm := range phaseMarkers {
		if !strings.Contains(line, pm.marker) {
			continue
		}
		switch {
		case strings.Contains(line, "STARTED"):
			return LogEvent{Kind: EventPhaseStarted, Phase: pm.phase, Action: pm.action}, true
		case strings.Contains(line, "COMPLETED"):
			return LogEvent{Kind: EventPhaseCompleted, Phase: pm.phase}, true
		case strings.Contains(line, "SKIPPED"):
			return LogEvent{Kind: EventPhaseSkipped, Phase: pm.phase}, true
		case strings.Contains(line, "FAILED"), strings.Contains(line, "ERROR"):
			return LogEvent{Kind: EventPhaseFailed, Phase: pm.phase, Action: line}, true
		}
		return LogEvent{}, false
	}

	if m := indexingRe.FindStringSubmatch(line); m != nil {
		return LogEvent{Kind: EventAction, Action: fmt.Sprintf("Indexing %s Chunks...", m[1])}, true
	}
	if strings.Contains(line, "Indexing") {
		return LogEvent{Kind: EventAction, Action: "Indexing Chunks..."}, true
	}

	for _, am := range actionMarkers {
		if strings.Contains(line, am.marker) {
			return LogEvent{Kind: EventAction, Action: am.action}, true
		}
	}
	return LogEvent{}, false
}
