package ingest

import (
	"context"
	"strings"
	"time"

	"medrag/apps/ingest/internal/pipeline"
)

// applyStreamEvent folds one pushed frame into the job's projection.
// Frames for a step lower than the last seen one are dropped, which guards
// the monotonic projection against out-of-order delivery.
func applyStreamEvent(j *Job, ev pipeline.Event) {
	if j.terminal() {
		return
	}

	status := strings.ToLower(strings.TrimSpace(ev.Status))
	switch {
	case status == "error":
		if p, ok := phaseFromStep(ev.Step); ok {
			j.applyPhase(p, PhaseError, ev.Message)
		} else {
			j.fail(ev.Message)
		}

	case status == "completed" && (ev.Step >= terminalStep || ev.Message == "Pipeline Finished"):
		j.finish()
		if ev.Message != "" {
			j.CurrentAction = ev.Message
		}

	default:
		if ev.Step > 0 && ev.Step < j.lastStep {
			return
		}
		if ev.Step > j.lastStep {
			j.lastStep = ev.Step
		}
		if ev.Message != "" {
			j.CurrentAction = ev.Message
		}

		p, ok := phaseFromStep(ev.Step)
		if !ok {
			return
		}
		switch status {
		case "completed":
			j.applyPhase(p, PhaseCompleted, ev.Message)
			if j.maybeComplete() {
				j.CurrentAction = "Pipeline Completed"
			}
		case "skipped":
			j.applyPhase(p, PhaseSkipped, ev.Message)
			if j.maybeComplete() {
				j.CurrentAction = "Pipeline Skipped"
			}
		default:
			// running, splitting, ocr, indexing: the phase is underway.
			j.applyPhase(p, PhaseProcessing, "")
		}
	}
}

// applyLogEvent folds one classified log line into the job's projection.
// All transitions are idempotent so replaying the same tail twice converges
// to the same state.
func applyLogEvent(j *Job, ev LogEvent) {
	if j.terminal() {
		return
	}

	switch ev.Kind {
	case EventPhaseStarted:
		j.applyPhase(ev.Phase, PhaseProcessing, "")
		j.CurrentAction = ev.Action
	case EventPhaseCompleted:
		j.applyPhase(ev.Phase, PhaseCompleted, "")
		if j.maybeComplete() {
			j.CurrentAction = "Pipeline Completed"
		}
	case EventPhaseSkipped:
		j.applyPhase(ev.Phase, PhaseSkipped, "")
		if j.maybeComplete() {
			j.CurrentAction = "Pipeline Skipped"
		}
	case EventPhaseFailed:
		j.applyPhase(ev.Phase, PhaseError, ev.Action)
	case EventAction:
		j.CurrentAction = ev.Action
	}
}

// consume drains a stream until it closes, attributing every frame to the
// single job the stream was opened for.
func (s *Session) consume(st EventStream, jobID string) {
	for ev := range st.Events() {
		s.handleStreamEvent(jobID, ev)
	}

	s.mu.Lock()
	if s.stream == st {
		s.stream = nil
		s.streamJob = ""
	}
	s.mu.Unlock()
}

func (s *Session) handleStreamEvent(jobID string, ev pipeline.Event) {
	s.mu.Lock()
	job := s.byID[jobID]
	if job == nil || job.terminal() {
		s.mu.Unlock()
		return
	}

	applyStreamEvent(job, ev)

	var out *outcome
	if job.terminal() {
		o := outcomeOf(job)
		out = &o
		if s.streamJob == jobID {
			s.closeStreamLocked()
		}
	}
	s.mu.Unlock()

	if out != nil {
		s.notify(*out)
		if s.opts.Mode == ModeStream {
			// The stream is free again; pick up the next pending job.
			go s.resume()
		}
	}
}

// ensurePolling starts the log-tail poller if it is not already running.
// The poller exists only while some job is processing; it stops itself once
// none remain.
func (s *Session) ensurePolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Mode != ModePoll || s.polling || s.closed {
		return
	}
	if !s.anyProcessingLocked() {
		return
	}
	s.polling = true
	go s.pollLoop()
}

func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		if s.closed || !s.anyProcessingLocked() {
			s.polling = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		lines, err := s.api.TailLogs(context.Background(), s.opts.TailLimit)
		if err != nil {
			// A failed poll never fails a job; only backend-reported phase
			// errors do.
			s.logger.Warn("status poll failed", "error", err)
			continue
		}
		s.applyTail(lines)
	}
}

// applyTail attributes a polled log tail across all processing jobs. Lines
// are matched by filename stem, so jobs with overlapping names can pick up
// each other's lines; that limitation is inherent to the log format.
func (s *Session) applyTail(lines []string) {
	var outs []outcome

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Status != StatusProcessing {
			continue
		}
		stem := job.stem()
		for _, line := range lines {
			if !strings.Contains(line, stem) && !strings.Contains(line, job.Source.Name) {
				continue
			}
			job.appendLog(line)
			if job.terminal() {
				continue
			}
			if ev, ok := Classify(line); ok {
				applyLogEvent(job, ev)
				if job.terminal() {
					outs = append(outs, outcomeOf(job))
				}
			}
		}
	}
	s.mu.Unlock()

	for _, o := range outs {
		s.notify(o)
	}
}
