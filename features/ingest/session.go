package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"medrag/apps/ingest/features/history"
	"medrag/apps/ingest/internal/config"
	"medrag/apps/ingest/internal/pipeline"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNoDecisionPending = errors.New("job is not waiting for a decision")
)

// PipelineAPI is the slice of the processing-service client the session
// needs. *pipeline.Client satisfies it.
type PipelineAPI interface {
	Check(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.CheckResult, error)
	Process(ctx context.Context, req pipeline.ProcessRequest) error
	TailLogs(ctx context.Context, limit int) ([]string, error)
	DeleteRawFile(ctx context.Context, name string) error
}

type EventStream interface {
	Events() <-chan pipeline.Event
	Close() error
}

type StreamDialer interface {
	Connect(ctx context.Context) (EventStream, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type HistoryRecorder interface {
	Record(ctx context.Context, rec *history.Record) error
}

// Mode selects how progress is tracked.
type Mode string

const (
	// ModeStream consumes the pipeline WebSocket. Frames carry no job id,
	// so jobs are dispatched strictly one at a time.
	ModeStream Mode = "stream"
	// ModePoll tails the pipeline status log and attributes lines by
	// filename; whole batches may process concurrently.
	ModePoll Mode = "poll"
)

type Options struct {
	Mode         Mode
	PollInterval time.Duration
	TailLimit    int
	Clean        bool
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeStream
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.TailLimit <= 0 {
		o.TailLimit = 100
	}
	return o
}

// Session owns one ingestion batch: the ordered jobs, the queue cursor, the
// single WebSocket subscription and the poll ticker. It is not a singleton;
// independent sessions can run side by side.
type Session struct {
	api      PipelineAPI
	dialer   StreamDialer
	resolver *Resolver
	pub      EventPublisher
	recorder HistoryRecorder
	logger   *slog.Logger
	opts     Options

	mu        sync.Mutex
	jobs      []*Job
	byID      map[string]*Job
	stream    EventStream
	streamJob string
	polling   bool
	closed    bool
}

func NewSession(api PipelineAPI, dialer StreamDialer, pub EventPublisher, recorder HistoryRecorder, logger *slog.Logger, opts Options) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		api:      api,
		dialer:   dialer,
		resolver: NewResolver(api),
		pub:      pub,
		recorder: recorder,
		logger:   logger,
		opts:     opts.withDefaults(),
		byID:     make(map[string]*Job),
	}
}

// Add registers a new pending job for the given source. The source is
// validated here so the queue never sees a malformed job.
func (s *Session) Add(src Source, phases PhaseSet) (JobView, error) {
	if err := src.validate(); err != nil {
		return JobView{}, err
	}
	if phases.none() {
		return JobView{}, fmt.Errorf("at least one phase must be selected")
	}

	job := newJob(src, phases)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return JobView{}, fmt.Errorf("session is closed")
	}
	s.jobs = append(s.jobs, job)
	s.byID[job.ID] = job
	return viewOf(job), nil
}

// Run drives the queue: pending jobs are resolved and dispatched in
// submission order. A detected conflict suspends the whole scan until the
// user decides; Decide re-runs the scan from the head of the list, so jobs
// left pending by earlier suspensions are picked up again.
func (s *Session) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		if s.opts.Mode == ModeStream && s.anyProcessingLocked() {
			// The stream is attributed to an in-flight job; dispatching
			// another would make its frames unattributable.
			s.mu.Unlock()
			return nil
		}
		job := s.nextPendingLocked()
		if job == nil {
			s.mu.Unlock()
			return nil
		}
		job.Status = StatusChecking
		id := job.ID
		src := job.Source
		s.mu.Unlock()

		res, err := s.resolver.Resolve(ctx, src)

		s.mu.Lock()
		job, ok := s.byID[id]
		if !ok {
			// Cancelled while the check was in flight.
			s.mu.Unlock()
			continue
		}
		if err != nil {
			// Proceeding blind here risks silent overwrites, so a failed
			// check fails the job; the scan moves on to the next one.
			job.fail(fmt.Sprintf("existence check failed: %v", err))
			out := outcomeOf(job)
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "existence check failed", "job_id", id, "name", src.Name, "error", err)
			s.notify(out)
			continue
		}

		job.PhysicalName = res.PhysicalName
		if res.DisplayName != "" {
			job.DisplayName = res.DisplayName
		}
		job.SizeBytes = res.SizeBytes
		job.Pages = res.Pages
		job.Exists = res.Exists

		if res.Exists {
			// Human-in-the-loop gate: suspend the whole batch until the
			// user chooses overwrite or reuse. No timeout.
			job.Status = StatusWaitingForDecision
			s.mu.Unlock()
			s.logger.InfoContext(ctx, "document already indexed, awaiting decision",
				"job_id", id, "name", res.DisplayName, "count", res.Count)
			return nil
		}

		job.Overwrite = OverwriteReuse
		s.mu.Unlock()
		s.dispatch(ctx, id)
	}
}

// Decide resolves a pending overwrite conflict and resumes the queue.
func (s *Session) Decide(ctx context.Context, id string, overwrite bool) error {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusWaitingForDecision {
		s.mu.Unlock()
		return ErrNoDecisionPending
	}
	if overwrite {
		job.Overwrite = OverwriteReprocess
	} else {
		job.Overwrite = OverwriteReuse
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "conflict resolved", "job_id", id, "overwrite", overwrite)
	s.dispatch(ctx, id)
	return s.Run(ctx)
}

// Cancel abandons a job and removes it from the active set. If the backend
// already normalized an artifact for a job that never reached processing,
// its raw file is deleted best-effort. A processing job merely stops being
// observed; the backend keeps working on it.
func (s *Session) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	physical := job.PhysicalName
	dispatched := job.Status == StatusProcessing
	localPath := ""
	if job.Source.Kind == SourceFile {
		localPath = job.Source.Path
	}

	delete(s.byID, id)
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	if s.streamJob == id {
		s.closeStreamLocked()
	}
	s.mu.Unlock()

	if !dispatched && physical != "" {
		if err := s.api.DeleteRawFile(ctx, physical); err != nil {
			s.logger.WarnContext(ctx, "failed to delete abandoned artifact", "name", physical, "error", err)
		}
	}
	if localPath != "" {
		_ = os.Remove(localPath)
	}

	s.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

// dispatch submits one job for processing. The call is fire-and-forget with
// respect to completion: acceptance only means progress will arrive
// asynchronously. In stream mode the event subscription is attached before
// the POST so early frames cannot be lost.
func (s *Session) dispatch(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !job.Overwrite.Resolved() {
		job.fail("internal: dispatched before overwrite decision")
		s.mu.Unlock()
		return
	}

	if s.opts.Mode == ModeStream {
		s.closeStreamLocked()
		s.mu.Unlock()

		st, err := s.dialer.Connect(ctx)

		s.mu.Lock()
		job, ok = s.byID[id]
		if !ok {
			if err == nil {
				st.Close()
			}
			s.mu.Unlock()
			return
		}
		if err != nil {
			job.fail(fmt.Sprintf("cannot subscribe to pipeline events: %v", err))
			out := outcomeOf(job)
			s.mu.Unlock()
			s.notify(out)
			return
		}
		s.stream = st
		s.streamJob = id
		go s.consume(st, id)
	}

	job.Status = StatusProcessing
	job.CurrentAction = "Dispatching to pipeline..."
	req := s.processRequest(job)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "dispatching job", "job_id", id, "name", req.FileName, "url", req.URL,
		"overwrite", req.Overwrite)

	s.ensurePolling()
	go s.await(ctx, id, req)
}

// await holds the processing request open. The backend keeps the connection
// until the run finishes, so completion is observed through the tracker, not
// here; only a rejected or aborted request fails the job from this side.
func (s *Session) await(ctx context.Context, id string, req pipeline.ProcessRequest) {
	err := s.api.Process(ctx, req)
	if err == nil {
		return
	}

	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok || job.terminal() {
		s.mu.Unlock()
		return
	}
	job.fail(dispatchErrorMessage(err))
	if s.streamJob == id {
		s.closeStreamLocked()
	}
	out := outcomeOf(job)
	mode := s.opts.Mode
	s.mu.Unlock()

	s.logger.ErrorContext(ctx, "dispatch failed", "job_id", id, "error", err)
	s.notify(out)
	if mode == ModeStream {
		go s.resume()
	}
}

func (s *Session) processRequest(job *Job) pipeline.ProcessRequest {
	req := pipeline.ProcessRequest{
		Overwrite: job.Overwrite.Bool(),
		Split:     job.Phases.Split,
		OCR:       job.Phases.OCR,
		Embed:     job.Phases.Embed,
		Clean:     s.opts.Clean,
	}
	if job.Source.Kind == SourceFile {
		req.FilePath = job.Source.Path
		req.FileName = job.Source.Name
	} else {
		req.URL = job.Source.URL
	}
	return req
}

// dispatchErrorMessage keeps the backend's raw error body verbatim so the UI
// shows exactly what the backend said.
func dispatchErrorMessage(err error) string {
	var be *pipeline.BackendError
	if errors.As(err, &be) {
		return be.Body
	}
	return err.Error()
}

func (s *Session) resume() {
	if err := s.Run(context.Background()); err != nil {
		s.logger.Error("failed to resume queue", "error", err)
	}
}

// Close releases the stream subscription and stops background tracking.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.closeStreamLocked()
	s.mu.Unlock()
}

func (s *Session) closeStreamLocked() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
		s.streamJob = ""
	}
}

func (s *Session) nextPendingLocked() *Job {
	for _, j := range s.jobs {
		if j.Status == StatusPending {
			return j
		}
	}
	return nil
}

func (s *Session) anyProcessingLocked() bool {
	for _, j := range s.jobs {
		if j.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// outcome is the minimal copy of a terminal job taken under the lock, so
// notifications never touch live job state.
type outcome struct {
	jobID      string
	name       string
	sourceType string
	status     Status
	detail     string
}

func outcomeOf(j *Job) outcome {
	o := outcome{
		jobID:      j.ID,
		name:       j.DisplayName,
		sourceType: string(j.Source.Kind),
		status:     j.Status,
	}
	if j.Status == StatusError {
		o.detail = j.CurrentAction
	}
	return o
}

// notify surfaces a terminal job: completed documents are announced on NSQ
// for the library listing to refresh, and both outcomes are recorded in the
// ingestion history. Both are best-effort.
func (s *Session) notify(o outcome) {
	ctx := context.Background()

	if o.status == StatusCompleted && s.pub != nil {
		payload, _ := json.Marshal(map[string]string{
			"job_id": o.jobID,
			"name":   o.name,
		})
		if err := s.pub.Publish(config.TopicDocumentIndexed, payload); err != nil {
			s.logger.Error("failed to publish document indexed event", "name", o.name, "error", err)
		} else {
			s.logger.Info("published document indexed event", "name", o.name)
		}
	}

	if s.recorder != nil {
		rec := &history.Record{
			JobID:      o.jobID,
			Name:       o.name,
			SourceType: o.sourceType,
			Status:     string(o.status),
			Detail:     o.detail,
		}
		if err := s.recorder.Record(ctx, rec); err != nil {
			s.logger.Warn("failed to record ingestion outcome", "job_id", o.jobID, "error", err)
		}
	}
}

// JobView is the read-only projection exposed to the UI layer.
type JobView struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	PhysicalName  string                `json:"physical_name,omitempty"`
	SourceType    SourceKind            `json:"source_type"`
	SizeBytes     int64                 `json:"size_bytes"`
	Pages         int                   `json:"pages"`
	Exists        bool                  `json:"exists"`
	Status        Status                `json:"status"`
	Overwrite     *bool                 `json:"overwrite,omitempty"`
	Phases        map[string]PhaseState `json:"phases"`
	CurrentAction string                `json:"current_action"`
	Log           []string              `json:"log"`
}

func viewOf(j *Job) JobView {
	v := JobView{
		ID:            j.ID,
		Name:          j.DisplayName,
		PhysicalName:  j.PhysicalName,
		SourceType:    j.Source.Kind,
		SizeBytes:     j.SizeBytes,
		Pages:         j.Pages,
		Exists:        j.Exists,
		Status:        j.Status,
		Phases:        make(map[string]PhaseState, len(allPhases)),
		CurrentAction: j.CurrentAction,
		Log:           append([]string(nil), j.Log...),
	}
	if j.Overwrite.Resolved() {
		b := j.Overwrite.Bool()
		v.Overwrite = &b
	}
	for _, p := range allPhases {
		v.Phases[p.String()] = *j.Progress[p]
	}
	return v
}

// Snapshot returns the per-job projections plus the batch-level processing
// flag: true while any job is being checked, awaiting a decision or
// processing.
func (s *Session) Snapshot() ([]JobView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]JobView, 0, len(s.jobs))
	active := false
	for _, j := range s.jobs {
		views = append(views, viewOf(j))
		switch j.Status {
		case StatusChecking, StatusWaitingForDecision, StatusProcessing:
			active = true
		}
	}
	return views, active
}
