package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/apps/ingest/features/history"
	"medrag/apps/ingest/internal/config"
	"medrag/apps/ingest/internal/pipeline"
)

type fakeAPI struct {
	mu        sync.Mutex
	checkFn   func(req pipeline.ProcessRequest) (*pipeline.CheckResult, error)
	processFn func(req pipeline.ProcessRequest) error
	tailFn    func(limit int) ([]string, error)
	processed []pipeline.ProcessRequest
	deleted   []string
}

func (f *fakeAPI) Check(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.CheckResult, error) {
	if f.checkFn != nil {
		return f.checkFn(req)
	}
	return &pipeline.CheckResult{Filename: req.FileName, DisplayName: req.FileName}, nil
}

func (f *fakeAPI) Process(ctx context.Context, req pipeline.ProcessRequest) error {
	f.mu.Lock()
	f.processed = append(f.processed, req)
	f.mu.Unlock()
	if f.processFn != nil {
		return f.processFn(req)
	}
	return nil
}

func (f *fakeAPI) TailLogs(ctx context.Context, limit int) ([]string, error) {
	if f.tailFn != nil {
		return f.tailFn(limit)
	}
	return nil, nil
}

func (f *fakeAPI) DeleteRawFile(ctx context.Context, name string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func (f *fakeAPI) lastProcessed() pipeline.ProcessRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[len(f.processed)-1]
}

type fakeStream struct {
	ch   chan pipeline.Event
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan pipeline.Event, 16)}
}

func (f *fakeStream) Events() <-chan pipeline.Event { return f.ch }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
}

func (d *fakeDialer) Connect(ctx context.Context) (EventStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	st := newFakeStream()
	d.streams = append(d.streams, st)
	return st, nil
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func (p *fakePublisher) body(i int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bodies[i]
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (r *fakeRecorder) Record(ctx context.Context, rec *history.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *fakeRecorder) recorded() []history.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Record(nil), r.records...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fileSource(name string) Source {
	return Source{Kind: SourceFile, Name: name, Path: "/tmp/" + name, Size: 1024}
}

func jobByID(t *testing.T, s *Session, id string) JobView {
	t.Helper()
	views, _ := s.Snapshot()
	for _, v := range views {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("job %s not in snapshot", id)
	return JobView{}
}

func waitForStatus(t *testing.T, s *Session, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		views, _ := s.Snapshot()
		for _, v := range views {
			if v.ID == id {
				return v.Status == want
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

func TestSession_NewDocumentFullRun(t *testing.T) {
	api := &fakeAPI{}
	dialer := &fakeDialer{}
	pub := &fakePublisher{}
	rec := &fakeRecorder{}
	s := NewSession(api, dialer, pub, rec, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	view, err := s.Add(fileSource("report.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	waitForStatus(t, s, view.ID, StatusProcessing)
	require.Eventually(t, func() bool { return api.processedCount() == 1 }, time.Second, 5*time.Millisecond)
	req := api.lastProcessed()
	assert.Equal(t, "report.pdf", req.FileName)
	assert.False(t, req.Overwrite)
	assert.True(t, req.Split)

	st := dialer.last()
	require.NotNil(t, st)
	st.ch <- pipeline.Event{Step: 1, Status: "running", Message: "Splitting"}
	st.ch <- pipeline.Event{Step: 1, Status: "completed"}
	st.ch <- pipeline.Event{Step: 2, Status: "completed"}
	st.ch <- pipeline.Event{Step: 3, Status: "completed"}

	waitForStatus(t, s, view.ID, StatusCompleted)

	v := jobByID(t, s, view.ID)
	for _, p := range allPhases {
		assert.Equal(t, PhaseCompleted, v.Phases[p.String()].Status)
	}

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, config.TopicDocumentIndexed, pub.published()[0])
	var payload map[string]string
	require.NoError(t, json.Unmarshal(pub.body(0), &payload))
	assert.Equal(t, "report.pdf", payload["name"])

	recs := rec.recorded()
	require.Len(t, recs, 1)
	assert.Equal(t, string(StatusCompleted), recs[0].Status)
}

func TestSession_ConflictRoundTrip(t *testing.T) {
	api := &fakeAPI{
		checkFn: func(req pipeline.ProcessRequest) (*pipeline.CheckResult, error) {
			return &pipeline.CheckResult{
				Filename:    "report.pdf",
				DisplayName: "Annual Report",
				Exists:      true,
				Count:       57,
				Stats:       pipeline.CheckStats{Size: 2048, Pages: 12},
			}, nil
		},
	}
	dialer := &fakeDialer{}
	s := NewSession(api, dialer, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	view, err := s.Add(fileSource("report.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	v := jobByID(t, s, view.ID)
	assert.Equal(t, StatusWaitingForDecision, v.Status)
	assert.Equal(t, "Annual Report", v.Name)
	assert.True(t, v.Exists)
	assert.Equal(t, 12, v.Pages)
	assert.Equal(t, int64(2048), v.SizeBytes)

	// No dispatch until the user decides; the batch is suspended.
	assert.Equal(t, 0, api.processedCount())

	require.NoError(t, s.Decide(context.Background(), view.ID, true))

	require.Eventually(t, func() bool { return api.processedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, api.lastProcessed().Overwrite)

	st := dialer.last()
	require.NotNil(t, st)
	st.ch <- pipeline.Event{Step: 4, Status: "completed", Message: "Pipeline Finished"}
	waitForStatus(t, s, view.ID, StatusCompleted)
}

func TestSession_DecideErrors(t *testing.T) {
	s := NewSession(&fakeAPI{}, &fakeDialer{}, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	err := s.Decide(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrJobNotFound)

	view, err := s.Add(fileSource("a.pdf"), AllPhases())
	require.NoError(t, err)
	err = s.Decide(context.Background(), view.ID, true)
	assert.ErrorIs(t, err, ErrNoDecisionPending)
}

func TestSession_DispatchRejected(t *testing.T) {
	api := &fakeAPI{
		processFn: func(req pipeline.ProcessRequest) error {
			return &pipeline.BackendError{StatusCode: 500, Body: "disk full: cannot persist chunks"}
		},
	}
	rec := &fakeRecorder{}
	s := NewSession(api, &fakeDialer{}, nil, rec, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	view, err := s.Add(fileSource("report.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	waitForStatus(t, s, view.ID, StatusError)

	// The backend's response body is surfaced verbatim.
	v := jobByID(t, s, view.ID)
	assert.Equal(t, "disk full: cannot persist chunks", v.CurrentAction)

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(StatusError), rec.recorded()[0].Status)
	assert.Equal(t, "disk full: cannot persist chunks", rec.recorded()[0].Detail)
}

func TestSession_CheckFailureSkipsJob(t *testing.T) {
	calls := 0
	api := &fakeAPI{
		checkFn: func(req pipeline.ProcessRequest) (*pipeline.CheckResult, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}
			return &pipeline.CheckResult{Filename: req.FileName}, nil
		},
	}
	dialer := &fakeDialer{}
	s := NewSession(api, dialer, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	first, err := s.Add(fileSource("broken.pdf"), AllPhases())
	require.NoError(t, err)
	second, err := s.Add(fileSource("fine.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	// The failed check fails its own job, but the scan moves on.
	v := jobByID(t, s, first.ID)
	assert.Equal(t, StatusError, v.Status)
	assert.Contains(t, v.CurrentAction, "connection refused")

	waitForStatus(t, s, second.ID, StatusProcessing)
}

func TestSession_StreamSerializesQueue(t *testing.T) {
	api := &fakeAPI{}
	dialer := &fakeDialer{}
	s := NewSession(api, dialer, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	first, err := s.Add(fileSource("one.pdf"), AllPhases())
	require.NoError(t, err)
	second, err := s.Add(fileSource("two.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	waitForStatus(t, s, first.ID, StatusProcessing)
	// Exactly one dispatch while the stream is attributed to the first job.
	require.Eventually(t, func() bool { return api.processedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusPending, jobByID(t, s, second.ID).Status)

	dialer.last().ch <- pipeline.Event{Step: 4, Status: "completed", Message: "Pipeline Finished"}

	// Completion frees the stream and the queue resumes on its own.
	waitForStatus(t, s, first.ID, StatusCompleted)
	waitForStatus(t, s, second.ID, StatusProcessing)
	require.Eventually(t, func() bool { return api.processedCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dialer.count())
}

func TestSession_StreamConnectFailure(t *testing.T) {
	s := NewSession(&fakeAPI{}, &fakeDialer{err: errors.New("dial tcp: refused")}, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	view, err := s.Add(fileSource("report.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	v := jobByID(t, s, view.ID)
	assert.Equal(t, StatusError, v.Status)
	assert.Contains(t, v.CurrentAction, "cannot subscribe to pipeline events")
}

func TestSession_PollModeTracksBatch(t *testing.T) {
	var tailMu sync.Mutex
	tail := []string{}
	api := &fakeAPI{
		tailFn: func(limit int) ([]string, error) {
			tailMu.Lock()
			defer tailMu.Unlock()
			return append([]string(nil), tail...), nil
		},
	}
	s := NewSession(api, &fakeDialer{}, nil, nil, testLogger(), Options{
		Mode:         ModePoll,
		PollInterval: 5 * time.Millisecond,
	})
	defer s.Close()

	one, err := s.Add(fileSource("alpha.pdf"), AllPhases())
	require.NoError(t, err)
	two, err := s.Add(fileSource("beta.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	// Poll mode dispatches the whole batch without waiting.
	require.Eventually(t, func() bool { return api.processedCount() == 2 }, time.Second, 5*time.Millisecond)

	tailMu.Lock()
	tail = []string{
		"PHASE: Split | STATUS: STARTED | alpha.pdf",
		"PHASE: Split | STATUS: COMPLETED | alpha.pdf",
		"PHASE: OCR | STATUS: SKIPPED | alpha.pdf",
		"PHASE: Embedding | STATUS: STARTED | alpha.pdf",
		"Indexing 99 chunks alpha",
		"PHASE: Embedding | STATUS: COMPLETED | alpha.pdf",
		"PHASE: Split | STATUS: STARTED | beta.pdf",
	}
	tailMu.Unlock()

	waitForStatus(t, s, one.ID, StatusCompleted)

	// Lines are attributed by filename: beta only saw its split start.
	v := jobByID(t, s, two.ID)
	assert.Equal(t, StatusProcessing, v.Status)
	assert.Equal(t, PhaseProcessing, v.Phases[PhaseSplit.String()].Status)

	// Repeated polls of the same tail do not duplicate the job log.
	done := jobByID(t, s, one.ID)
	assert.Len(t, done.Log, 6)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, jobByID(t, s, one.ID).Log, 6)
}

func TestSession_CancelPendingWithArtifact(t *testing.T) {
	api := &fakeAPI{
		checkFn: func(req pipeline.ProcessRequest) (*pipeline.CheckResult, error) {
			return &pipeline.CheckResult{Filename: "report.pdf", Exists: true}, nil
		},
	}
	s := NewSession(api, &fakeDialer{}, nil, nil, testLogger(), Options{Mode: ModeStream})
	defer s.Close()

	view, err := s.Add(fileSource("report.pdf"), AllPhases())
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, StatusWaitingForDecision, jobByID(t, s, view.ID).Status)

	require.NoError(t, s.Cancel(context.Background(), view.ID))

	// The normalized artifact is cleaned up and the job disappears.
	api.mu.Lock()
	deleted := append([]string(nil), api.deleted...)
	api.mu.Unlock()
	assert.Equal(t, []string{"report.pdf"}, deleted)

	views, _ := s.Snapshot()
	assert.Empty(t, views)

	assert.ErrorIs(t, s.Cancel(context.Background(), view.ID), ErrJobNotFound)
}

func TestSession_AddValidation(t *testing.T) {
	s := NewSession(&fakeAPI{}, &fakeDialer{}, nil, nil, testLogger(), Options{})
	defer s.Close()

	_, err := s.Add(Source{Kind: SourceFile, Name: "a.exe", Path: "/tmp/a.exe"}, AllPhases())
	assert.Error(t, err)

	_, err = s.Add(fileSource("a.pdf"), PhaseSet{})
	assert.Error(t, err)
}
