package analysis

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axis-is/cloud-service/internal/cache"
	"github.com/axis-is/cloud-service/internal/config"
	"github.com/axis-is/cloud-service/internal/data"
	"github.com/axis-is/cloud-service/internal/metrics"
	"github.com/axis-is/cloud-service/internal/scene"
	"github.com/axis-is/cloud-service/internal/vision"
)

type stubProvider struct {
	mu    sync.Mutex
	calls []vision.Request

	res   *vision.Result
	err   error
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *stubProvider) Analyze(ctx context.Context, req vision.Request) (*vision.Result, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if cur <= max || s.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func (s *stubProvider) Name() string  { return "claude" }
func (s *stubProvider) Model() string { return "claude-test" }
func (s *stubProvider) Stats() map[string]any {
	return map[string]any{"provider": "claude", "model": "claude-test"}
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Completed
}

func (r *recordingNotifier) AnalysisCompleted(evt Completed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingNotifier) last() Completed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func setupDispatcherTest(t *testing.T) (*scene.Store, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { client.Close() })
	store := scene.NewStore(cache.NewWithClient(client, 30, 600*time.Second), zerolog.Nop())

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return store, db, mock
}

// seedFrames loads n image-bearing entries for cameraID.
func seedFrames(t *testing.T, store *scene.Store, cameraID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ts := int64(i+1) * 1_000_000
		require.NoError(t, store.AddMetadata(ctx, cameraID, scene.Metadata{
			TimestampUs: ts,
			Sequence:    int64(i + 1),
			MotionScore: 0.5,
			ObjectCount: 1,
		}))
		require.NoError(t, store.AddFrameImage(ctx, cameraID, "req-seed", ts, "aW1n"))
	}
}

func TestDispatcherRunsJob(t *testing.T) {
	store, db, mock := setupDispatcherTest(t)
	seedFrames(t, store, "cam-1", 2)

	mock.ExpectQuery("INSERT INTO claude_analyses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	provider := &stubProvider{res: &vision.Result{
		Summary:      "Two cars idling near the gate.",
		FullResponse: []byte(`{"stop_reason": "end_turn"}`),
	}}
	notifier := &recordingNotifier{}
	stats := metrics.NewPipelineStats()

	cfg := config.Default()
	d := NewDispatcher(cfg, provider, store, data.AnalysisModel{DB: db}, stats, notifier, zerolog.Nop())
	d.Start()
	defer d.Stop()

	trigger := scene.Metadata{MotionScore: 0.85, Detections: []scene.Detection{{ClassID: 2, Confidence: 0.9}}}
	require.True(t, d.Enqueue(Job{CameraID: "cam-1", EventID: 42, Trigger: trigger}))

	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	evt := notifier.last()
	assert.Equal(t, int64(7), evt.AnalysisID)
	assert.Equal(t, "cam-1", evt.CameraID)
	assert.Equal(t, int64(42), evt.EventID)
	assert.Equal(t, "Two cars idling near the gate.", evt.Summary)
	assert.Equal(t, 2, evt.FramesAnalyzed)
	assert.Equal(t, "claude", evt.Provider)
	assert.Equal(t, "claude-test", evt.Model)

	assert.Equal(t, uint64(1), stats.AnalysesTriggered.Load())
	assert.Equal(t, uint64(1), stats.AnalysesCompleted.Load())
	assert.Equal(t, uint64(0), stats.AnalysesFailed.Load())

	require.Equal(t, 1, provider.callCount())
	call := provider.calls[0]
	assert.Equal(t, "cam-1", call.CameraID)
	assert.Len(t, call.Frames, 2)
	assert.InDelta(t, 0.85, call.Trigger.MotionScore, 1e-9)
	assert.Equal(t, 2, call.Context.FramesAvailable)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherSkipsCameraWithoutFrames(t *testing.T) {
	store, db, mock := setupDispatcherTest(t)
	seedFrames(t, store, "cam-busy", 1)

	mock.ExpectQuery("INSERT INTO claude_analyses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	provider := &stubProvider{res: &vision.Result{Summary: "ok", FullResponse: []byte(`{}`)}}
	notifier := &recordingNotifier{}
	stats := metrics.NewPipelineStats()

	cfg := config.Default()
	cfg.MaxConcurrentAnalyses = 1 // jobs run in order
	d := NewDispatcher(cfg, provider, store, data.AnalysisModel{DB: db}, stats, notifier, zerolog.Nop())
	d.Start()
	defer d.Stop()

	require.True(t, d.Enqueue(Job{CameraID: "cam-empty", EventID: 1}))
	require.True(t, d.Enqueue(Job{CameraID: "cam-busy", EventID: 2}))

	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the empty camera never reached the provider
	require.Equal(t, 1, provider.callCount())
	assert.Equal(t, "cam-busy", provider.calls[0].CameraID)
	assert.Equal(t, uint64(2), stats.AnalysesTriggered.Load())
	assert.Equal(t, uint64(1), stats.AnalysesCompleted.Load())
	assert.Equal(t, uint64(0), stats.AnalysesFailed.Load())
}

func TestDispatcherProviderFailure(t *testing.T) {
	store, db, _ := setupDispatcherTest(t)
	seedFrames(t, store, "cam-1", 1)

	provider := &stubProvider{err: errors.New("api unavailable")}
	stats := metrics.NewPipelineStats()

	d := NewDispatcher(config.Default(), provider, store, data.AnalysisModel{DB: db}, stats, nil, zerolog.Nop())
	d.Start()
	defer d.Stop()

	require.True(t, d.Enqueue(Job{CameraID: "cam-1", EventID: 5}))

	require.Eventually(t, func() bool { return stats.AnalysesFailed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), stats.AnalysesCompleted.Load())
}

func TestDispatcherQueueFullDrops(t *testing.T) {
	store, db, _ := setupDispatcherTest(t)

	cfg := config.Default()
	cfg.AnalysisQueueSize = 1
	stats := metrics.NewPipelineStats()

	// never started, so the queue cannot drain
	d := NewDispatcher(cfg, &stubProvider{}, store, data.AnalysisModel{DB: db}, stats, nil, zerolog.Nop())

	assert.True(t, d.Enqueue(Job{CameraID: "cam-1"}))
	assert.False(t, d.Enqueue(Job{CameraID: "cam-1"}))
	assert.Equal(t, uint64(1), stats.AnalysesTriggered.Load())
	assert.Equal(t, 1, d.QueueDepth())
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	store, db, mock := setupDispatcherTest(t)
	seedFrames(t, store, "cam-1", 3)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 6; i++ {
		mock.ExpectQuery("INSERT INTO claude_analyses").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(i + 1)))
	}

	provider := &stubProvider{
		res:   &vision.Result{Summary: "ok", FullResponse: []byte(`{}`)},
		delay: 50 * time.Millisecond,
	}
	notifier := &recordingNotifier{}
	stats := metrics.NewPipelineStats()

	cfg := config.Default()
	cfg.MaxConcurrentAnalyses = 2
	d := NewDispatcher(cfg, provider, store, data.AnalysisModel{DB: db}, stats, notifier, zerolog.Nop())
	d.Start()
	defer d.Stop()

	for i := 0; i < 6; i++ {
		require.True(t, d.Enqueue(Job{CameraID: "cam-1", EventID: int64(i)}))
	}

	require.Eventually(t, func() bool { return notifier.count() == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, provider.maxInFlight.Load(), int32(2))
	assert.Equal(t, uint64(6), stats.AnalysesCompleted.Load())
}

func TestDispatcherStop(t *testing.T) {
	store, db, mock := setupDispatcherTest(t)
	seedFrames(t, store, "cam-1", 1)

	mock.ExpectQuery("INSERT INTO claude_analyses").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	provider := &stubProvider{res: &vision.Result{Summary: "ok", FullResponse: []byte(`{}`)}}
	notifier := &recordingNotifier{}
	stats := metrics.NewPipelineStats()

	d := NewDispatcher(config.Default(), provider, store, data.AnalysisModel{DB: db}, stats, notifier, zerolog.Nop())
	d.Start()

	require.True(t, d.Enqueue(Job{CameraID: "cam-1", EventID: 1}))
	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop() // idempotent

	assert.False(t, d.Enqueue(Job{CameraID: "cam-1", EventID: 2}))
}
