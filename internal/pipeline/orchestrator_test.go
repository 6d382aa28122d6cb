package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillvoice/quill/internal/bus"
	"github.com/quillvoice/quill/internal/capture"
	"github.com/quillvoice/quill/internal/config"
	"github.com/quillvoice/quill/internal/engine"
	"github.com/quillvoice/quill/internal/enhance"
	"github.com/quillvoice/quill/internal/focus"
	"github.com/quillvoice/quill/internal/profile"
	"github.com/quillvoice/quill/internal/prompts"
)

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	buf      *capture.Buffer
	aborted  int
}

func (r *fakeRecorder) Start(ctx context.Context) error { return r.startErr }

func (r *fakeRecorder) Stop() (*capture.Buffer, error) {
	if r.stopErr != nil {
		return nil, r.stopErr
	}
	return r.buf, nil
}

func (r *fakeRecorder) Abort() {
	r.mu.Lock()
	r.aborted++
	r.mu.Unlock()
}

func (r *fakeRecorder) abortCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// fakeEngine transcribes to a fixed string; with blockRun set, Run signals
// runStarted and then parks on the context so tests can cancel mid-flight.
type fakeEngine struct {
	mu         sync.Mutex
	loads      int
	text       string
	runErr     error
	blockRun   bool
	runStarted chan struct{}
}

func (f *fakeEngine) Load(ctx context.Context, modelPath string) (engine.Instance, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	return &fakeEngineInstance{e: f}, nil
}

func (f *fakeEngine) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeEngineInstance struct{ e *fakeEngine }

func (i *fakeEngineInstance) Run(ctx context.Context, wav []byte) (string, error) {
	if i.e.blockRun {
		i.e.runStarted <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}
	return i.e.text, i.e.runErr
}

func (i *fakeEngineInstance) Close() error { return nil }

type fakeProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Available() bool { return true }

func (p *fakeProvider) Enhance(ctx context.Context, text, prompt string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.text, p.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSink struct {
	mu       sync.Mutex
	archived []*Session
}

func (s *fakeSink) Archive(sess *Session) error {
	s.mu.Lock()
	s.archived = append(s.archived, sess)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.archived...)
}

type fixture struct {
	orch     *Orchestrator
	bus      *bus.EventBus
	recorder *fakeRecorder
	engine   *fakeEngine
	provider *fakeProvider
	sink     *fakeSink

	mu     sync.Mutex
	stages []string
	events []bus.EventType
}

func newFixture(t *testing.T, defaults config.Profile) *fixture {
	t.Helper()

	f := &fixture{
		bus: bus.NewEventBus(),
		recorder: &fakeRecorder{
			buf: &capture.Buffer{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1, BitDepth: 16},
		},
		engine:   &fakeEngine{text: "hello world", runStarted: make(chan struct{}, 1)},
		provider: &fakeProvider{text: "Hello, world."},
		sink:     &fakeSink{},
	}

	f.bus.Subscribe(bus.EventTypeStageChanged, func(e bus.Event) {
		f.mu.Lock()
		f.stages = append(f.stages, e.Data["new_stage"].(string))
		f.mu.Unlock()
	})
	f.bus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeSessionCompleted,
		bus.EventTypeSessionFailed,
		bus.EventTypeSessionCancelled,
	}, func(e bus.Event) {
		f.mu.Lock()
		f.events = append(f.events, e.Type)
		f.mu.Unlock()
	})

	engines := engine.NewManager(f.engine, engine.ManagerConfig{IdleUnload: time.Minute}, func(m string) string { return m }, nil, zerolog.Nop())
	t.Cleanup(engines.Shutdown)

	enhancer := enhance.NewClient(enhance.ClientConfig{
		RequestTimeout: 100 * time.Millisecond,
		MaxAttempts:    1,
		MaxDelay:       10 * time.Millisecond,
	}, zerolog.Nop())
	enhancer.Register(f.provider)

	resolver := profile.NewResolver(config.ProfilesConfig{Default: defaults})

	f.orch = New(Config{Model: "base"}, Deps{
		Recorder: f.recorder,
		Engines:  engines,
		Resolver: resolver,
		Enhancer: enhancer,
		Prompts:  prompts.Load(""),
		Source:   focus.Static{App: focus.Context{AppID: "com.test.editor"}},
		Sink:     f.sink,
		Bus:      f.bus,
	}, zerolog.Nop())
	return f
}

func (f *fixture) stageLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stages...)
}

func (f *fixture) eventLog() []bus.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.EventType(nil), f.events...)
}

func TestSession_CompletesWithRawText(t *testing.T) {
	f := newFixture(t, config.Profile{Enhance: false})

	id, err := f.orch.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := f.orch.StopAndTranscribe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "hello world", sess.RawText)
	assert.Equal(t, "hello world", sess.FinalText())
	assert.Empty(t, sess.EnhancedText)
	assert.True(t, sess.Terminal())
	assert.Equal(t, 0, f.provider.callCount(), "enhancement disabled, provider must not be called")

	assert.Equal(t, []string{"recording", "transcribing", "idle"}, f.stageLog())
	assert.Equal(t, []bus.EventType{bus.EventTypeSessionCompleted}, f.eventLog())

	archived := f.sink.sessions()
	require.Len(t, archived, 1)
	assert.Equal(t, sess.ID, archived[0].ID)
}

func TestStart_SecondSessionRejected(t *testing.T) {
	f := newFixture(t, config.Profile{})

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, stage, ok := f.orch.Active()
	assert.True(t, ok)
	assert.Equal(t, StageRecording, stage, "rejected start must not disturb the active session")
}

func TestStart_CaptureFailureFailsSession(t *testing.T) {
	f := newFixture(t, config.Profile{})
	f.recorder.startErr = errors.New("device unavailable")

	_, err := f.orch.Start(context.Background())
	require.Error(t, err)

	_, _, ok := f.orch.Active()
	assert.False(t, ok)

	archived := f.sink.sessions()
	require.Len(t, archived, 1)
	assert.Equal(t, StageFailed, archived[0].Stage)
	assert.Equal(t, FailureCapture, archived[0].FailKind)
	assert.Equal(t, []bus.EventType{bus.EventTypeSessionFailed}, f.eventLog())
}

func TestStopAndTranscribe_NoActiveSession(t *testing.T) {
	f := newFixture(t, config.Profile{})

	_, err := f.orch.StopAndTranscribe(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSession_EnhancementApplied(t *testing.T) {
	f := newFixture(t, config.Profile{Enhance: true, Provider: "fake", Prompt: "default"})

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	sess, err := f.orch.StopAndTranscribe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "hello world", sess.RawText)
	assert.Equal(t, "Hello, world.", sess.FinalText())
	assert.Equal(t, 1, f.provider.callCount())
	assert.Equal(t, []string{"recording", "transcribing", "enhancing", "idle"}, f.stageLog())
}

func TestSession_EnhancementFailureNonFatal(t *testing.T) {
	f := newFixture(t, config.Profile{Enhance: true, Provider: "fake", Prompt: "default"})
	f.provider.err = errors.New("provider exploded")

	var enhanceFailed bool
	var mu sync.Mutex
	f.bus.Subscribe(bus.EventTypeEnhanceFailed, func(bus.Event) {
		mu.Lock()
		enhanceFailed = true
		mu.Unlock()
	})

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	sess, err := f.orch.StopAndTranscribe(context.Background())
	require.NoError(t, err, "enhancement failure must not fail the session")

	assert.Equal(t, "hello world", sess.FinalText(), "raw transcript delivered on enhancement failure")
	assert.NotEmpty(t, sess.EnhanceDiagnostic)
	assert.True(t, sess.Terminal())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return enhanceFailed
	}, time.Second, 5*time.Millisecond)
}

func TestSession_EmptyTranscriptSkipsEnhancement(t *testing.T) {
	f := newFixture(t, config.Profile{Enhance: true, Provider: "fake"})
	f.engine.text = "   \n"

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	sess, err := f.orch.StopAndTranscribe(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sess.FinalText())
	assert.Equal(t, 0, f.provider.callCount())
	assert.Equal(t, []string{"recording", "transcribing", "idle"}, f.stageLog())
}

func TestCancel_DuringRecording(t *testing.T) {
	f := newFixture(t, config.Profile{})

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel())

	_, _, ok := f.orch.Active()
	assert.False(t, ok)
	assert.Equal(t, 1, f.recorder.abortCount())
	assert.Equal(t, []string{"recording", "cancelled"}, f.stageLog())
	assert.Equal(t, []bus.EventType{bus.EventTypeSessionCancelled}, f.eventLog())

	_, err = f.orch.StopAndTranscribe(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestCancel_DuringTranscription(t *testing.T) {
	f := newFixture(t, config.Profile{})
	f.engine.blockRun = true

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	type result struct {
		sess *Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := f.orch.StopAndTranscribe(context.Background())
		done <- result{sess, err}
	}()

	<-f.engine.runStarted
	require.NoError(t, f.orch.Cancel())

	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, StageCancelled, res.sess.Stage)

	// The engine handle must have been released on the way out.
	f.engine.blockRun = false
	_, err = f.orch.Start(context.Background())
	require.NoError(t, err)
	sess, err := f.orch.StopAndTranscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello world", sess.FinalText())
	assert.Equal(t, 1, f.engine.loadCount(), "warm engine should be reused, not reloaded")
}

func TestStopAndTranscribe_ConcurrentCallersRejected(t *testing.T) {
	f := newFixture(t, config.Profile{})
	f.engine.blockRun = true

	_, err := f.orch.Start(context.Background())
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := f.orch.StopAndTranscribe(context.Background())
		first <- err
	}()
	<-f.engine.runStarted

	// A second caller arriving mid-transcription is rejected cleanly.
	_, err = f.orch.StopAndTranscribe(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStage)

	// A third caller racing the cancellation is rejected either way: the
	// session is past Recording or already gone.
	third := make(chan error, 1)
	go func() {
		_, err := f.orch.StopAndTranscribe(context.Background())
		third <- err
	}()
	require.NoError(t, f.orch.Cancel())

	assert.ErrorIs(t, <-first, ErrCancelled)
	if err := <-third; err == nil {
		t.Fatal("expected the racing caller to be rejected")
	}
}

func TestCancel_NoActiveSession(t *testing.T) {
	f := newFixture(t, config.Profile{})
	assert.ErrorIs(t, f.orch.Cancel(), ErrNoActiveSession)
}

func TestSessions_ReuseWarmEngine(t *testing.T) {
	f := newFixture(t, config.Profile{})

	for i := 0; i < 3; i++ {
		_, err := f.orch.Start(context.Background())
		require.NoError(t, err)
		_, err = f.orch.StopAndTranscribe(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.engine.loadCount())
}
