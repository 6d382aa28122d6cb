package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quillvoice/quill/internal/bus"
	"github.com/quillvoice/quill/internal/capture"
	"github.com/quillvoice/quill/internal/engine"
	"github.com/quillvoice/quill/internal/enhance"
	"github.com/quillvoice/quill/internal/focus"
	"github.com/quillvoice/quill/internal/profile"
	"github.com/quillvoice/quill/internal/prompts"
)

var (
	// ErrAlreadyActive is returned by Start while a session is active.
	ErrAlreadyActive = errors.New("a session is already active")
	// ErrNoActiveSession is returned when no session is in flight.
	ErrNoActiveSession = errors.New("no active session")
	// ErrInvalidStage is returned when an operation is invoked from the
	// wrong stage.
	ErrInvalidStage = errors.New("invalid stage for operation")
	// ErrCancelled is the terminal outcome of a cancelled session. It is
	// distinct from a failure.
	ErrCancelled = errors.New("session cancelled")
)

// Config holds orchestrator policy.
type Config struct {
	// Model is the inference model identity sessions transcribe with.
	Model string
}

// Deps are the collaborators the orchestrator sequences. It is their sole
// caller; they hold no orchestration state of their own.
type Deps struct {
	Recorder capture.Recorder
	Engines  *engine.Manager
	Resolver *profile.Resolver
	Enhancer *enhance.Client
	Prompts  *prompts.Store
	Source   focus.Source
	Sink     Sink // optional
	Bus      *bus.EventBus
}

// Orchestrator is the single-writer state machine driving sessions through
// capture, transcription, enhancement, and delivery. Exactly one session may
// be active; transitions happen only from the orchestrator's own sequencing.
type Orchestrator struct {
	config Config
	deps   Deps
	logger zerolog.Logger

	mu      sync.Mutex
	active  *Session
	sessCtx context.Context
	cancel  context.CancelFunc
	handle  *engine.Handle
}

// New creates an orchestrator.
func New(config Config, deps Deps, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Start creates a session and begins audio capture. Only valid while idle.
// The focus context is snapshotted here, at recording start, so an app
// switch mid-recording cannot change which profile applies.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	fc, err := o.deps.Source.Current(ctx)
	if err != nil {
		// Resolution falls through to the global default.
		o.logger.Warn().Err(err).Msg("Focus detection failed, using default profile")
		fc = focus.Context{}
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return "", ErrAlreadyActive
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Stage:     StageIdle,
		Focus:     fc,
		StartedAt: time.Now(),
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	o.active = sess
	o.sessCtx = sessCtx
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.deps.Recorder.Start(sessCtx); err != nil {
		ferr := o.fail(sess, FailureCapture, fmt.Errorf("start capture: %w", err))
		return sess.ID, ferr
	}

	o.setStage(sess, StageIdle, StageRecording, "")
	o.logger.Info().Str("session", sess.ID).Str("app", fc.AppID).Msg("Recording started")
	return sess.ID, nil
}

// StopAndTranscribe finalizes the captured audio, resolves the profile from
// the start-time focus snapshot, transcribes locally, and optionally
// enhances. Enhancement failure is non-fatal: the session completes with the
// raw transcript. Blocks until the session reaches a terminal stage.
func (o *Orchestrator) StopAndTranscribe(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	sess := o.active
	if sess == nil {
		o.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	stage := sess.Stage
	sessCtx := o.sessCtx
	o.mu.Unlock()
	if stage != StageRecording {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStage, stage)
	}

	if !o.setStage(sess, StageRecording, StageTranscribing, "") {
		return sess, ErrCancelled
	}

	buf, err := o.deps.Recorder.Stop()
	if err != nil {
		if sessCtx.Err() != nil {
			o.finishCancelled(sess)
			return sess, ErrCancelled
		}
		return sess, o.fail(sess, FailureCapture, fmt.Errorf("finalize capture: %w", err))
	}
	sess.Audio = buf

	resolved := o.deps.Resolver.Resolve(sess.Focus.AppID, sess.Focus.URL)
	sess.Profile = resolved

	handle, err := o.deps.Engines.Acquire(sessCtx, o.config.Model)
	if err != nil {
		if sessCtx.Err() != nil {
			o.finishCancelled(sess)
			return sess, ErrCancelled
		}
		return sess, o.fail(sess, FailureEngineLoad, err)
	}
	o.mu.Lock()
	o.handle = handle
	o.mu.Unlock()

	text, err := o.deps.Engines.Transcribe(sessCtx, handle, buf.WAV())

	o.mu.Lock()
	o.handle = nil
	o.mu.Unlock()
	o.deps.Engines.Release(handle)

	if err != nil {
		if sessCtx.Err() != nil {
			// The engine call could not be pre-empted; its result is
			// discarded now that it has returned.
			o.finishCancelled(sess)
			return sess, ErrCancelled
		}
		return sess, o.fail(sess, FailureTranscription, err)
	}
	if sessCtx.Err() != nil {
		o.finishCancelled(sess)
		return sess, ErrCancelled
	}
	sess.RawText = strings.TrimSpace(text)

	if resolved.Enhance && sess.RawText != "" {
		if !o.setStage(sess, StageTranscribing, StageEnhancing, "") {
			return sess, ErrCancelled
		}
		o.runEnhancement(sessCtx, sess, resolved)
		if sessCtx.Err() != nil {
			o.finishCancelled(sess)
			return sess, ErrCancelled
		}
	}

	o.complete(sess)
	return sess, nil
}

// runEnhancement invokes the enhancement client and absorbs any failure as a
// diagnostic. The raw transcript is never lost to a failed cloud call.
func (o *Orchestrator) runEnhancement(ctx context.Context, sess *Session, resolved profile.Resolved) {
	req := &enhance.Request{
		Text:     sess.RawText,
		Prompt:   o.deps.Prompts.Get(resolved.Prompt),
		Provider: resolved.Provider,
	}

	result, err := o.deps.Enhancer.Enhance(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		sess.EnhanceDiagnostic = err.Error()
		o.logger.Warn().Err(err).
			Str("session", sess.ID).
			Str("provider", resolved.Provider).
			Str("kind", string(enhance.KindOf(err))).
			Msg("Enhancement failed, delivering raw transcript")
		if o.deps.Bus != nil {
			o.deps.Bus.Publish(bus.Event{
				Type: bus.EventTypeEnhanceFailed,
				Data: map[string]any{
					"session_id": sess.ID,
					"provider":   resolved.Provider,
					"kind":       string(enhance.KindOf(err)),
				},
			})
		}
		return
	}

	if result.Text != "" {
		sess.EnhancedText = result.Text
	}
}

// Cancel aborts the active session from any non-terminal stage. Outstanding
// work is abandoned, not awaited; a mid-flight transcription or enhancement
// observes the cancelled context and finishes as Cancelled.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	sess := o.active
	if sess == nil {
		o.mu.Unlock()
		return ErrNoActiveSession
	}
	stage := sess.Stage
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.logger.Info().Str("session", sess.ID).Str("stage", string(stage)).Msg("Session cancelled")

	// While recording no pipeline call is in flight, so the transition to
	// Cancelled happens here; later stages finish from their own sequencing.
	if stage == StageIdle || stage == StageRecording {
		o.deps.Recorder.Abort()
		o.finishCancelled(sess)
	}
	return nil
}

// Active returns the active session's ID and stage.
func (o *Orchestrator) Active() (string, Stage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", StageIdle, false
	}
	return o.active.ID, o.active.Stage, true
}

// setStage advances the session from the expected stage and emits the
// stage-changed event. Returns false when the session is no longer active or
// no longer at from, so the check and the transition form one critical
// section.
func (o *Orchestrator) setStage(sess *Session, from, to Stage, kind FailureKind) bool {
	o.mu.Lock()
	if o.active != sess || sess.Stage != from {
		o.mu.Unlock()
		return false
	}
	sess.Stage = to
	o.mu.Unlock()

	o.emitStage(sess.ID, from, to, kind)
	return true
}

// finish moves the session to a terminal stage, releases any held engine
// handle, clears the active slot, and archives the session.
func (o *Orchestrator) finish(sess *Session, stage Stage, kind FailureKind, err error) {
	o.mu.Lock()
	if o.active != sess {
		o.mu.Unlock()
		return
	}
	old := sess.Stage
	sess.Stage = stage
	sess.FinishedAt = time.Now()
	sess.Err = err
	sess.FailKind = kind
	handle := o.handle
	cancel := o.cancel
	o.handle = nil
	o.active = nil
	o.sessCtx = nil
	o.cancel = nil
	o.mu.Unlock()

	if handle != nil {
		o.deps.Engines.Release(handle)
	}
	if cancel != nil {
		cancel()
	}

	o.emitStage(sess.ID, old, stage, kind)

	var eventType bus.EventType
	switch stage {
	case StageCancelled:
		eventType = bus.EventTypeSessionCancelled
	case StageFailed:
		eventType = bus.EventTypeSessionFailed
	default:
		eventType = bus.EventTypeSessionCompleted
	}
	if o.deps.Bus != nil {
		o.deps.Bus.PublishSync(bus.Event{
			Type: eventType,
			Data: map[string]any{
				"session_id": sess.ID,
				"text":       sess.FinalText(),
				"error_kind": string(kind),
			},
		})
	}

	o.archive(sess)
}

func (o *Orchestrator) complete(sess *Session) {
	o.finish(sess, StageIdle, "", nil)
	o.logger.Info().
		Str("session", sess.ID).
		Int("chars", len(sess.FinalText())).
		Bool("enhanced", sess.EnhancedText != "").
		Msg("Session complete")
}

func (o *Orchestrator) finishCancelled(sess *Session) {
	o.finish(sess, StageCancelled, "", ErrCancelled)
}

func (o *Orchestrator) fail(sess *Session, kind FailureKind, err error) error {
	o.logger.Error().Err(err).Str("session", sess.ID).Str("kind", string(kind)).Msg("Session failed")
	o.finish(sess, StageFailed, kind, err)
	return err
}

// emitStage publishes the stage-changed lifecycle event synchronously so
// subscribers observe transitions in order.
func (o *Orchestrator) emitStage(sessionID string, old, next Stage, kind FailureKind) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.PublishSync(bus.Event{
		Type: bus.EventTypeStageChanged,
		Data: map[string]any{
			"session_id": sessionID,
			"old_stage":  string(old),
			"new_stage":  string(next),
			"error_kind": string(kind),
		},
	})
}

// archive hands the finished session to the history sink. Persistence is
// best-effort; the session is done from the user's perspective either way.
func (o *Orchestrator) archive(sess *Session) {
	if o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.Archive(sess); err != nil {
		o.logger.Warn().Err(err).Str("session", sess.ID).Msg("Failed to archive session")
	}
}
