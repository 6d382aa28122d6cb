// Package pipeline drives a dictation session through its stages: capture,
// local transcription, optional remote enhancement, delivery.
package pipeline

import (
	"time"

	"github.com/quillvoice/quill/internal/capture"
	"github.com/quillvoice/quill/internal/focus"
	"github.com/quillvoice/quill/internal/profile"
)

// Stage is one point in the session state machine. Stages only advance
// forward, or jump to Cancelled/Failed; no stage is revisited.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageRecording    Stage = "recording"
	StageTranscribing Stage = "transcribing"
	StageEnhancing    Stage = "enhancing"
	StageCancelled    Stage = "cancelled"
	StageFailed       Stage = "failed"
)

// FailureKind classifies fatal session failures. Enhancement failures are
// never fatal and never appear here.
type FailureKind string

const (
	FailureCapture       FailureKind = "capture"
	FailureEngineLoad    FailureKind = "engine_load"
	FailureTranscription FailureKind = "transcription"
)

// Session is one end-to-end dictation attempt. It is owned exclusively by
// the Orchestrator until it reaches a terminal stage.
type Session struct {
	ID    string
	Stage Stage

	Focus   focus.Context
	Profile profile.Resolved
	Audio   *capture.Buffer

	RawText      string
	EnhancedText string

	// EnhanceDiagnostic records an absorbed enhancement failure. The
	// session still completes with the raw transcript.
	EnhanceDiagnostic string

	StartedAt  time.Time
	FinishedAt time.Time

	// Err and FailKind are set only when Stage is StageFailed.
	Err      error
	FailKind FailureKind
}

// FinalText returns the text the session delivers: the enhanced transcript
// when enhancement succeeded, the raw transcript otherwise.
func (s *Session) FinalText() string {
	if s.EnhancedText != "" {
		return s.EnhancedText
	}
	return s.RawText
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	switch s.Stage {
	case StageCancelled, StageFailed:
		return true
	case StageIdle:
		return !s.FinishedAt.IsZero()
	}
	return false
}

// Sink receives finished sessions for persistence. Archiving failures do not
// affect the session outcome.
type Sink interface {
	Archive(s *Session) error
}
