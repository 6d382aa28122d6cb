// Package engine manages the lifecycle of the local inference engine: lazy
// load, reuse across sessions, and idle-timeout unload.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrEngineBusy is returned when the engine is requested while a session
// already holds it. The orchestrator's single-session invariant should make
// this unreachable.
var ErrEngineBusy = errors.New("engine busy")

// LoadError indicates the model could not be loaded (missing, corrupt, or
// incompatible). Fatal for the session; never retried automatically.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Model, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TranscriptionError indicates the engine failed at runtime on otherwise
// loadable input. Fatal for the session.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Engine is the black-box inference engine consumed by the Manager.
type Engine interface {
	// Load binds a model and returns a runnable instance. May block for
	// seconds on large models.
	Load(ctx context.Context, modelPath string) (Instance, error)
}

// Instance is one loaded engine instance. Run is not reentrant.
type Instance interface {
	// Run transcribes a finalized WAV buffer to text.
	Run(ctx context.Context, wav []byte) (string, error)

	// Close releases the instance's resources.
	Close() error
}
