package engine

import (
	"context"
	"sync"
	"time"

	"github.com/quillvoice/quill/internal/bus"
	"github.com/rs/zerolog"
)

// ManagerConfig configures the resource manager.
type ManagerConfig struct {
	// IdleUnload is how long an unheld engine stays warm before it is
	// unloaded to free memory (default: 3 minutes).
	IdleUnload time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{IdleUnload: 3 * time.Minute}
}

// Handle is a live reference to a loaded engine instance bound to one model.
type Handle struct {
	model string
	inst  Instance
}

// Model returns the model identity the handle was loaded with.
func (h *Handle) Model() string { return h.model }

// Manager owns the single resident engine instance. At most one model is
// loaded at a time and at most one session holds the handle.
type Manager struct {
	engine    Engine
	config    ManagerConfig
	modelPath func(model string) string
	eventBus  *bus.EventBus
	logger    zerolog.Logger

	mu        sync.Mutex
	handle    *Handle
	held      bool
	running   bool
	idleTimer *time.Timer
}

// NewManager creates a resource manager over the given engine. modelPath maps
// a model identity to the file the engine loads.
func NewManager(eng Engine, config ManagerConfig, modelPath func(string) string, eventBus *bus.EventBus, logger zerolog.Logger) *Manager {
	if config.IdleUnload <= 0 {
		config.IdleUnload = DefaultManagerConfig().IdleUnload
	}
	return &Manager{
		engine:    eng,
		config:    config,
		modelPath: modelPath,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// Acquire returns a handle bound to model, reusing a warm instance when the
// model matches, unloading first when it does not. Returns ErrEngineBusy if
// another session holds the handle.
func (m *Manager) Acquire(ctx context.Context, model string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		return nil, ErrEngineBusy
	}

	if m.handle != nil {
		if m.handle.model == model {
			m.stopIdleTimerLocked()
			m.held = true
			m.logger.Debug().Str("model", model).Msg("Reusing warm engine")
			return m.handle, nil
		}
		// Different model: at most one resident instance.
		m.unloadLocked()
	}

	start := time.Now()
	inst, err := m.engine.Load(ctx, m.modelPath(model))
	if err != nil {
		return nil, &LoadError{Model: model, Err: err}
	}

	m.handle = &Handle{model: model, inst: inst}
	m.held = true
	m.logger.Info().Str("model", model).Dur("loadTime", time.Since(start)).Msg("Engine loaded")
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{
			Type: bus.EventTypeEngineLoaded,
			Data: map[string]any{"model": model},
		})
	}
	return m.handle, nil
}

// Release marks the handle idle and starts the idle-unload timer. It never
// unloads synchronously so back-to-back sessions reuse a warm engine.
func (m *Manager) Release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != h || !m.held {
		return
	}
	m.held = false

	m.stopIdleTimerLocked()
	m.idleTimer = time.AfterFunc(m.config.IdleUnload, m.idleExpired)
	m.logger.Debug().Str("model", h.model).Dur("idleUnload", m.config.IdleUnload).Msg("Engine released, idle timer started")
}

// Transcribe runs the engine on a finalized WAV buffer. Exactly one call may
// be in flight per handle.
func (m *Manager) Transcribe(ctx context.Context, h *Handle, wav []byte) (string, error) {
	m.mu.Lock()
	if m.handle != h || !m.held {
		m.mu.Unlock()
		return "", ErrEngineBusy
	}
	if m.running {
		m.mu.Unlock()
		return "", ErrEngineBusy
	}
	m.running = true
	inst := h.inst
	m.mu.Unlock()

	text, err := inst.Run(ctx, wav)

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	return text, nil
}

// Loaded reports the currently resident model, empty when none.
func (m *Manager) Loaded() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return ""
	}
	return m.handle.model
}

// Shutdown unloads any resident engine immediately.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopIdleTimerLocked()
	m.unloadLocked()
}

// idleExpired fires when the idle timer elapses with no holder.
func (m *Manager) idleExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return
	}
	m.unloadLocked()
}

func (m *Manager) stopIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *Manager) unloadLocked() {
	if m.handle == nil {
		return
	}
	model := m.handle.model
	if err := m.handle.inst.Close(); err != nil {
		m.logger.Warn().Err(err).Str("model", model).Msg("Engine unload reported error")
	}
	m.handle = nil
	m.logger.Info().Str("model", model).Msg("Engine unloaded")
	if m.eventBus != nil {
		m.eventBus.Publish(bus.Event{
			Type: bus.EventTypeEngineUnloaded,
			Data: map[string]any{"model": model},
		})
	}
}
