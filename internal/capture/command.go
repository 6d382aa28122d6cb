package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// CommandConfig configures the command-driven recorder.
type CommandConfig struct {
	// Command is the capture tool invocation, e.g.
	// "rec -q -t raw -r 16000 -e signed -b 16 -c 1 -". It must write raw
	// PCM to stdout until terminated.
	Command    string
	SampleRate int
	Channels   int
	BitDepth   int
}

// CommandRecorder captures audio by running an external tool and collecting
// its stdout. Stopping sends SIGTERM and finalizes the buffer.
type CommandRecorder struct {
	config CommandConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	out    *bytes.Buffer
	waitCh chan error
}

// NewCommandRecorder creates a recorder around the configured capture tool.
func NewCommandRecorder(config CommandConfig, logger zerolog.Logger) *CommandRecorder {
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.BitDepth == 0 {
		config.BitDepth = 16
	}
	return &CommandRecorder{
		config: config,
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

// Start launches the capture tool.
func (r *CommandRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("capture already running")
	}
	if strings.TrimSpace(r.config.Command) == "" {
		return fmt.Errorf("no capture command configured")
	}

	parts := strings.Fields(r.config.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out := &bytes.Buffer{}
	cmd.Stdout = out

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	r.cmd = cmd
	r.out = out
	r.waitCh = waitCh
	r.logger.Debug().Str("command", parts[0]).Msg("Capture started")
	return nil
}

// Stop terminates the tool and returns the captured buffer.
func (r *CommandRecorder) Stop() (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil {
		return nil, fmt.Errorf("capture not running")
	}

	// SIGTERM lets the tool flush; the exit error from a signal kill is
	// expected and not a capture failure.
	_ = r.cmd.Process.Signal(syscall.SIGTERM)
	err := <-r.waitCh

	buf := &Buffer{
		PCM:        r.out.Bytes(),
		SampleRate: r.config.SampleRate,
		Channels:   r.config.Channels,
		BitDepth:   r.config.BitDepth,
	}
	r.cmd = nil
	r.out = nil
	r.waitCh = nil

	if len(buf.PCM) == 0 {
		if err != nil {
			return nil, fmt.Errorf("capture produced no audio: %w", err)
		}
		return nil, fmt.Errorf("capture produced no audio")
	}

	r.logger.Debug().Int("bytes", len(buf.PCM)).Dur("duration", buf.Duration()).Msg("Capture finalized")
	return buf, nil
}

// Abort kills the tool and discards any captured audio.
func (r *CommandRecorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd == nil {
		return
	}
	_ = r.cmd.Process.Kill()
	<-r.waitCh
	r.cmd = nil
	r.out = nil
	r.waitCh = nil
	r.logger.Debug().Msg("Capture aborted")
}
