package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// StaticRecorder replays a pre-captured buffer. It backs one-shot runs over
// existing audio files and tests.
type StaticRecorder struct {
	mu      sync.Mutex
	buf     *Buffer
	started bool
}

// NewStaticRecorder wraps an existing buffer.
func NewStaticRecorder(buf *Buffer) *StaticRecorder {
	return &StaticRecorder{buf: buf}
}

// LoadWAVFile reads a RIFF/WAVE file into a Buffer, stripping the header.
// Non-WAV files are treated as raw 16kHz mono 16-bit PCM.
func LoadWAVFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}

	buf := &Buffer{SampleRate: 16000, Channels: 1, BitDepth: 16}
	if len(data) > 44 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		buf.PCM = data[44:]
	} else {
		buf.PCM = data
	}
	if len(buf.PCM) == 0 {
		return nil, fmt.Errorf("audio file contains no samples")
	}
	return buf, nil
}

func (r *StaticRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("capture already running")
	}
	r.started = true
	return nil
}

func (r *StaticRecorder) Stop() (*Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, fmt.Errorf("capture not running")
	}
	r.started = false
	return r.buf, nil
}

func (r *StaticRecorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
}
