package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WhisperCppConfig configures the whisper.cpp CLI adapter.
type WhisperCppConfig struct {
	ExecutablePath string // default: "whisper-cli" resolved from PATH
	NumThreads     int
	Language       string // empty or "auto" lets the model detect
	EnableGPU      bool
	TempDir        string
}

// DefaultWhisperCppConfig returns sensible defaults.
func DefaultWhisperCppConfig() *WhisperCppConfig {
	return &WhisperCppConfig{
		NumThreads: 4,
		Language:   "auto",
		TempDir:    os.TempDir(),
	}
}

// WhisperCpp runs transcription through the whisper.cpp command line tool.
type WhisperCpp struct {
	config *WhisperCppConfig
	logger zerolog.Logger
}

// NewWhisperCpp creates a whisper.cpp engine adapter.
func NewWhisperCpp(config *WhisperCppConfig, logger zerolog.Logger) *WhisperCpp {
	if config == nil {
		config = DefaultWhisperCppConfig()
	}
	if config.NumThreads <= 0 {
		config.NumThreads = 4
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	return &WhisperCpp{
		config: config,
		logger: logger.With().Str("engine", "whispercpp").Logger(),
	}
}

// Load validates the model file and executable and returns a bound instance.
func (w *WhisperCpp) Load(ctx context.Context, modelPath string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	execPath := w.config.ExecutablePath
	if execPath == "" {
		execPath = "whisper-cli"
	}
	resolved, err := exec.LookPath(execPath)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp executable not found: %w", err)
	}

	w.logger.Debug().Str("model", modelPath).Str("executable", resolved).Msg("Engine instance bound")
	return &whisperInstance{
		execPath:  resolved,
		modelPath: modelPath,
		config:    w.config,
		logger:    w.logger,
	}, nil
}

type whisperInstance struct {
	execPath  string
	modelPath string
	config    *WhisperCppConfig
	logger    zerolog.Logger
}

// Run writes the WAV buffer to a temp file and invokes whisper.cpp with JSON
// output.
func (in *whisperInstance) Run(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("empty audio buffer")
	}

	tempFile := filepath.Join(in.config.TempDir, fmt.Sprintf("quill_%d.wav", time.Now().UnixNano()))
	if err := os.WriteFile(tempFile, wav, 0644); err != nil {
		return "", fmt.Errorf("write temp audio file: %w", err)
	}
	defer os.Remove(tempFile)

	args := []string{
		"-f", tempFile,
		"-m", in.modelPath,
		"-t", fmt.Sprintf("%d", in.config.NumThreads),
		"-oj",
	}
	if in.config.Language != "" && in.config.Language != "auto" {
		args = append(args, "-l", in.config.Language)
	}
	if !in.config.EnableGPU {
		args = append(args, "-ng")
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, in.execPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper execution failed: %w - %s", err, string(output))
	}

	text := parseWhisperOutput(string(output))
	in.logger.Debug().Dur("runTime", time.Since(start)).Int("audioBytes", len(wav)).Msg("Transcription run complete")
	return text, nil
}

func (in *whisperInstance) Close() error {
	// The CLI holds no resident state; dropping the handle is the unload.
	return nil
}

// parseWhisperOutput extracts text from whisper.cpp -oj output, falling back
// to the raw output when no JSON is present.
func parseWhisperOutput(output string) string {
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		return strings.TrimSpace(output)
	}

	var parsed struct {
		Transcription []struct {
			Text string `json:"text"`
		} `json:"transcription"`
	}
	if err := json.Unmarshal([]byte(output[jsonStart:]), &parsed); err != nil {
		return strings.TrimSpace(output)
	}

	var sb strings.Builder
	for _, segment := range parsed.Transcription {
		sb.WriteString(segment.Text)
	}
	return strings.TrimSpace(sb.String())
}
