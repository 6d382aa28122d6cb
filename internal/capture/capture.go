// Package capture defines the audio capture collaborator consumed by the
// pipeline. Device management lives outside the core; a Recorder only has to
// produce a finalized buffer when recording stops.
package capture

import (
	"context"
	"encoding/binary"
	"time"
)

// Buffer is a finalized capture: raw PCM plus its format.
type Buffer struct {
	PCM        []byte
	SampleRate int
	Channels   int
	BitDepth   int
}

// Duration returns the audio length implied by the PCM size and format.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate == 0 || b.Channels == 0 || b.BitDepth == 0 {
		return 0
	}
	bytesPerSample := b.BitDepth / 8
	samples := len(b.PCM) / (bytesPerSample * b.Channels)
	return time.Duration(samples) * time.Second / time.Duration(b.SampleRate)
}

// WAV returns the buffer wrapped in a RIFF/WAVE header, the format the
// inference engine consumes.
func (b *Buffer) WAV() []byte {
	sampleRate := b.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := b.Channels
	if channels == 0 {
		channels = 1
	}
	bitsPerSample := b.BitDepth
	if bitsPerSample == 0 {
		bitsPerSample = 16
	}

	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(b.PCM)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	return append(header, b.PCM...)
}

// Recorder is a capture session factory. Start begins capturing; Stop
// finalizes and returns the captured buffer. Abort discards everything.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (*Buffer, error)
	Abort()
}
