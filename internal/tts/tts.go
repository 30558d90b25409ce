// Package tts defines the interfaces for text-to-speech synthesis.
//
// Parley prefers streaming synthesis so the first audio chunk can reach the
// caller before the whole utterance is rendered. Backends that cannot stream
// implement only Synthesizer and the orchestrator falls back to a single
// buffered emission.
package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
)

// ErrStreamingUnsupported is returned by backends that can only buffer.
var ErrStreamingUnsupported = errors.New("streaming synthesis not supported")

// Format of the returned audio.
type Format string

const (
	// FormatWAV wraps the PCM in a RIFF/WAV container.
	FormatWAV Format = "wav"
	// FormatPCM is raw 16-bit little-endian PCM.
	FormatPCM Format = "pcm"
)

// Options controls synthesis behavior.
type Options struct {
	// Language is the ISO-639-1 code (e.g., "en", "fr", "es") to select the voice.
	Language string

	// Voice overrides automatic language-based voice selection.
	Voice string

	// Format of Result.Audio. Streamed chunks are always raw PCM.
	Format Format
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	// Synthesize generates the complete audio for text.
	Synthesize(ctx context.Context, text string, opts Options) (*Result, error)

	// Close releases any resources held by the synthesizer.
	Close() error
}

// StreamSynthesizer is implemented by backends that can deliver audio
// incrementally. onChunk is called with raw PCM in order; returning an error
// from it aborts the stream with that error.
type StreamSynthesizer interface {
	Synthesizer
	SynthesizeStream(ctx context.Context, text string, opts Options, onChunk func([]byte) error) error
}

// Result holds the output of buffered synthesis.
type Result struct {
	// Audio is the synthesized audio in the requested format.
	Audio []byte

	// ContentType is the MIME type of the audio (e.g., "audio/wav").
	ContentType string

	// SampleRate is the audio sample rate in Hz (e.g., 22050).
	SampleRate int

	// Channels is the number of audio channels (typically 1).
	Channels int
}

// EncodeWAV wraps raw PCM data in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels, bytesPerSample int) []byte {
	dataLen := len(pcm)
	fileLen := 36 + dataLen // 44-byte header minus the 8-byte RIFF preamble

	buf := &bytes.Buffer{}
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(fileLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bytesPerSample*8))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)

	return buf.Bytes()
}
