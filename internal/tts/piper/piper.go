// Package piper implements TTS synthesis against a Piper Wyoming protocol server.
//
// Piper is a fast, local neural text-to-speech system. The linuxserver/piper
// container exposes the Wyoming protocol on TCP port 10200. Piper emits audio
// in several chunks per utterance, which this client forwards as they arrive
// when streaming.
//
// Wyoming protocol format (per event):
//
//	<json_length> <payload_length>\n
//	<json_bytes>\n
//	<payload_bytes>   (if payload_length > 0)
package piper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/tts"
)

// defaultVoices maps ISO-639-1 language codes to Piper voice model names.
var defaultVoices = map[string]string{
	"en": "en_US-lessac-medium",
	"fr": "fr_FR-siwis-medium",
	"es": "es_ES-mls_10246-low",
	"de": "de_DE-thorsten-medium",
	"it": "it_IT-riccardo-x_low",
	"pt": "pt_BR-faber-medium",
	"nl": "nl_NL-mls-medium",
}

const (
	dialTimeout    = 10 * time.Second
	defaultTimeout = 30 * time.Second

	// Wyoming frame limits. Piper chunks are a few KB; headers far less.
	maxHeaderBytes  = 64 << 10
	maxPayloadBytes = 16 << 20
)

// Synthesizer implements tts.StreamSynthesizer using the Wyoming protocol.
type Synthesizer struct {
	endpoint  string            // default host:port of the Piper Wyoming server
	endpoints map[string]string // language -> host:port for per-language instances
	voices    map[string]string // language -> voice name overrides
}

// New creates a Piper synthesizer from config.
func New(cfg config.PiperConfig) *Synthesizer {
	voices := make(map[string]string, len(defaultVoices)+len(cfg.Voices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range cfg.Voices {
		voices[k] = v
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = cleanEndpoint(ep)
	}

	return &Synthesizer{
		endpoint:  cleanEndpoint(cfg.Endpoint),
		endpoints: endpoints,
		voices:    voices,
	}
}

func cleanEndpoint(ep string) string {
	ep = strings.TrimPrefix(ep, "tcp://")
	return strings.TrimPrefix(ep, "http://")
}

// audioFormat is announced by the audio-start event.
type audioFormat struct {
	rate     int
	channels int
	width    int
}

// Synthesize renders the whole utterance and returns it in opts.Format.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Result, error) {
	var pcm bytes.Buffer
	format, err := s.run(ctx, text, opts, func(chunk []byte) error {
		pcm.Write(chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &tts.Result{
		SampleRate: format.rate,
		Channels:   format.channels,
	}
	if opts.Format == tts.FormatPCM {
		res.Audio = pcm.Bytes()
		res.ContentType = "audio/L16"
	} else {
		res.Audio = tts.EncodeWAV(pcm.Bytes(), format.rate, format.channels, format.width)
		res.ContentType = "audio/wav"
	}
	return res, nil
}

// SynthesizeStream forwards each audio-chunk payload to onChunk as raw PCM.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text string, opts tts.Options, onChunk func([]byte) error) error {
	_, err := s.run(ctx, text, opts, onChunk)
	return err
}

// Close is a no-op; connections are per-request.
func (s *Synthesizer) Close() error { return nil }

func (s *Synthesizer) resolve(opts tts.Options) (voice, endpoint string, err error) {
	voice = opts.Voice
	if voice == "" {
		voice = s.voices[opts.Language]
	}
	if voice == "" {
		voice = s.voices["en"]
	}

	endpoint = s.endpoints[opts.Language]
	if endpoint == "" {
		endpoint = s.endpoint
	}
	if endpoint == "" {
		return "", "", fmt.Errorf("no piper endpoint configured for language %q", opts.Language)
	}
	return voice, endpoint, nil
}

// run performs one synthesize exchange and feeds every chunk to onChunk.
func (s *Synthesizer) run(ctx context.Context, text string, opts tts.Options, onChunk func([]byte) error) (audioFormat, error) {
	format := audioFormat{rate: 22050, channels: 1, width: 2}
	if text == "" {
		return format, fmt.Errorf("empty text for synthesis")
	}

	voice, endpoint, err := s.resolve(opts)
	if err != nil {
		return format, err
	}

	slog.Debug("piper synthesize", "text_length", len(text), "voice", voice, "language", opts.Language, "endpoint", endpoint)

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return format, fmt.Errorf("connecting to piper: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(defaultTimeout))
	}

	// Unblock reads when the caller goes away mid-stream.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	synth := wyomingEvent{
		Type: "synthesize",
		Data: map[string]any{
			"text":  text,
			"voice": map[string]any{"name": voice},
		},
	}
	if err := writeEvent(conn, synth, nil); err != nil {
		return format, fmt.Errorf("sending synthesize event: %w", err)
	}

	r := bufio.NewReader(conn)
	chunks := 0
	for {
		evt, payload, err := readEvent(r)
		if err != nil {
			if ctx.Err() != nil {
				return format, ctx.Err()
			}
			return format, fmt.Errorf("reading piper event: %w", err)
		}

		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok {
				format.rate = int(rate)
			}
			if ch, ok := evt.Data["channels"].(float64); ok {
				format.channels = int(ch)
			}
			if w, ok := evt.Data["width"].(float64); ok {
				format.width = int(w)
			}

		case "audio-chunk":
			if len(payload) == 0 {
				continue
			}
			chunks++
			if err := onChunk(payload); err != nil {
				return format, err
			}

		case "audio-stop":
			slog.Debug("piper audio-stop", "chunks", chunks)
			return format, nil

		case "error":
			msg := "unknown error"
			if t, ok := evt.Data["text"].(string); ok {
				msg = t
			}
			return format, fmt.Errorf("piper error: %s", msg)

		default:
			slog.Debug("piper unknown event", "type", evt.Type)
		}
	}
}

// --- Wyoming protocol helpers ---

type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// writeEvent sends a Wyoming event over the connection.
func writeEvent(w io.Writer, evt wyomingEvent, payload []byte) error {
	jsonBytes, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n", len(jsonBytes), len(payload))
	buf.Write(jsonBytes)
	buf.WriteByte('\n')
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}

// readEvent reads a Wyoming event.
func readEvent(r *bufio.Reader) (*wyomingEvent, []byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	jsonPart, payloadPart, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return nil, nil, fmt.Errorf("invalid wyoming header: %q", header)
	}
	jsonLen, err := strconv.Atoi(jsonPart)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing json_length: %w", err)
	}
	payloadLen, err := strconv.Atoi(payloadPart)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing payload_length: %w", err)
	}
	if jsonLen < 0 || jsonLen > maxHeaderBytes {
		return nil, nil, fmt.Errorf("json_length %d out of range", jsonLen)
	}
	if payloadLen < 0 || payloadLen > maxPayloadBytes {
		return nil, nil, fmt.Errorf("payload_length %d out of range", payloadLen)
	}

	jsonBuf := make([]byte, jsonLen+1) // trailing \n
	if _, err := io.ReadFull(r, jsonBuf); err != nil {
		return nil, nil, fmt.Errorf("reading json: %w", err)
	}

	var evt wyomingEvent
	if err := json.Unmarshal(jsonBuf[:jsonLen], &evt); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return &evt, payload, nil
}
