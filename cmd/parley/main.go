// Parley is a low-latency voice response daemon. It answers caller
// utterances with synthesized speech, covering generation delays with
// acknowledgement and thinking cues and shielding calls from failing
// language and speech backends.
//
// Usage:
//
//	parley [flags]
//	parley --config /path/to/parley.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/dispatch"
	"github.com/nadzzz/parley/internal/generator"
	localgen "github.com/nadzzz/parley/internal/generator/local"
	openaigen "github.com/nadzzz/parley/internal/generator/openai"
	"github.com/nadzzz/parley/internal/health"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/memory/redisarchive"
	"github.com/nadzzz/parley/internal/orchestrator"
	"github.com/nadzzz/parley/internal/transport"
	grpctransport "github.com/nadzzz/parley/internal/transport/grpc"
	httptransport "github.com/nadzzz/parley/internal/transport/http"
	"github.com/nadzzz/parley/internal/tts/piper"
	"github.com/nadzzz/parley/internal/voice"
)

// version is set at build time via ldflags.
var version = "dev"

// backend is what the generator packages provide: replies and transcription.
type backend interface {
	generator.Generator
	generator.Transcriber
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/parley.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("parley %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	logFile := config.SetupLogging(cfg.Logging)
	defer logFile.Close()
	slog.Info("parley starting", "version", version)

	if err := config.Watch(*configFile, func(c *config.Config) {
		config.SetLogLevel(c.Logging.Level)
	}); err != nil {
		slog.Debug("config hot reload disabled", "error", err)
	}

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the generator backend.
	gen, err := newBackend(cfg.Generator)
	if err != nil {
		slog.Error("failed to initialize generator", "error", err)
		os.Exit(1)
	}
	defer gen.Close()

	synth := piper.New(cfg.TTS.Piper)
	defer synth.Close()
	slog.Info("using piper synthesizer", "endpoint", cfg.TTS.Piper.Endpoint, "languages", len(cfg.TTS.Piper.Endpoints))

	breakers := breaker.NewRegistry(cfg.Breakers.Defaults, cfg.Breakers.Overrides)

	capacity, _ := cfg.Cache.CapacityBytes() // checked by config.Validate
	cache := audiocache.New(audiocache.Config{
		CapacityBytes: capacity,
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	defer cache.Close()

	var archiver memory.Archiver
	if cfg.Memory.Archive.Enabled {
		archive, err := redisarchive.New(ctx, redisarchive.Options{
			Addr:      cfg.Memory.Archive.Addr,
			Password:  cfg.Memory.Archive.Password,
			DB:        cfg.Memory.Archive.DB,
			KeyPrefix: cfg.Memory.Archive.KeyPrefix,
			TTL:       cfg.Memory.Archive.TTL,
		})
		if err != nil {
			slog.Error("failed to connect conversation archive", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		archiver = archive
		slog.Info("conversation archive enabled", "addr", cfg.Memory.Archive.Addr)
	}
	mem := memory.New(memory.Config{
		WindowSize:    cfg.Memory.WindowSize,
		IdleTTL:       cfg.Memory.IdleTTL,
		SweepInterval: cfg.Memory.SweepInterval,
	}, archiver)
	defer mem.Close()

	orch, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Cache:     cache,
		Breakers:  breakers,
		Memory:    mem,
		Generator: gen,
		Synth:     synth,
	})
	if err != nil {
		slog.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	if cfg.Cache.WarmFillers {
		go func() {
			warmCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			n := orch.WarmFillers(warmCtx, profiles(cfg.Voices))
			slog.Info("filler phrases warmed", "stored", n)
		}()
	}

	dispatcher := dispatch.New(orch, dispatch.Options{
		Breakers:    breakers,
		Memory:      mem,
		Transcriber: gen,
		Voices:      cfg.Voices,
	})

	// Initialize enabled transports.
	var transports []transport.Transport

	if cfg.Transports.GRPC.Enabled {
		gt := grpctransport.New(cfg.Transports.GRPC.Port)
		breakers.OnStateChange(gt.OnStateChange)
		transports = append(transports, gt)
	}
	if cfg.Transports.HTTP.Enabled {
		transports = append(transports, httptransport.New(cfg.Transports.HTTP.Port, cfg.Transports.HTTP.AllowedOrigins))
	}

	if len(transports) == 0 {
		slog.Error("no transports enabled, enable at least one in config")
		os.Exit(1)
	}

	// Start health check server.
	healthServer := health.New(cfg.Server.HealthPort, dispatcher)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	// Start all transports.
	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx, dispatcher); err != nil {
				slog.Error("transport failed", "name", t.Name(), "error", err)
			}
		}(t)
	}

	// Mark as ready once all transports are started.
	healthServer.SetReady(true)
	slog.Info("parley ready",
		"transports", len(transports),
		"voices", len(cfg.Voices),
		"health_port", cfg.Server.HealthPort)

	// Block until shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)

	// Close all transports gracefully.
	for _, t := range transports {
		if err := t.Close(); err != nil {
			slog.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Server.ShutdownTimeout):
		slog.Warn("transports did not drain before shutdown timeout", "timeout", cfg.Server.ShutdownTimeout)
	}
	slog.Info("parley stopped")
}

func newBackend(cfg config.GeneratorConfig) (backend, error) {
	switch cfg.Backend {
	case "openai":
		slog.Info("using OpenAI generator",
			"transcription_model", cfg.OpenAI.TranscriptionModel,
			"completion_model", cfg.OpenAI.CompletionModel)
		return openaigen.New(cfg.OpenAI), nil
	case "local":
		slog.Info("using local generator",
			"whisper", cfg.Local.WhisperEndpoint,
			"llm", cfg.Local.LLMEndpoint)
		return localgen.New(cfg.Local), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", cfg.Backend)
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := cfg.Orchestrator
	out := orchestrator.Config{
		AckDelay:             oc.AckDelay,
		AckMinChars:          oc.AckMinChars,
		ThinkingInterval:     oc.ThinkingInterval,
		MaxThinkingCues:      oc.MaxThinkingCues,
		PartialResponseDelay: oc.PartialResponseDelay,
		CacheMaxChars:        oc.CacheMaxChars,
		FallbackPhrase:       oc.FallbackPhrase,
		AckPhrases:           oc.AckPhrases,
		ThinkingPhrases:      oc.ThinkingPhrases,
		PartialPhrases:       oc.PartialPhrases,
		SystemPrompt:         oc.SystemPrompt,
	}
	if cfg.Generator.Backend == "openai" {
		out.Temperature = cfg.Generator.OpenAI.Temperature
		out.MaxTokens = cfg.Generator.OpenAI.MaxTokens
	}
	return out
}

// profiles lists the configured voices in id order, plus the built-in
// default when none is configured under "default".
func profiles(voices map[string]voice.Profile) []voice.Profile {
	ids := make([]string, 0, len(voices))
	for id := range voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]voice.Profile, 0, len(ids)+1)
	if _, ok := voices["default"]; !ok {
		out = append(out, voice.Default())
	}
	for _, id := range ids {
		out = append(out, voices[id])
	}
	return out
}
