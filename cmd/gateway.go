package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samuelwildary2025/novo-agente/internal/agent"
	"github.com/samuelwildary2025/novo-agente/internal/channels"
	"github.com/samuelwildary2025/novo-agente/internal/channels/whatsapp"
	"github.com/samuelwildary2025/novo-agente/internal/config"
	"github.com/samuelwildary2025/novo-agente/internal/debounce"
	"github.com/samuelwildary2025/novo-agente/internal/delivery"
	"github.com/samuelwildary2025/novo-agente/internal/gateway"
	"github.com/samuelwildary2025/novo-agente/internal/media"
	"github.com/samuelwildary2025/novo-agente/internal/store"
	"github.com/samuelwildary2025/novo-agente/internal/tracing"
)

func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracingConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("stores: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			slog.Warn("stores close failed", "error", err)
		}
	}()

	wa := whatsapp.NewClient(whatsapp.ClientConfig{
		APIURL:  cfg.WhatsApp.APIURL,
		Token:   cfg.WhatsApp.Token,
		SendRPM: cfg.WhatsApp.SendRPM,
	})
	if cfg.WhatsApp.APIURL == "" {
		slog.Warn("whatsapp api_url not configured; replies cannot be sent")
	}

	gen, err := buildAgent(cfg, stores)
	if err != nil {
		return err
	}

	orch := delivery.NewOrchestrator(wa, gen, deliveryConfig(cfg))

	// Loops run on their own context: a signal stops new cycles without
	// cutting a delivery in the middle of a sentence.
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	sched := debounce.New(loopCtx, debounceConfig(cfg), stores, func(ctx context.Context, b debounce.Batch) error {
		_, err := orch.Deliver(ctx, b.Key, b.Text)
		return err
	})

	var limiter gateway.Limiter
	if cfg.Gateway.RateLimitRPM > 0 {
		limiter = channels.NewWebhookRateLimiter(cfg.Gateway.RateLimitRPM)
	}

	engine := gateway.NewEngine(loopCtx, gateway.EngineConfig{
		Stores:    stores,
		Scheduler: sched,
		Deliverer: orch,
		Generator: gen,
		Media:     buildMediaResolver(ctx, cfg, wa),
		Limiter:   limiter,
		Takeover:  takeoverFromConfig(cfg, cfg.Takeover),
	})

	channelMgr := channels.NewManager()
	if cfg.WhatsApp.BridgeURL != "" {
		bridge, err := whatsapp.NewBridge(cfg.WhatsApp.BridgeURL, cfg.WhatsApp.Token, engine)
		if err != nil {
			return err
		}
		channelMgr.RegisterChannel(bridge)
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:  cfg.Addr(),
		Token: cfg.Gateway.Token,
	}, engine)

	gatewayMode := "standalone"
	if cfg.IsManagedMode() {
		gatewayMode = "managed"
	}
	slog.Info("novo-agente gateway starting",
		"version", Version,
		"mode", gatewayMode,
		"model", gen.Model(),
		"channels", channelMgr.Status(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		if err := channelMgr.StartAll(gctx); err != nil {
			slog.Error("failed to start channels", "error", err)
		}
		<-gctx.Done()
		return channelMgr.StopAll(context.Background())
	})

	g.Go(func() error {
		err := config.Watch(gctx, resolveConfigPath(), func(next *config.Config) {
			cfg.ReplaceTakeover(next.Takeover)
			engine.SetTakeover(takeoverFromConfig(cfg, next.Takeover))
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("graceful shutdown initiated")

	// Let in-flight deliveries finish, bounded; then cancel whatever is left.
	waitDone := make(chan struct{})
	go func() {
		sched.Wait()
		engine.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(30 * time.Second):
		slog.Warn("shutdown: loops still running, cancelling", "active", sched.ActiveCount())
		cancelLoops()
	}

	return err
}

func buildAgent(cfg *config.Config, stores *store.Stores) (*agent.Agent, error) {
	provider, err := newProvider(cfg.Agent)
	if err != nil {
		return nil, err
	}
	return agent.New(agent.Config{
		Provider:     provider,
		Sessions:     stores.Sessions,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		HistoryLimit: cfg.Sessions.HistoryLimit,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
	}), nil
}

func buildMediaResolver(ctx context.Context, cfg *config.Config, fetcher media.Fetcher) *media.Resolver {
	r := &media.Resolver{
		Fetcher:  fetcher,
		Document: media.NewPDF(fetcher),
	}
	if cfg.Media.GeminiAPIKey == "" {
		slog.Info("media: gemini api key not set; audio and images use placeholders")
		return r
	}
	g, err := media.NewGemini(ctx, media.GeminiConfig{
		APIKey:          cfg.Media.GeminiAPIKey,
		TranscribeModel: cfg.Media.TranscribeModel,
		VisionModel:     cfg.Media.VisionModel,
		MaxImagePx:      cfg.Media.MaxImagePx,
	}, fetcher)
	if err != nil {
		slog.Warn("media: gemini unavailable", "error", err)
		return r
	}
	r.Audio = g.Transcriber()
	r.Image = g.Vision()
	return r
}

func takeoverFromConfig(cfg *config.Config, t config.TakeoverConfig) gateway.Takeover {
	return gateway.Takeover{
		TTL:             t.TTL(),
		AgentNumber:     cfg.WhatsApp.AgentNumber,
		OperatorNumbers: t.OperatorNumbers,
	}
}

func debounceConfig(cfg *config.Config) debounce.Config {
	return debounce.Config{
		PollInterval:   cfg.Buffer.PollInterval(),
		StallThreshold: cfg.Buffer.StallThreshold,
		MaxWait:        cfg.Buffer.MaxWait(),
		Separator:      cfg.Buffer.Separator,
	}
}

func deliveryConfig(cfg *config.Config) delivery.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	d := cfg.Delivery
	return delivery.Config{
		Timing: delivery.Timing{
			ReadDelayMin:  ms(d.ReadDelayMinMs),
			ReadDelayMax:  ms(d.ReadDelayMaxMs),
			Settle:        ms(d.SettleMs),
			Pause:         ms(d.PauseMs),
			ChunkDelayMin: ms(d.ChunkDelayMinMs),
			ChunkDelayMax: ms(d.ChunkDelayMaxMs),
		},
		MaxChunkLen:   d.MaxChunkLen,
		FallbackReply: d.FallbackReply,
	}
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	}
}
