package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"robotcore/internal/audio"
	"robotcore/internal/audio/opuscodec"
	"robotcore/internal/config"
	"robotcore/internal/domain"
	"robotcore/internal/identity"
	"robotcore/internal/logging"
	"robotcore/internal/metrics"
	"robotcore/internal/ports"
	"robotcore/internal/providers/backend"
	"robotcore/internal/providers/bodylink"
	"robotcore/internal/providers/power"
	"robotcore/internal/providers/vision"
	"robotcore/internal/rules"
	"robotcore/internal/speech"
	"robotcore/internal/state"
	"robotcore/internal/usecase"
)

const metricsNamespace = "robotcore"

// Options override the adapters Build would otherwise create. Zero fields use
// the ffmpeg, HTTP and command-line adapters from the config.
type Options struct {
	Events     ports.EventSink
	Logger     zerolog.Logger
	Microphone ports.AudioCapture
	Camera     ports.Camera
	Media      ports.MediaCapture
	Detector   ports.FaceDetector
	Embedder   ports.FaceEmbedder
	Identities ports.IdentityStore
	Synth      ports.Synthesizer
	Battery    ports.BatteryReader
}

// Services is the assembled runtime graph.
type Services struct {
	Config       config.Config
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	State        *state.Authority
	Channel      *backend.Channel
	Body         *bodylink.Link
	Speech       *speech.Queue
	Orchestrator *usecase.Orchestrator
}

// Build wires every component for the given configuration.
func Build(cfg config.Config, opts Options) (*Services, error) {
	if opts.Events == nil {
		return nil, errors.New("an event sink is required")
	}
	logger := opts.Logger
	m := metrics.New(metricsNamespace)

	pronunciation, err := rules.Load(cfg.Speech.RulesPath)
	if err != nil {
		return nil, err
	}

	var encoder ports.AudioEncoder
	if cfg.Audio.Codec == "opus" {
		enc, err := opuscodec.NewEncoder(cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus encoder: %w", err)
		}
		encoder = enc
	}

	cameraCfg := ports.CameraConfig{
		Device:    cfg.Camera.Device,
		Format:    cfg.Camera.Format,
		FrameRate: cfg.Camera.FrameRate,
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
	}
	visionClient := vision.NewClient(vision.Config{BaseURL: cfg.Vision.BaseURL, Timeout: cfg.Vision.Timeout})

	mic := opts.Microphone
	if mic == nil {
		mic = audio.NewMicrophone(cfg.Audio.FFmpegCommand)
	}
	camera := opts.Camera
	if camera == nil {
		camera = audio.NewCamera(cfg.Audio.FFmpegCommand)
	}
	media := opts.Media
	if media == nil {
		media = audio.NewMediaCapture(cfg.Audio.FFmpegCommand, cameraCfg)
	}
	var detector ports.FaceDetector = visionClient
	if opts.Detector != nil {
		detector = opts.Detector
	}
	var embedder ports.FaceEmbedder = visionClient
	if opts.Embedder != nil {
		embedder = opts.Embedder
	}
	identities := opts.Identities
	if identities == nil {
		identities = identity.NewMemoryStore()
	}
	synth := opts.Synth
	if synth == nil {
		synth = speech.NewCommandSynthesizer(cfg.Speech.Command)
	}
	batteryReader := opts.Battery
	if batteryReader == nil {
		batteryReader = power.NewSysfsBattery(cfg.Device.BatteryPath)
	}

	authority := state.NewAuthority(state.Config{
		Initial:        domain.StateDisconnected,
		ErrorAutoClear: cfg.Interaction.ErrorAutoClear,
		Logger:         logging.Component(logger, "state"),
		Metrics:        m,
	})

	// The orchestrator is created after the links whose callbacks feed it;
	// callbacks only fire once Run has started.
	var orch *usecase.Orchestrator

	channel := backend.NewChannel(backend.Config{
		URL:            cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		DeviceID:       cfg.Device.ID,
		InitialBackoff: cfg.Backend.InitialBackoff,
		MaxBackoff:     cfg.Backend.MaxBackoff,
		AuthTimeout:    cfg.Backend.AuthTimeout,
		PingInterval:   cfg.Backend.PingInterval,
		Logger:         logging.Component(logger, "backend"),
		Metrics:        m,
		OnStatus: func(status backend.Status) {
			switch status {
			case backend.StatusAuthenticated:
				orch.ChannelUp()
			case backend.StatusDisconnected:
				orch.ChannelDown()
			}
		},
	})

	battery := state.NewBattery(cfg.Device.BatteryThreshold)
	body := bodylink.NewLink(bodylink.Config{
		URL:               cfg.Body.URL,
		HeartbeatInterval: cfg.Body.HeartbeatInterval,
		AckTimeout:        cfg.Body.AckTimeout,
		TelemetryInterval: cfg.Body.TelemetryInterval,
		InitialBackoff:    cfg.Backend.InitialBackoff,
		MaxBackoff:        cfg.Backend.MaxBackoff,
		Logger:            logging.Component(logger, "bodylink"),
		Metrics:           m,
		Battery:           battery,
		OnBatteryAlert: func(level int) {
			orch.BatteryAlert(state.BatteryRobot, level)
		},
	})

	queue := speech.NewQueue(synth, logging.Component(logger, "speech"))

	matcher := identity.NewMatcher(embedder, identities, cfg.Search.MatchThreshold)
	capture := usecase.NewVoiceCapture(mic, encoder, usecase.CaptureConfig{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		ChunkSize:       cfg.Capture.ChunkSize,
		EnergyThreshold: cfg.Capture.EnergyThreshold,
		SilenceStop:     cfg.Capture.SilenceStop,
		Grace:           cfg.Capture.Grace,
		MaxLength:       cfg.Capture.MaxLength,
	}, logging.Component(logger, "capture"), m)
	search := usecase.NewFaceSearch(camera, detector, matcher, usecase.SearchConfig{
		Camera:         cameraCfg,
		SampleInterval: cfg.Search.SampleInterval,
		Timeout:        cfg.Search.Timeout,
	}, usecase.SystemClock, logging.Component(logger, "search"), m)

	orch = usecase.NewOrchestrator(usecase.Deps{
		State:         authority,
		Capture:       capture,
		Search:        search,
		Backend:       channel,
		Incoming:      channel.Incoming(),
		Actuator:      body,
		Speech:        queue,
		Media:         media,
		Identities:    identities,
		Battery:       battery,
		BatteryReader: batteryReader,
		Pronouncer:    pronunciation,
		Events:        opts.Events,
		Logger:        logger,
		Metrics:       m,
	}, usecase.OrchestratorConfig{
		ContinuousListening: cfg.Interaction.ContinuousListening,
		Window:              cfg.Interaction.Window,
		SettleDelay:         cfg.Interaction.SettleDelay,
		PlaybackWaitMax:     cfg.Interaction.PlaybackWaitMax,
		ThinkingTimeout:     cfg.Interaction.ThinkingTimeout,
		CaptureTimeout:      cfg.Interaction.CaptureTimeout,
		SearchStep:          cfg.Search.StepDuration,
		BatteryPoll:         cfg.Interaction.BatteryPoll,
		NoFaceNotice:        cfg.Interaction.NoFaceNotice,
	})

	return &Services{
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		State:        authority,
		Channel:      channel,
		Body:         body,
		Speech:       queue,
		Orchestrator: orch,
	}, nil
}

// Run starts every long-lived loop and blocks until ctx ends or one of them
// fails. The body link is optional: without a URL motion commands are refused.
func (s *Services) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.Orchestrator.Run(ctx) })
	group.Go(func() error { return s.Speech.Run(ctx) })
	group.Go(func() error { return s.Channel.Run(ctx) })
	if s.Config.Body.URL != "" {
		group.Go(func() error { return s.Body.Run(ctx) })
	} else {
		s.Logger.Warn().Msg("body link url not set; motion is disabled")
	}
	if s.Config.Metrics.Addr != "" {
		group.Go(func() error { return s.serveMetrics(ctx) })
	}

	err := group.Wait()
	s.Channel.Disconnect()
	s.State.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Services) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	srv := &http.Server{Addr: s.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.Logger.Info().Str("addr", s.Config.Metrics.Addr).Msg("serving metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
