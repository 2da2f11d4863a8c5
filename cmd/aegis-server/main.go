package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aegis/aegis/internal/config"
	"github.com/aegis/aegis/internal/domain/alert"
	"github.com/aegis/aegis/internal/domain/bundle"
	"github.com/aegis/aegis/internal/domain/episode"
	"github.com/aegis/aegis/internal/domain/hai"
	"github.com/aegis/aegis/internal/ingest"
	"github.com/aegis/aegis/internal/platform/db"
	"github.com/aegis/aegis/internal/platform/hl7v2"
	"github.com/aegis/aegis/internal/platform/llm"
	"github.com/aegis/aegis/internal/platform/middleware"
	"github.com/aegis/aegis/internal/platform/reporting"
	"github.com/aegis/aegis/internal/platform/timerwheel"
	"github.com/aegis/aegis/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegis-server",
		Short: "Antimicrobial stewardship and infection surveillance engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the surveillance engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
}

// timerRouter fans expired timers out to the service that armed them. Fields
// are filled in after the wheel is constructed but before it starts.
type timerRouter struct {
	alerts   *alert.Service
	episodes *episode.Scheduler
	census   *reporting.Census
	log      zerolog.Logger
}

func (r *timerRouter) handle(ctx context.Context, t timerwheel.Timer, overdue bool) {
	switch t.Kind {
	case alert.TimerKindSnooze, alert.TimerKindEscalation:
		r.alerts.HandleTimer(ctx, t, overdue)
	case episode.TimerKindElementDeadline, episode.TimerKindEpisodeDeadline,
		hl7v2.TimerKindProphylaxisT2h, hl7v2.TimerKindProphylaxisT0:
		r.episodes.HandleTimer(ctx, t, overdue)
	case reporting.TimerKindDailyCensus:
		r.census.HandleTimer(ctx, t, overdue)
	default:
		r.log.Warn().Str("kind", t.Kind).Str("key", t.Key).Msg("timer with no owner")
	}
}

// haiEventSource feeds confirmed infection events into the NHSN export. The
// repository window is widened because a candidate row can land days after
// the clinical event it describes; the event date filter below is the
// authoritative one.
type haiEventSource struct {
	repo       hai.Repository
	encounters ingest.EncounterFetcher
}

func (s *haiEventSource) ConfirmedEvents(ctx context.Context, from, to time.Time) ([]reporting.HAIEvent, error) {
	cands, err := s.repo.ConfirmedCandidates(ctx, from, to.AddDate(0, 0, 14))
	if err != nil {
		return nil, err
	}
	var out []reporting.HAIEvent
	for _, c := range cands {
		eventDate := c.TriggeredAtTime()
		if eventDate.Before(from) || !eventDate.Before(to) {
			continue
		}
		var sc hai.ScreenContext
		if len(c.Payload) > 0 {
			_ = json.Unmarshal(c.Payload, &sc)
		}
		ev := reporting.HAIEvent{
			CandidateID:  c.CandidateID,
			Kind:         string(c.Kind),
			PatientID:    c.PatientID,
			EventDate:    eventDate,
			Onset:        c.Onset,
			Pathogen:     sc.Organism,
			PathogenCode: sc.OrganismCode,
			Location:     s.locationAt(ctx, c.PatientID, eventDate),
		}
		if c.DeviceDays != nil {
			ev.DeviceDays = *c.DeviceDays
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *haiEventSource) locationAt(ctx context.Context, patientID string, at time.Time) string {
	encs, err := s.encounters.FetchEncounters(ctx, at.AddDate(0, 0, -60))
	if err != nil {
		return ""
	}
	for _, e := range encs {
		if e.Patient.ID != patientID || e.Admitted.After(at) {
			continue
		}
		if e.Discharged == nil || e.Discharged.After(at) {
			return e.Location
		}
	}
	return ""
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	facility := cfg.FacilityLocation()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("schema migrated")
	}

	// Timer wheel. The router's targets are wired in below, before Start.
	router := &timerRouter{log: logger}
	wheel := timerwheel.New(timerwheel.NewPGStore(pool), router.handle, logger)

	// Alerting
	chains, err := alert.LoadEscalationChains(cfg.EscalationFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.EscalationFile).Msg("loading escalation chains failed")
	}
	var notifier alert.Notifier
	if cfg.WebhookURL != "" {
		notifier = webhook.NewNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger)
	} else {
		logger.Warn().Msg("WEBHOOK_URL not set; alert delivery is console-only")
	}
	alertSvc := alert.NewService(alert.NewRepo(pool), wheel, notifier, chains, logger,
		alert.WithSnoozeDefault(time.Duration(cfg.SnoozeDefaultHours)*time.Hour))

	// Ingress
	pump := ingest.NewPump(ingest.NewPGWatermarks(pool), alertSvc,
		cfg.PollInterval(), time.Duration(cfg.IngressStallSec)*time.Second, logger)

	var (
		fhirAd *ingest.FHIRAdapter
		whAd   *ingest.WarehouseAdapter
		memAd  *ingest.MemoryAdapter
		useHL7 bool
	)
	for _, src := range cfg.IngressSources {
		switch src {
		case "fhir":
			fhirAd = ingest.NewFHIRAdapter(cfg.FHIRBaseURL, cfg.FHIRToken, logger)
			pump.Register(fhirAd)
		case "warehouse":
			whPool, err := db.NewPool(ctx, cfg.WarehouseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to connect to clinical warehouse")
			}
			defer whPool.Close()
			whAd = ingest.NewWarehouseAdapter(whPool, logger)
			pump.Register(whAd)
		case "memory":
			memAd = ingest.NewMemoryAdapter("")
			pump.Register(memAd)
		case "hl7":
			useHL7 = true
		}
	}

	// Targeted evidence lookups prefer the FHIR adapter; the warehouse can
	// serve events and demographics but has no encounter feed.
	var (
		fetcher    ingest.EventFetcher
		patients   ingest.PatientFetcher
		encounters ingest.EncounterFetcher
	)
	switch {
	case fhirAd != nil:
		fetcher, patients, encounters = fhirAd, fhirAd, fhirAd
	case whAd != nil:
		fetcher, patients = whAd, whAd
	case memAd != nil:
		fetcher, patients, encounters = memAd, memAd, memAd
	default:
		logger.Fatal().Msg("no queryable ingress source configured")
	}
	if encounters == nil {
		logger.Warn().Msg("no encounter feed among ingress sources; census and location lookups will be empty")
		encounters = ingest.NewMemoryAdapter("no-encounters")
	}

	// Language model
	if cfg.LLMBaseURL == "" {
		logger.Fatal().Msg("LLM_BASE_URL is required to run the abstraction pipeline")
	}
	llmClient, err := llm.New(llm.Options{
		Backend:     cfg.LLMBackend,
		Model:       cfg.LLMModel,
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Concurrency: cfg.LLMConcurrency,
		Timeout:     cfg.LLMTimeout(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("language model client init failed")
	}

	// Bundle definitions
	registry := bundle.NewRegistry(cfg.BundlesEnabled, logger)
	if err := registry.LoadDir(cfg.BundleDir); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.BundleDir).Msg("bundle directory not loaded")
	}
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go func() {
		if err := registry.Watch(watchCtx, cfg.BundleDir); err != nil {
			logger.Warn().Err(err).Msg("bundle watcher stopped")
		}
	}()

	// Stewardship episodes
	epRepo := episode.NewRepo(pool)
	evaluator := episode.NewEvaluator(fetcher, patients, facility, logger)
	scheduler := episode.NewScheduler(epRepo, registry, evaluator, fetcher, alertSvc, wheel, logger,
		episode.WithRetryPolicy(time.Duration(cfg.TimerRetryBackoffSec)*time.Second, cfg.TimerMaxRetries))
	monitor := episode.NewMonitor(registry, epRepo, patients, scheduler, logger)

	// HAI candidate pipeline
	engine, err := hai.NewEngine(hai.Strictness(cfg.Strictness))
	if err != nil {
		logger.Fatal().Err(err).Msg("rules engine init failed")
	}
	haiRepo := hai.NewRepo(pool)
	detectors := hai.NewDetectors(fetcher, encounters, facility, logger)
	orchestrator := hai.NewOrchestrator(llmClient, haiRepo, fetcher, cfg.LLMModel, logger,
		hai.WithSurveillanceWindows(cfg.SurveillanceWindow))
	haiSvc := hai.NewService(haiRepo, detectors, orchestrator, engine, alertSvc, logger)
	reviews := hai.NewReviewService(haiRepo, alertSvc, logger)

	// Usage and resistance reporting
	repRepo := reporting.NewRepo(pool)
	accumulator := reporting.NewAccumulator(repRepo, encounters, facility, logger)
	census := reporting.NewCensus(repRepo, encounters, fetcher, wheel, facility, logger)
	exporter := reporting.NewExporter(repRepo,
		&haiEventSource{repo: haiRepo, encounters: encounters},
		patients,
		reporting.Facility{ID: cfg.FacilityID, Name: cfg.FacilityName},
		logger)

	router.alerts = alertSvc
	router.episodes = scheduler
	router.census = census

	// HL7v2 MLLP listener feeding the ADT bridge
	var mllp *hl7v2.Server
	if useHL7 {
		bridge := hl7v2.NewADTBridge(pump, wheel, logger)
		mllp = hl7v2.NewServer(cfg.HL7ListenAddr, bridge.Handler(ctx), logger)
		go func() {
			if err := mllp.Start(); err != nil {
				logger.Error().Err(err).Msg("MLLP server failed")
			}
		}()
		logger.Info().Str("addr", cfg.HL7ListenAddr).Msg("MLLP listener started")
	}

	// Event fan-out: every normalized event reaches every consumer, in order.
	go func() {
		for ev := range pump.Events() {
			monitor.HandleEvent(ctx, ev)
			scheduler.OnEvent(ctx, ev)
			haiSvc.OnEvent(ctx, ev)
			accumulator.OnEvent(ctx, ev)
		}
	}()

	if err := wheel.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("timer wheel start failed")
	}
	pump.Start(ctx)
	if err := census.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("arming census timer failed")
	}

	// Snoozes that expired while the process was down.
	if n, err := alertSvc.SweepSnoozed(ctx); err != nil {
		logger.Error().Err(err).Msg("snooze sweep failed")
	} else if n > 0 {
		logger.Info().Int("reactivated", n).Msg("expired snoozes swept")
	}

	// Egress API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	api.Use(middleware.JWT(cfg.JWTSecret))
	alert.NewHandler(alertSvc).RegisterRoutes(api)
	episode.NewHandler(epRepo).RegisterRoutes(api)
	hai.NewHandler(haiRepo, reviews).RegisterRoutes(api)
	reporting.NewHandler(exporter, repRepo).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if mllp != nil {
		if err := mllp.Stop(); err != nil {
			logger.Error().Err(err).Msg("MLLP shutdown failed")
		}
	}
	pump.Stop()
	wheel.Stop()
	logger.Info().Msg("stopped")
	return nil
}
