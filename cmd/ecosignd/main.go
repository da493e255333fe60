package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/anchor"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/api"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/artifacts"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/authority"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/certificate"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/config"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/jobs"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/observability"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/store"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/tsa"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "ecosignd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "ecosignd %s - protection worker daemon\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  ecosignd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server       Run the worker daemon (default)")
	fmt.Fprintln(w, "  health       Check a running daemon over HTTP")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w, "  help         Show this help")
	fmt.Fprintln(w, "")
}

//nolint:gocognit,gocyclo
func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	profile, err := config.LoadProfileFile(cfg.ProfilePath)
	if err != nil {
		logger.Warn("profile not loaded, using defaults", "path", cfg.ProfilePath, "error", err)
		profile = config.DefaultProfile()
	}

	// Database. Postgres when DATABASE_URL is set, SQLite lite mode otherwise.
	var (
		db          *sql.DB
		entityStore ledger.EntityStore
		jobStore    jobs.Store
		flagStore   authority.FlagStore
	)
	if cfg.DatabaseURL != "" && !strings.HasPrefix(cfg.DatabaseURL, "sqlite:") {
		db, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB Ping failed: %v", err)
		}
		logger.Info("postgres connected")
		entityStore = store.NewPostgresEntityStore(db)
		jobStore = jobs.NewPostgresStore(db)
		flagStore = store.NewPostgresFlagStore(db)
	} else {
		path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite:")
		if path == "" {
			path = "data/ecosign.db"
		}
		db, err = store.OpenSQLite(path)
		if err != nil {
			log.Fatalf("Failed to open sqlite: %v", err)
		}
		logger.Info("sqlite lite mode", "path", path)
		entityStore = store.NewSQLiteEntityStore(db)
		jobStore = jobs.NewMemoryStore()
	}

	lgr := ledger.New(entityStore)

	// Authority switch. Flags come from the environment; a mirror copy goes
	// to the flag table for operator visibility.
	authCfg := authority.LoadFromEnv()
	if cfg.ShadowMode {
		authCfg.Flags[authority.FlagNextAction] = false
	}
	sw := authority.NewSwitch(authCfg, nil, logger)

	planner := jobs.NewPlanner(lgr, jobStore, sw)

	// TSA client over the profile's authority list.
	tsaClient := tsa.NewClient(profile.TSA.URLs, &http.Client{Timeout: profile.TSATimeout()})

	// Anchor gateways with redis-backed submission limits, local fallback.
	limiter := buildLimiter(cfg, profile, logger)
	submitters := map[event.Network]anchor.Submitter{
		event.NetworkPolygon: anchor.NewGatewayClient(event.NetworkPolygon, profile.Anchors.Polygon.GatewayURL, nil, limiter),
		event.NetworkBitcoin: anchor.NewGatewayClient(event.NetworkBitcoin, profile.Anchors.Bitcoin.GatewayURL, nil, limiter),
	}
	// Confirmation pollers are tuned per network; bitcoin profiles carry a
	// longer deadline than polygon.
	pollers := map[event.Network]anchor.Poller{
		event.NetworkPolygon: {Deadline: profile.Anchors.Polygon.ConfirmDeadline(), Interval: profile.Anchors.Polygon.ConfirmPoll()},
		event.NetworkBitcoin: {Deadline: profile.Anchors.Bitcoin.ConfirmDeadline(), Interval: profile.Anchors.Bitcoin.ConfirmPoll()},
	}

	artifactStore, err := buildArtifactStore(ctx, profile)
	if err != nil {
		log.Fatalf("Failed to init artifact store: %v", err)
	}

	signer := loadSigner(logger)

	handlerSet := &jobs.HandlerSet{
		Ledger:     lgr,
		Planner:    planner,
		TSA:        tsaClient,
		Submitters: submitters,
		Pollers:    pollers,
		Artifacts:  artifactStore,
		Signer:     signer,
		Logger:     logger,
	}
	handlers := handlerSet.Handlers()

	// Observability. Disabled unless an OTLP endpoint is configured.
	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		otelCfg.OTLPEndpoint = ep
		otelCfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	if otelCfg.Enabled {
		handlers = provider.InstrumentHandlers(handlers)
	}

	ttls := jobs.DefaultTTLs()
	for name, ms := range profile.Jobs.TTLsMs {
		ttls[jobs.Type(name)] = time.Duration(ms) * time.Millisecond
	}

	exec := jobs.NewExecutor(jobStore, handlers,
		jobs.WithBatchLimit(profile.Jobs.BatchLimit),
		jobs.WithPollInterval(profile.Jobs.PollInterval()),
		jobs.WithRetryBackoff(profile.Jobs.RetryBackoff()),
		jobs.WithTTLs(ttls),
		jobs.WithLogger(logger),
	)

	if flagStore != nil {
		authority.Mirror(ctx, flagStore, exec.WorkerID(), authCfg, logger)
	}

	// Health server. Queue diagnostics only exist on the postgres queue.
	var diag *jobs.Diagnostics
	if _, ok := jobStore.(*jobs.PostgresStore); ok {
		diag = jobs.NewDiagnostics(db, ttls)
	}
	health := api.NewHealthService(diag, version)
	mux := http.NewServeMux()
	health.Routes(mux)
	rl := api.NewGlobalRateLimiter(20, 40)

	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           rl.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health server listening", "addr", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	// Executor loop until shutdown signal.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(runCtx)
	}()

	logger.Info("ecosignd ready", "worker_id", exec.WorkerID(), "shadow_mode", cfg.ShadowMode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = provider.Shutdown(shutdownCtx)
	_ = db.Close()
}

func buildLimiter(cfg *config.Config, profile *config.Profile, logger *slog.Logger) anchor.Limiter {
	rpm := profile.Anchors.Polygon.RatePerMinute
	if cfg.RedisAddr != "" {
		logger.Info("redis submission limiter", "addr", cfg.RedisAddr, "rpm", rpm)
		return anchor.NewRedisLimiter(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, rpm, rpm)
	}
	return anchor.NewLocalLimiter(rpm, rpm)
}

func buildArtifactStore(ctx context.Context, profile *config.Profile) (artifacts.Store, error) {
	switch profile.Artifacts.Backend {
	case "s3":
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:   profile.Artifacts.Bucket,
			Region:   profile.Artifacts.Region,
			Endpoint: profile.Artifacts.Endpoint,
			Prefix:   profile.Artifacts.Prefix,
		})
	default:
		return artifacts.NewFileStore(profile.Artifacts.Dir)
	}
}

// loadSigner reads the institutional signing key from the environment.
// Certificates are issued unsigned when no key is configured.
func loadSigner(logger *slog.Logger) *certificate.Signer {
	seedHex := os.Getenv("ECOSIGN_SIGNING_KEY")
	if seedHex == "" {
		logger.Warn("no signing key configured, certificates will be unsigned")
		return nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		log.Fatalf("ECOSIGN_SIGNING_KEY must be a %d-byte hex seed", ed25519.SeedSize)
	}
	keyID := os.Getenv("ECOSIGN_SIGNING_KEY_ID")
	if keyID == "" {
		keyID = "institutional-1"
	}
	signer := certificate.NewSignerFromKey(ed25519.NewKeyFromSeed(seed), keyID)
	logger.Info("institutional signer loaded", "key_id", keyID, "public_key", signer.PublicKeyHex())
	return signer
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
