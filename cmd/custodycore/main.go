// Command custodycore wires and runs the Transaction Security Core: the
// orchestrator, its collaborators, the chain listener, and the HTTP API,
// following the teacher's services/payoutd/main.go bootstrap shape: flag for
// the config path, logging/telemetry setup, config load, collaborator
// construction, then a graceful-shutdown-aware HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amijkko/custody-core/internal/api"
	"github.com/amijkko/custody-core/internal/audit"
	"github.com/amijkko/custody-core/internal/chainlistener"
	"github.com/amijkko/custody-core/internal/config"
	"github.com/amijkko/custody-core/internal/domain"
	"github.com/amijkko/custody-core/internal/ethrpc"
	"github.com/amijkko/custody-core/internal/hsmsigner"
	"github.com/amijkko/custody-core/internal/logging"
	"github.com/amijkko/custody-core/internal/metrics"
	"github.com/amijkko/custody-core/internal/mpc"
	"github.com/amijkko/custody-core/internal/orchestrator"
	"github.com/amijkko/custody-core/internal/permit"
	"github.com/amijkko/custody-core/internal/screener"
	"github.com/amijkko/custody-core/internal/signernode"
	"github.com/amijkko/custody-core/internal/store"
	"github.com/amijkko/custody-core/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seed" {
		seedFlags := flag.NewFlagSet("seed", flag.ExitOnError)
		cfgPath := seedFlags.String("config", "config.yaml", "path to custodycore configuration")
		_ = seedFlags.Parse(os.Args[2:])
		if err := runSeed(*cfgPath); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to custodycore configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CUSTODYCORE_ENV"))
	logger := logging.Setup("custodycore", env)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "custodycore",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := domain.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	auditLog := audit.New(log.New(os.Stdout, "", 0))

	var remoteScreener screener.RemoteProvider
	if cfg.ScreenerRemoteEnabled {
		remoteScreener = screener.NewHTTPProvider(screener.HTTPProviderConfig{
			Endpoint: cfg.ScreenerRemoteEndpoint,
			APIKey:   cfg.ScreenerRemoteAPIKey,
			Timeout:  10 * time.Second,
		})
	}
	kytScreener := screener.New(screener.Config{
		LocalBlacklist:  cfg.KYTLocalBlacklist,
		LocalGraylist:   cfg.KYTLocalGraylist,
		Remote:          remoteScreener,
		RemoteEnabled:   cfg.ScreenerRemoteEnabled,
		FallbackOnError: cfg.ScreenerFallbackOnError,
		CacheTTL:        cfg.ScreenerCacheTTL.Duration,
	})

	permitIssuer := permit.NewIssuer(db, cfg.PermitSigningKey, cfg.PermitTTL.Duration)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	chainClient, err := ethrpc.Dial(bootCtx, cfg.EthRPCURL)
	bootCancel()
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}

	nonceManager := store.NewNonceManager(chainClient)

	var localSigner orchestrator.LocalSigner
	if hsmBaseURL := strings.TrimSpace(os.Getenv("CUSTODYCORE_HSM_URL")); hsmBaseURL != "" {
		signer, err := hsmsigner.New(hsmsigner.Config{
			BaseURL:    hsmBaseURL,
			CACertPath: os.Getenv("CUSTODYCORE_HSM_CA"),
			ClientCert: os.Getenv("CUSTODYCORE_HSM_CLIENT_CERT"),
			ClientKey:  os.Getenv("CUSTODYCORE_HSM_CLIENT_KEY"),
		})
		if err != nil {
			return fmt.Errorf("init hsm signer: %w", err)
		}
		localSigner = signer
	}

	signerNodeCtx, signerNodeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	signerNodeClient, err := signernode.Dial(signerNodeCtx, cfg.SignerNodeEndpoint)
	signerNodeCancel()
	if err != nil {
		return fmt.Errorf("dial signer node: %w", err)
	}
	mpcCoordinator := mpc.NewCoordinator(signerNodeClient)

	metricsCore := metrics.Default()

	orc := orchestrator.New(orchestrator.Config{
		DB:                  db,
		Audit:               auditLog,
		Screener:            kytScreener,
		Permits:             permitIssuer,
		Nonces:              nonceManager,
		Chain:               chainClient,
		LocalSigner:         localSigner,
		Metrics:             metricsCore,
		ChainID:             cfg.ChainID,
		ConfirmationBlocks:  cfg.ConfirmationBlocks,
		MaxBroadcastRetries: cfg.MaxBroadcastRetries,
	})

	listener := chainlistener.New(chainRPCAdapter{client: chainClient}, orc, logger, cfg.ChainListenerPollInterval.Duration, cfg.ConfirmationBlocks)
	listenerCtx, stopListener := context.WithCancel(context.Background())
	defer stopListener()
	go listener.Run(listenerCtx)

	authenticator := api.NewAuthenticator(cfg.JWTSecret)
	httpAPI := api.New(api.Config{
		DB:             db,
		Orchestrator:   orc,
		MPCCoordinator: mpcCoordinator,
		Auth:           authenticator,
		MetricsRoute:   true,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpAPI.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("custodycore listening", "address", cfg.ListenAddr)
		serveErrs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-serveErrs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
