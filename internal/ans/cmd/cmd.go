// Package cmd wires ans-server's cobra subcommands: start (boot the
// full CA -> RA -> Registry -> HTTP stack) and health (a CLI
// liveness probe against a running instance).
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ans/internal/ans/ca"
	"ans/internal/ans/config"
	"ans/internal/ans/observability"
	"ans/internal/ans/ocsp"
	"ans/internal/ans/protocol"
	"ans/internal/ans/ra"
	"ans/internal/ans/registry"
	"ans/internal/ans/server"
	"ans/internal/ans/storage"

	"github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

// NewStartCommand builds the "start" subcommand: parse configuration,
// construct every collaborator in the CA -> RA -> Registry -> HTTP
// order startup requires, and serve until the process is killed.
//
// Flag parsing is delegated entirely to config.Parse (a fresh viper
// instance per invocation), so cobra's own flag machinery is disabled
// here to avoid double-parsing the same argv.
func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "start",
		Short:              "Start the Agent Name Service HTTP server",
		DisableFlagParsing: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			settings, err := config.Parse(os.Args[1:])
			if err != nil {
				return err
			}

			return runStart(settings)
		},
	}

	return cmd
}

// NewHealthCommand builds the "health" subcommand: a CLI probe that
// hits a running instance's /health endpoint and exits non-zero on
// anything but a healthy response.
func NewHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "health",
		Short:              "Check whether a running ans-server instance is healthy",
		DisableFlagParsing: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			settings, err := config.Parse(os.Args[1:])
			if err != nil {
				return err
			}

			return runHealthCheck(settings)
		},
	}

	return cmd
}

func newLogger(settings *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(settings.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	handler := slogmulti.Fanout(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	)

	return slog.New(handler)
}

func runStart(settings *config.Settings) error {
	logger := newLogger(settings)
	audit := observability.NewSlogAuditSink(logger)

	authority, err := ca.New(ca.Config{CertTTL: settings.CACertTTL})
	if err != nil {
		return fmt.Errorf("start CA: %w", err)
	}

	logger.Info("certificate authority ready", slog.String("subject", authority.Certificate().Subject.CommonName))

	if !settings.OCSPEnabled {
		logger.Warn("ocsp_enabled=false has no effect yet; resolve always verifies OCSP-or-chain")
	}

	metrics := observability.NewMetricsRegistry()

	responder := ocsp.NewResponder(authority, settings.OCSPResponderTTL)

	ocspClient := ocsp.NewClient(responder, authority.Certificate(), authority.VerifyChain, ocsp.ClientConfig{
		ClientTTL:        settings.OCSPClientTTL,
		TransportTimeout: settings.OCSPTransportTimeout,
		Audit:            audit,
		Metrics:          metrics,
	})

	protocols := protocol.NewRegistry()

	autoApprove := make(map[string]bool, len(settings.AutoApproveProfiles))
	for _, category := range settings.AutoApproveProfiles {
		autoApprove[category] = true
	}

	store, err := newStore(settings.StorageDSN)
	if err != nil {
		return fmt.Errorf("start storage: %w", err)
	}

	logger.Info("storage backend ready", slog.String("dsn", settings.StorageDSN))

	registrationAuthority := ra.New(ra.Config{
		ReservedNames:       settings.ReservedNames,
		DomainBlocklist:     settings.DomainBlocklist,
		AutoApproveProfiles: autoApprove,
		Audit:               audit,
	}, authority, responder, protocols, store, metrics)

	logger.Info("registration authority ready")

	agentRegistry, err := registry.New(registry.Config{Name: "registry", Audit: audit, Metrics: metrics}, authority, ocspClient, store)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	logger.Info("agent registry ready", slog.String("certificate_serial", agentRegistry.Certificate().Serial))

	httpServer := server.New(server.Config{
		Authority:     authority,
		OCSPResponder: responder,
		OCSPClient:    ocspClient,
		Protocols:     protocols,
		RA:            registrationAuthority,
		Registry:      agentRegistry,
		Audit:         audit,
	})

	app := httpServer.NewApp()

	addr := fmt.Sprintf("%s:%d", settings.BindAddress, settings.BindPort)
	logger.Info("listening", slog.String("address", addr))

	return app.Listen(addr)
}

// newStore selects a storage.Port backend from dsn: "memory://" (and
// the empty string) use the in-memory reference implementation,
// anything else is handed to storage.NewGormStore (PostgreSQL for a
// "postgres(ql)://" scheme, SQLite otherwise).
func newStore(dsn string) (storage.Port, error) {
	if dsn == "" || dsn == "memory://" {
		return storage.NewMemoryStore(), nil
	}

	return storage.NewGormStore(dsn)
}

func runHealthCheck(settings *config.Settings) error {
	addr := fmt.Sprintf("http://%s:%d/health", loopbackHost(settings.BindAddress), settings.BindPort)

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(addr)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Println(string(body))

	return nil
}

// loopbackHost rewrites the wildcard bind address to a dialable
// loopback address for the local health probe.
func loopbackHost(bindAddress string) string {
	if bindAddress == "0.0.0.0" || bindAddress == "" {
		return "127.0.0.1"
	}

	return bindAddress
}
