package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"konnect/apps/api/config"
	"konnect/apps/api/crypto"
	"konnect/apps/api/db"
	"konnect/apps/api/events"
	"konnect/apps/api/handlers"
	"konnect/apps/api/local"
	"konnect/apps/api/mfa"
	authmw "konnect/apps/api/middleware"
	"konnect/apps/api/sftp"
	"konnect/apps/api/ssh"
	"konnect/apps/api/workspace"
	"konnect/libs/go/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(logger *logging.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Get()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides KONNECT_ADDR)")
	return cmd
}

// openStore picks Postgres when DATABASE_URL is set and the TOML file store
// otherwise. Secrets are encrypted at rest when a master key is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (db.Store, func(), error) {
	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize encryptor: %w", err)
		}
		logger.Info("encryption service initialized")
	}

	if cfg.DatabaseURL != "" {
		store, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, encryptor)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info("connected to database")
		return store, store.Close, nil
	}

	store := db.NewFileStore(cfg.ConfigDir, encryptor)
	logger.Info("using file connection store", "path", store.Path())
	return store, func() {}, nil
}

func hostKeyVerifier(cfg *config.Config, logger *logging.Logger) (ssh.HostKeyVerifier, error) {
	if cfg.KnownHostsFile == "" {
		logger.Warn("KNOWN_HOSTS_FILE not set, accepting any SSH host key")
		return ssh.AcceptAnyHostKey{Logger: logger}, nil
	}
	return ssh.NewKnownHostsVerifier(cfg.KnownHostsFile)
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if err := config.ValidateStartupConfig(logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := hostKeyVerifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("load known hosts: %w", err)
	}

	// Session layer
	bus := events.NewBus()
	coordinator := mfa.NewCoordinator(bus, logger, mfa.WithTimeout(cfg.MFATimeout))
	sshClient := ssh.NewClient(coordinator, logger,
		ssh.WithHostKeyVerifier(verifier),
		ssh.WithKeepAlive(cfg.KeepAliveInterval, cfg.KeepAliveMax),
		ssh.WithMaxRounds(cfg.MFAMaxRounds),
	)
	controller := workspace.NewController(
		local.NewManager(bus, logger, local.WithDefaultShell(cfg.DefaultShell)),
		ssh.NewManager(sshClient, bus, logger),
		coordinator,
		sftp.NewManager(sshClient, logger),
		logger,
	)
	defer controller.Shutdown()

	// Auth is optional; loopback-only daemons run without it.
	var authMiddleware *authmw.AuthMiddleware
	if cfg.AuthEnabled() {
		authMiddleware, err = authmw.NewAuthMiddleware(cfg.AuthJWKSURL, cfg.AuthJWTSecret)
		if err != nil {
			return fmt.Errorf("initialize auth middleware: %w", err)
		}
		logger.Info("auth middleware initialized")
	}

	healthHandler := handlers.NewHealthHandler(store, controller, Version)
	connectionHandler := handlers.NewConnectionHandler(store)
	fileHandler := handlers.NewFileHandler(store, controller)
	terminalHandler := handlers.NewTerminalHandler(ctx, controller, store, bus, cfg.AllowedOrigins)

	r := chi.NewRouter()

	// Create Sentry HTTP handler for panic recovery and request context
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic: true, // Re-panic after capturing so chi's Recoverer can log it
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return sentryHandler.Handle(next)
	})
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check routes
	r.Get("/health", healthHandler.Health)
	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/ready", healthHandler.Readiness)

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware.Authenticate)
		}

		r.Route("/connections", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/", connectionHandler.List)
			r.Post("/", connectionHandler.Create)
			r.Get("/{id}", connectionHandler.Get)
			r.Put("/{id}", connectionHandler.Update)
			r.Delete("/{id}", connectionHandler.Delete)
		})

		// Connect may wait on an MFA prompt, so these routes carry no
		// request timeout beyond the MFA timeout.
		r.Route("/sftp/{id}", func(r chi.Router) {
			r.Post("/connect", fileHandler.Connect)
			r.Get("/list", fileHandler.List)
			r.Post("/download", fileHandler.Download)
			r.Post("/upload", fileHandler.Upload)
			r.Delete("/", fileHandler.Remove)
			r.Post("/mkdir", fileHandler.Mkdir)
			r.Delete("/session", fileHandler.Disconnect)
		})

		r.Get("/ws", terminalHandler.HandleTerminal)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.ListenAddr,
			"version", Version,
			"auth", cfg.AuthEnabled(),
			"mfa_timeout", cfg.MFATimeout.String(),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}
	return nil
}
