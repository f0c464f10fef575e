package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/api"
	"github.com/soaringjerry/Renova/internal/attest"
	"github.com/soaringjerry/Renova/internal/config"
	"github.com/soaringjerry/Renova/internal/logging"
	"github.com/soaringjerry/Renova/internal/middleware"
	"github.com/soaringjerry/Renova/internal/notify"
	"github.com/soaringjerry/Renova/internal/oracle"
	"github.com/soaringjerry/Renova/internal/services"
)

func main() {
	root := os.Getenv("RENOVA_ROOT")
	if root == "" {
		root = "."
	}
	loader := config.NewLoader(root)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(cfg, os.Args[2:]); err != nil {
			log.Fatalf("token: %v", err)
		}
		return
	}

	level := zap.NewAtomicLevel()
	logger, err := logging.New(cfg.Logging, level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	loader.Watch(logger, applyReload(level, logger))

	err = run(cfg, logger)
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// applyReload applies the settings that can change without a restart. Only
// logging.level is live; other keys are read once at startup.
func applyReload(level zap.AtomicLevel, logger *zap.Logger) func(*config.Config) {
	return func(cfg *config.Config) {
		if err := logging.SetLevel(level, cfg.Logging.Level); err != nil {
			logger.Error("apply log level", zap.Error(err))
			return
		}
		logger.Info("log level applied", zap.String("level", level.Level().String()))
	}
}

// runToken prints a requester bearer token, for local testing.
func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "requester identity")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	auth, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	tok, err := auth.SignToken(*sub, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			logger.Warn("close store", zap.Error(cerr))
		}
	}()

	verifier, err := attest.NewVerifier(cfg.Attest.Scheme, cfg.Attest.HMACSecret, cfg.Attest.Ed25519PublicKey, cfg.Attest.Issuer)
	if err != nil {
		return fmt.Errorf("attestation: %w", err)
	}

	var dispatcher services.Oracle
	if cfg.Oracle.URL != "" {
		client := oracle.NewClient(cfg.Oracle.URL, cfg.Server.PublicURL, cfg.Oracle.DispatchSecret, cfg.Oracle.Timeout)
		client.WithLogger(logger.Named("oracle"))
		dispatcher = client
	} else {
		logger.Warn("oracle.url not set, requests are recorded in-process only")
		dispatcher = oracle.NewRecorder()
	}

	notifiers := notify.Fanout{notify.NewLogNotifier(logger.Named("events"))}
	if cfg.Notify.RedisAddr != "" {
		rdb, err := notify.DialRedis(ctx, cfg.Notify.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, events are logged only", zap.Error(err))
		} else {
			defer rdb.Close()
			rn := notify.NewRedisNotifier(rdb, cfg.Notify.RedisChannel, logger.Named("redis"))
			rn.WithTimeout(cfg.Notify.PublishTimeout)
			notifiers = append(notifiers, rn)
		}
	}

	auth, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	assessments := services.NewAssessmentService(store)
	assessments.WithLogger(logger.Named("assessments"))
	plans := services.NewPlanService(store, verifier, dispatcher)
	plans.WithLogger(logger.Named("plans"))
	progress := services.NewProgressService(store)
	progress.WithLogger(logger.Named("progress"))

	router := api.NewRouter(api.Deps{
		Assessments:    assessments,
		Plans:          plans,
		Progress:       progress,
		Auth:           auth,
		Notifier:       notifiers,
		CallbackSecret: cfg.Oracle.CallbackSecret,
		Log:            logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Renova server listening", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Driver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
