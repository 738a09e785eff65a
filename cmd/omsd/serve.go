package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/audit"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/config"
	"github.com/defiant4/organization-management-service/internal/credential"
	"github.com/defiant4/organization-management-service/internal/httpapi"
	"github.com/defiant4/organization-management-service/internal/obs"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/ratelimit"
	"github.com/defiant4/organization-management-service/internal/store/pg"
	"github.com/defiant4/organization-management-service/internal/stream"
	"github.com/defiant4/organization-management-service/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and gRPC health server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := obs.NewLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db         *pg.Store
		orgStore   org.Store           = org.NewMemoryStore()
		userStore  account.UserStore   = account.NewMemoryStore()
		tokenOpts  = []token.Option{token.WithLogger(logger)}
		readyProbe httpapi.ReadyProbe
	)
	if cfg.Database.URL != "" {
		db, err = pg.Open(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		logger.Info("connected to database")
		orgStore, userStore = db, db
		tokenOpts = append(tokenOpts, token.WithRevocationStore(db))
		readyProbe.DB = db
	} else {
		logger.Warn("database.url not set; state is kept in memory and lost on exit")
	}

	keys, err := cfg.Keyring()
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	tokens, err := token.NewService(keys, cfg.TokenConfig(), tokenOpts...)
	if err != nil {
		return err
	}
	restored, err := tokens.Restore(ctx)
	if err != nil {
		return err
	}
	logger.Info("token service ready", "signing_key", keys.SigningKeyID(), "verification_keys", keys.KeyIDs(), "revocations_restored", restored)

	hasher, err := credential.NewHasher(cfg.HasherParams())
	if err != nil {
		return err
	}
	accounts := account.NewService(userStore, hasher, account.WithRevoker(tokens), account.WithLogger(logger))

	broker := stream.NewBroker(64)
	auditLog := audit.New(logger, nil)
	orgs := org.NewHierarchy(
		org.WithStore(orgStore),
		org.WithEventSink(org.FanOut{broker, auditLog}),
		org.WithLogger(logger),
	)
	if err := orgs.Load(ctx); err != nil {
		return fmt.Errorf("load hierarchy: %w", err)
	}

	var recorder obs.Recorder
	engine := authz.NewEngine(orgs, authz.WithLogger(logger), authz.WithObserver(recorder.Decision))
	facade := access.NewFacade(tokens, accounts, orgs, engine,
		access.WithLogger(logger),
		access.WithObserver(recorder),
		access.WithLoginLimiter(ratelimit.New(ratelimit.PerMinute(cfg.Login.PerMinute), cfg.Login.Burst, 0, nil)),
	)

	api := httpapi.New(httpapi.Deps{
		Access:       facade,
		Accounts:     accounts,
		Orgs:         orgs,
		Events:       broker,
		Audit:        auditLog,
		Ready:        readyProbe,
		IPLimiter:    ratelimit.New(cfg.Server.RatePerSecond, cfg.Server.RateBurst, 0, nil),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Version:      obs.Version,
		Logger:       logger,
	})

	go sweepRevocations(ctx, logger, tokens, db, recorder, cfg.Auth.SweepInterval)

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(readyProbe, logger)
		health.Register(grpcSrv)
		go health.Run(ctx, 10*time.Second)
		go func() {
			logger.Info("grpc health server starting", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server error", "error", err)
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("server starting", "addr", cfg.Addr(), "version", obs.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		stopGRPC(shutdownCtx, grpcSrv)
	}
	return err
}

// sweepRevocations drops lapsed revocation entries from memory and, when a
// database is configured, from the revocation table.
func sweepRevocations(ctx context.Context, logger *slog.Logger, tokens *token.Service, db *pg.Store, rec obs.Recorder, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := tokens.Sweep(); n > 0 {
				logger.Debug("revocations swept", "count", n)
			}
			rec.RevokedTokens(tokens.RevokedCount())
			if db == nil {
				continue
			}
			if _, err := db.PurgeRevocations(ctx, time.Now().UTC()); err != nil {
				logger.Warn("purge revocations failed", "error", err)
			}
		}
	}
}

// stopGRPC drains in-flight RPCs until ctx ends, then forces the stop.
// Health Watch streams never finish on their own.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
