package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raushankrgupta/fitly-tryon/api"
	"github.com/raushankrgupta/fitly-tryon/auth"
	"github.com/raushankrgupta/fitly-tryon/catalog"
	"github.com/raushankrgupta/fitly-tryon/compose"
	"github.com/raushankrgupta/fitly-tryon/config"
	"github.com/raushankrgupta/fitly-tryon/inference"
	"github.com/raushankrgupta/fitly-tryon/jobs"
	"github.com/raushankrgupta/fitly-tryon/ledger"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/metrics"
	"github.com/raushankrgupta/fitly-tryon/notify"
	"github.com/raushankrgupta/fitly-tryon/storage"
	"github.com/raushankrgupta/fitly-tryon/store"
	"github.com/raushankrgupta/fitly-tryon/tryon"
	"github.com/raushankrgupta/fitly-tryon/uploader"
	"github.com/raushankrgupta/fitly-tryon/utils"
	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tokens := tokenSource(cfg)

	objects, err := objectStore(ctx, cfg, tokens)
	if err != nil {
		lg.Fatal("Failed to initialize object storage", "backend", cfg.Storage.Backend, "error", err)
	}
	up := uploader.New(objects, uploader.RetryPolicy{
		MaxRetries:     cfg.Upload.MaxRetries,
		InitialBackoff: cfg.Upload.InitialBackoff,
		MaxBackoff:     cfg.Upload.MaxBackoff,
	}, lg, m)

	persister, closePersister, err := sessionPersister(ctx, cfg)
	if err != nil {
		lg.Fatal("Failed to initialize session persistence", "backend", cfg.Persistence.Backend, "error", err)
	}
	defer closePersister()

	sessions := store.New(cfg.UserID, persister, lg)
	if err := sessions.Load(ctx); err != nil {
		lg.Fatal("Failed to load session", "error", err)
	}
	sessions.Start(ctx)

	var remote ledger.RemoteLedger
	if cfg.Supabase.URL != "" {
		remote = ledger.NewSupabaseLedger(cfg.Supabase.URL, cfg.Supabase.AnonKey, tokens, nil)
	}
	var entitlements ledger.Entitlements
	if cfg.Ledger.EntitlementURL != "" {
		entitlements = ledger.NewHTTPEntitlements(cfg.Ledger.EntitlementURL, cfg.UserID, tokens, nil)
	}
	credits := ledger.New(sessions, remote, entitlements, lg, m)

	collab, closeCollab, err := compositor(ctx, cfg, lg, tokens, up)
	if err != nil {
		lg.Fatal("Failed to initialize compositor", "backend", cfg.Inference.Backend, "error", err)
	}
	defer closeCollab()

	machine := jobs.New(sessions, collab, jobs.Config{
		PollInterval:         cfg.Inference.PollInterval,
		MaxConsecutiveErrors: cfg.Inference.MaxConsecutiveErrors,
		SubmitTimeout:        cfg.Inference.SubmitTimeout,
	}, lg, m)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SendGrid.APIKey != "" {
		n, err := notify.NewSendGridNotifier(cfg.SendGrid.APIKey, cfg.SendGrid.FromEmail, cfg.UserName, cfg.UserEmail, lg)
		if err != nil {
			lg.Warn("Email notifications disabled", "error", err)
		} else {
			notifier = n
		}
	}

	svc := tryon.New(sessions, credits, machine, up, catalog.NewImporter(nil, lg), notifier,
		compose.AssetResolver{BaseURL: cfg.Assets.BaseURL},
		tryon.Buckets{
			Profiles: cfg.Storage.ProfileBucket,
			Garments: cfg.Storage.GarmentBucket,
			Results:  cfg.Storage.ResultBucket,
		}, lg)

	if _, ok := credits.Reconcile(ctx); !ok {
		lg.Warn("Starting with cached credits", "credits", credits.LocalCache().Credits)
	}
	if n := svc.ResumeInFlight(ctx); n > 0 {
		lg.Info("Resumed in-flight jobs", "count", n)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Ledger.ReconcileSchedule, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if state, ok := credits.Reconcile(rctx); ok {
			lg.Debug("Credits reconciled", "credits", state.Credits)
		}
	}); err != nil {
		lg.Fatal("Invalid reconcile schedule", "schedule", cfg.Ledger.ReconcileSchedule, "error", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	api.New(sessions, credits, svc, lg, api.Options{
		UploadDir: cfg.UploadDir,
		JWTSecret: []byte(cfg.APIJWTSecret),
	}).Routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Serve static files for images
	mux.Handle("/user_images/", http.StripPrefix("/user_images/", http.FileServer(http.Dir(cfg.UploadDir))))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           utils.LatencyMiddleware(lg, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info(fmt.Sprintf("Server starting on port %s...", cfg.Port), "storage", cfg.Storage.Backend, "inference", cfg.Inference.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Server failed to start", "error", err)
		}
	}()

	<-ctx.Done()
	lg.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	<-scheduler.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("HTTP shutdown failed", "error", err)
	}
	svc.Stop()
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		lg.Warn("Background try-on work still running at shutdown")
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		lg.Error("Final session flush failed", "error", err)
	}
}

func tokenSource(cfg *config.Config) oauth2.TokenSource {
	if cfg.Supabase.AccessToken == "" && cfg.Supabase.RefreshToken == "" {
		return auth.StaticTokenSource(cfg.Supabase.AnonKey)
	}
	return auth.NewSessionTokenSource(cfg.Supabase.URL, cfg.Supabase.AnonKey,
		cfg.Supabase.AccessToken, cfg.Supabase.RefreshToken, nil).TokenSource()
}

func objectStore(ctx context.Context, cfg *config.Config, tokens oauth2.TokenSource) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Region:        cfg.Storage.S3Region,
			Endpoint:      cfg.Storage.S3Endpoint,
			AccessKey:     cfg.Storage.S3AccessKey,
			SecretKey:     cfg.Storage.S3SecretKey,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
			Presign:       cfg.Storage.Presign,
		})
	case "minio":
		return storage.NewMinioStore(cfg.Storage.MinioEndpoint, cfg.Storage.MinioAccessKey, cfg.Storage.MinioSecretKey,
			cfg.Storage.MinioUseSSL, cfg.Storage.PublicBaseURL, cfg.Storage.Presign)
	default:
		return storage.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.AnonKey, tokens,
			&http.Client{Timeout: cfg.Upload.Timeout}), nil
	}
}

func sessionPersister(ctx context.Context, cfg *config.Config) (store.Persister, func(), error) {
	switch cfg.Persistence.Backend {
	case "mongo":
		client, err := store.ConnectMongo(ctx, cfg.Persistence.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		return store.NewMongoPersister(client, cfg.Persistence.MongoDB, cfg.UserID), func() {
			_ = client.Disconnect(context.Background())
		}, nil
	case "redis":
		rdb, err := store.ConnectRedis(ctx, cfg.Persistence.RedisAddr, cfg.Persistence.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisPersister(rdb, cfg.UserID), func() { _ = rdb.Close() }, nil
	default:
		return store.NewMemoryPersister(), func() {}, nil
	}
}

func compositor(ctx context.Context, cfg *config.Config, lg *logger.Logger, tokens oauth2.TokenSource, up *uploader.Uploader) (inference.Collaborator, func(), error) {
	if cfg.Inference.Backend == "gemini" {
		g, err := inference.NewGeminiCompositor(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, up, cfg.Storage.ResultBucket, cfg.UserID, lg)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	}
	return inference.NewHTTPClient(cfg.Inference.URL, cfg.Inference.APIKey, tokens, nil), func() {}, nil
}
