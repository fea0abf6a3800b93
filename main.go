package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/anchorage-sh/anchorage/internal/audit"
	"github.com/anchorage-sh/anchorage/internal/config"
	"github.com/anchorage-sh/anchorage/internal/crypto"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/handlers"
	"github.com/anchorage-sh/anchorage/internal/hostkey"
	"github.com/anchorage-sh/anchorage/internal/logging"
	"github.com/anchorage-sh/anchorage/internal/orchestrator"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/anchorage-sh/anchorage/internal/trust"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/fernet/fernet-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()
	logging.Init()

	// The master key gates everything the vault does. A bad key is a
	// startup failure, never a runtime surprise.
	masterKey, err := crypto.ParseMasterKey(config.Cfg.MasterKey)
	if err != nil {
		log.Fatalf("Master key: %v", err)
	}

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hostKeyPEM, err := hostkey.LoadOrGenerate(config.Cfg.HostKeyPath)
	if err != nil {
		log.Fatalf("Host key init: %v", err)
	}
	if _, err := hostkey.Signer(hostKeyPEM); err != nil {
		log.Fatalf("Host key parse: %v", err)
	}
	log.Printf("Host identity key ready (%d bytes)", len(hostKeyPEM))

	v := vault.New(database.DB, masterKey)
	trustStore := trust.NewStore(database.DB)
	reg := registry.New(database.DB)
	auditQ := audit.NewQueue(database.DB, config.Cfg.AuditQueueSize, config.Cfg.AuditRetentionDays)
	orch := orchestrator.New(database.DB, v, trustStore, reg, orchestrator.NewTmuxRunner(), auditQ)

	handlers.Vault = v
	handlers.Trust = trustStore
	handlers.Registry = reg
	handlers.Orch = orch
	handlers.Audit = auditQ

	// Attach tokens are signed with a process-local key: tokens do not
	// survive a restart, which is fine for a 60 second TTL.
	var attachKey fernet.Key
	if err := attachKey.Generate(); err != nil {
		log.Fatalf("Attach token key: %v", err)
	}
	handlers.AttachKeys = []*fernet.Key{&attachKey}
	attachTTL, err := time.ParseDuration(config.Cfg.AttachTokenTTL)
	if err != nil || attachTTL <= 0 {
		attachTTL = time.Minute
	}
	handlers.AttachTokenTTL = attachTTL

	sweepInterval, err := time.ParseDuration(config.Cfg.IdleSweepInterval)
	if err != nil || sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(sweepInterval), cron.FuncJob(orch.SweepIdle))
	scheduler.AddFunc("@daily", func() {
		if _, err := auditQ.Prune(); err != nil {
			log.Printf("Audit prune: %v", err)
		}
	})
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/credentials", handlers.CreateCredential)
		r.Get("/credentials", handlers.ListCredentials)
		r.Get("/credentials/{id}", handlers.GetCredential)
		r.Delete("/credentials/{id}", handlers.DeleteCredential)

		r.Post("/connections", handlers.CreateConnection)
		r.Get("/connections", handlers.ListConnections)
		r.Get("/connections/export", handlers.ExportConnections)
		r.Post("/connections/import", handlers.ImportConnections)
		r.Get("/connections/{id}", handlers.GetConnection)
		r.Put("/connections/{id}", handlers.UpdateConnection)
		r.Delete("/connections/{id}", handlers.DeleteConnection)

		r.Get("/known-hosts", handlers.ListKnownHosts)
		r.Get("/known-hosts/{id}", handlers.GetKnownHost)
		r.Post("/known-hosts/{id}/approve", handlers.ApproveKnownHost)
		r.Post("/known-hosts/{id}/reject", handlers.RejectKnownHost)
		r.Delete("/known-hosts/{id}", handlers.RevokeKnownHost)

		r.Get("/server/logs", handlers.GetServerLogs)
		r.Delete("/server/logs", handlers.ClearServerLogs)

		r.Post("/sessions", handlers.OpenSession)
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.TerminateSession)
		r.Post("/sessions/{id}/terminate", handlers.TerminateSession)
		r.Post("/sessions/{id}/input", handlers.SessionInput)
		r.Post("/sessions/{id}/resize", handlers.ResizeSession)
		r.Get("/sessions/{id}/scrollback", handlers.SessionScrollback)
		r.Post("/sessions/{id}/attach-token", handlers.IssueAttachToken)
		r.Get("/sessions/{id}/attach", handlers.AttachSession)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	auditQ.Close()
	log.Println("Server stopped")
}
