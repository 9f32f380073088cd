package main

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/signato/platform/internal/audit"
	"github.com/signato/platform/internal/authz"
	"github.com/signato/platform/internal/document"
	"github.com/signato/platform/internal/notification"
	"github.com/signato/platform/internal/objectstore"
	"github.com/signato/platform/internal/shared/auth"
	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/database"
	"github.com/signato/platform/internal/shared/events"
	"github.com/signato/platform/internal/shared/metrics"
	secmiddleware "github.com/signato/platform/internal/shared/middleware"
	"github.com/signato/platform/internal/shared/types"
	"github.com/signato/platform/internal/signature"
	"github.com/signato/platform/internal/signing"
	"github.com/signato/platform/internal/trust"
	"github.com/signato/platform/internal/tsa"
)

// App holds the long-lived application dependencies.
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    events.EventBus
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	// Database is optional in development; without it every store falls
	// back to its memory twin.
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Printf("Warning: database not available: %v\n", err)
		fmt.Println("Running with in-memory stores...")
	} else {
		app.DB = db
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			os.Exit(1)
		}
	}

	// Event bus: EventStoreDB when reachable, in-process otherwise.
	if bus, err := events.NewBus(ctx, cfg.EventStore); err != nil {
		fmt.Printf("Warning: EventStoreDB not available: %v\n", err)
		app.Bus = events.NewMemoryBus()
	} else {
		app.Bus = bus
	}
	defer app.Bus.Close()

	// Audit log and document store share transactions so every state
	// transition commits together with its audit entries.
	var auditLog audit.Log
	var documentStore document.Store
	if app.DB != nil {
		auditRepo := audit.NewRepository(app.DB.Pool)
		auditLog = auditRepo
		documentStore = document.NewRepository(app.DB.Pool, auditRepo)
	} else {
		auditLog = audit.NewMemoryLog()
		documentStore = document.NewMemoryStore(auditLog)
	}

	var authorizer *authz.Engine
	if app.DB != nil {
		authorizer = authz.NewEngine(
			authz.NewPostgresTupleStore(app.DB.Pool),
			authz.NewPostgresAttributeStore(app.DB.Pool),
		)
	} else {
		authorizer = authz.NewEngine(authz.NewMemoryTupleStore(), authz.NewMemoryAttributeStore())
	}

	var blobs objectstore.Store
	if app.DB != nil && cfg.ObjectStore.Backend == "postgres" {
		blobs = objectstore.NewPostgresStore(app.DB.Pool)
	} else {
		blobs = objectstore.NewMemoryStore()
	}
	gateway := objectstore.NewGateway(blobs, cfg.ObjectStore.URLSecret,
		cfg.Server.PublicBaseURL, cfg.ObjectStore.DownloadURLTTL)

	// Timestamping: ranked external authorities, plus the in-process
	// responder as the last resort when enabled.
	tsaClient, err := tsa.NewClient(cfg.TSA)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build TSA client: %v\n", err)
		os.Exit(1)
	}
	var localTSA *tsa.LocalAuthority
	if cfg.TSA.LocalEnabled {
		if cfg.TSA.CertPath != "" && cfg.TSA.KeyPath != "" {
			localTSA, err = tsa.LoadLocalAuthority(cfg.TSA.CertPath, cfg.TSA.KeyPath)
		} else {
			localTSA, err = tsa.NewLocalAuthority(cfg.TSA.OrgName)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start local TSA: %v\n", err)
			os.Exit(1)
		}
		tsaClient.AddAuthority(tsa.Authority{
			Name:      "local",
			URL:       cfg.Server.PublicBaseURL + "/tsa",
			Qualified: false,
			HashAlgo:  crypto.SHA256,
		})
	}

	// Trust state: restore persisted lists, then refresh on an interval.
	var listStore trust.ListStore
	if app.DB != nil {
		listStore = trust.NewPostgresListStore(app.DB.Pool)
	} else {
		listStore = trust.NewMemoryListStore()
	}
	trustService := trust.NewService(cfg.Trust, listStore)
	if err := trustService.Restore(ctx); err != nil {
		fmt.Printf("Warning: trust list restore failed: %v\n", err)
	}
	go trustService.Run(ctx)

	verifier := trust.NewVerifier(trustService, trust.NewChecker(cfg.Trust.OCSPTimeout))

	// Development CA issuing per-signature identities. Its root is a
	// local trust anchor so freshly issued signatures verify.
	ca, err := signature.NewCA("Signato Issuing CA")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create issuing CA: %v\n", err)
		os.Exit(1)
	}
	verifier.AddAnchor(ca.Certificate())

	signatureEngine := signature.NewEngine(verifier, tsaClient)
	var signatureStore signature.Store
	if app.DB != nil {
		signatureStore = signature.NewRepository(app.DB.Pool)
	} else {
		signatureStore = signature.NewMemoryStore()
	}

	checkpoints := audit.NewCheckpointService(auditLog, tsa.NewChainWitness(tsaClient))

	signingService := signing.NewService(signing.Deps{
		Documents:  documentStore,
		Trail:      auditLog,
		Authorizer: authorizer,
		Objects:    gateway,
		Signer:     signatureEngine,
		Signatures: signatureStore,
		Identities: signing.NewCAIdentityProvider(ca),
		Links:      signing.NewLinkSigner(cfg.Signing.LinkSecret, cfg.Signing.LinkTTL, cfg.Signing.RouteBase),
		Bus:        app.Bus,
	}, cfg.Signing)
	go signingService.RunExpirySweep(ctx, time.Hour)

	var ledger notification.Ledger
	if app.DB != nil {
		ledger = notification.NewPostgresLedger(app.DB.Pool)
	} else {
		ledger = notification.NewMemoryLedger()
	}
	dispatcher := notification.NewDispatcher(
		notification.NewProvider(cfg.Notification),
		ledger,
		nil,
		notification.ConfigFromApp(cfg.Notification),
	)
	if err := dispatcher.Start(ctx, app.Bus); err != nil {
		fmt.Printf("Warning: notification dispatcher failed to start: %v\n", err)
	} else {
		defer dispatcher.Stop()
	}

	signingHandler := signing.NewHandler(signingService)
	documentHandler := document.NewHandler(documentStore, auditLog, authorizer)
	auditHandler := audit.NewHandler(auditLog, checkpoints)
	objectHandler := objectstore.NewHandler(gateway)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.InputSanitizer)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	// Unauthenticated surfaces: signing links carry their own HMAC
	// credential, object URLs carry theirs, the TSA speaks RFC 3161.
	r.Mount("/"+cfg.Signing.RouteBase, signingHandler.PublicRoutes())
	r.Mount("/objects", objectHandler.Routes())
	if localTSA != nil {
		r.Handle("/tsa", localTSA)
	}
	if cfg.Server.Env != "production" {
		r.Post("/auth/dev-token", devTokenHandler(cfg.Auth))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		r.Use(secmiddleware.RateLimiter(100, 200))

		// Reads come from the document module, mutations go through the
		// signing coordinator.
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", documentHandler.ListDocuments)
			r.Post("/", signingHandler.CreateDocument)
			r.Route("/{documentID}", func(r chi.Router) {
				r.Get("/", documentHandler.GetDocument)
				r.Get("/audit", documentHandler.ReadAuditTrail)
				r.Get("/download", signingHandler.Download)
				r.Post("/signers", signingHandler.AddSigner)
				r.Post("/fields", signingHandler.AddField)
				r.Post("/send", signingHandler.Send)
				r.Post("/void", signingHandler.Void)
				r.Post("/validate", signingHandler.ValidateSignatures)
				r.Post("/signers/{signerID}/resend", signingHandler.ResendLink)
			})
		})

		r.Mount("/audit", auditHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Signato Document Signing Platform")
	fmt.Println("============================================")
	fmt.Printf("Environment:  %s\n", cfg.Server.Env)
	fmt.Printf("Server:       http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:          http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Signing:      %s/%s/{documentId}/{signerId}\n", cfg.Server.PublicBaseURL, cfg.Signing.RouteBase)
	fmt.Printf("Local TSA:    %v\n", cfg.TSA.LocalEnabled)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Signato Document Signing Platform",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"server": "ready"}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if err := app.Bus.Health(); err != nil {
			checks["eventstore"] = "not ready: " + err.Error()
		} else {
			checks["eventstore"] = "ready"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

// devTokenHandler issues a session token without credentials. Only
// registered outside production.
func devTokenHandler(cfg config.AuthConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string   `json:"email"`
			Name  string   `json:"name"`
			OrgID types.ID `json:"org_id"`
			Roles []string `json:"roles"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "email is required"})
			return
		}

		user := auth.User{
			ID:       types.NewID(),
			Email:    req.Email,
			Name:     req.Name,
			UserType: "user",
			OrgID:    req.OrgID,
			Roles:    req.Roles,
		}
		token, err := auth.IssueToken(cfg, user)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"message": "failed to issue token"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"token": token, "user": user})
	}
}
