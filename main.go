package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/moorgate-io/moorgate/internal/auth"
	"github.com/moorgate-io/moorgate/internal/config"
	"github.com/moorgate-io/moorgate/internal/database"
	"github.com/moorgate-io/moorgate/internal/handlers"
	"github.com/moorgate-io/moorgate/internal/logging"
	"github.com/moorgate-io/moorgate/internal/middleware"
	"github.com/moorgate-io/moorgate/internal/sshcreds"
	"github.com/moorgate-io/moorgate/internal/sshgateway"
)

const activityRetention = 90 * 24 * time.Hour

func main() {
	// Handle CLI commands before starting the servers
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()

	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	secret, err := ensureActivitySecret()
	if err != nil {
		log.Fatalf("Activity secret init: %v", err)
	}
	handlers.ActivitySecret = secret

	tokenStore := auth.NewTokenStore()
	handlers.TokenStore = tokenStore

	gw := sshgateway.New(
		tokenStore,
		sshcreds.NewStore(),
		sshgateway.NewReporter(config.Cfg.ActivityURL, secret),
		sshgateway.Config{
			MaxSessionsPerUser: config.Cfg.MaxSessionsPerUser,
			ConnectTimeout:     config.Cfg.ConnectTimeoutDuration(),
			AnswerTimeout:      config.Cfg.AuthAnswerTimeoutDuration(),
		},
	)

	// Background maintenance jobs
	c := cron.New()
	c.AddFunc("@every 10m", tokenStore.Cleanup)
	c.AddFunc("@every 24h", func() {
		if n, err := database.PruneSSHActivity(activityRetention); err != nil {
			log.Printf("Activity prune failed: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d activity entries", n)
		}
	})
	c.Start()
	defer c.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)

		// Internal endpoints (gateway-minted token)
		r.Post("/internal/ssh-activity", handlers.IngestSSHActivity)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(tokenStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			r.Get("/hosts", handlers.ListHosts)
			r.Get("/hosts/{hostId}", handlers.GetHost)
			r.Post("/hosts", handlers.CreateHost)
			r.Put("/hosts/{hostId}", handlers.UpdateHost)
			r.Delete("/hosts/{hostId}", handlers.DeleteHost)

			r.Get("/credentials", handlers.ListCredentials)
			r.Post("/credentials", handlers.CreateCredential)
			r.Delete("/credentials/{credId}", handlers.DeleteCredential)

			r.Get("/ssh-activity", handlers.ListSSHActivity)
		})
	})

	apiSrv := &http.Server{
		Addr:    config.Cfg.APIAddr,
		Handler: r,
	}
	gwSrv := &http.Server{
		Addr:    config.Cfg.GatewayAddr,
		Handler: gw.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("API server starting on %s", config.Cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()
	go func() {
		log.Printf("Terminal gateway starting on %s", config.Cfg.GatewayAddr)
		if err := gwSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Gateway server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gwSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown: %v", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// ensureActivitySecret loads the shared secret for internal activity tokens,
// generating and persisting one on first boot.
func ensureActivitySecret() ([]byte, error) {
	value, err := database.GetSetting("activity_secret")
	if err == nil && value != "" {
		return hex.DecodeString(value)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	if err := database.SetSetting("activity_secret", hex.EncodeToString(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: moorgate --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing tokens expire on their own.\n", *username)
	}
}
