package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"threadloom/api/internal/app"
	"threadloom/api/internal/config"
	"threadloom/api/internal/realtime"
	"threadloom/api/internal/search"
	"threadloom/api/internal/session"
	"threadloom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG()

	hub := realtime.NewHub()
	var bridge *realtime.Bridge
	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessions.Close()

		bridge = realtime.NewBridge(sessions.Client(), hub)
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("realtime bridge stopped: %v", err)
			}
		}()
		log.Printf("realtime events fan out through redis")
	} else {
		log.Printf("redis not configured, realtime events stay in-process")
	}
	broadcaster := realtime.NewBroadcaster(hub, bridge)

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, dataStore, sessions, broadcaster, searchService)
	} else {
		service = app.New(cfg, dataStore, nil, broadcaster, searchService)
	}

	gateway := realtime.NewGateway(hub, service.AuthenticateWS)

	mux := http.NewServeMux()
	mux.Handle("/api/ws", gateway)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Threadloom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
