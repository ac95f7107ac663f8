package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"shelfplay/internal/auth"
	"shelfplay/internal/geoip"
	"shelfplay/internal/maintenance"
	"shelfplay/internal/notifier"
	"shelfplay/internal/scheduler"
	"shelfplay/internal/server"
	"shelfplay/internal/session"
	"shelfplay/internal/store"
	"shelfplay/internal/stream"
	"shelfplay/internal/version"
)

func main() {
	dbPath := envOr("DB_PATH", "./data/shelfplay.db")
	listenAddr := envOr("LISTEN_ADDR", ":13378")
	streamsRoot := envOr("STREAMS_DIR", "./data/streams")
	ffmpegPath := envOr("FFMPEG_PATH", "ffmpeg")
	corsOrigin := os.Getenv("CORS_ORIGIN")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(streamsRoot, 0755); err != nil {
		log.Fatal(err)
	}

	st, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatalf("running migrations: %v", err)
	}

	authSvc := auth.NewService(st)
	bootstrapAdmin(st, authSvc)

	geoResolver := geoip.NewResolver(os.Getenv("GEOIP_DB"))
	defer geoResolver.Close()

	registry := session.NewRegistry()
	hub := notifier.NewHub()
	opener := stream.NewOpener(streamsRoot, ffmpegPath)
	manager := session.NewManager(registry, st, hub, opener)

	reclaimer := maintenance.NewReclaimer(streamsRoot, registry, st)
	sched := scheduler.New(reclaimer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	srv := server.NewServer(st, manager, hub, authSvc,
		server.WithCORSOrigin(corsOrigin),
		server.WithGeoResolver(geoResolver),
		server.WithStreamsRoot(streamsRoot),
		server.WithLifetime(ctx),
	)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("shelfplay %s listening on %s", version.Version, listenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// bootstrapAdmin creates the initial admin account on an empty install.
func bootstrapAdmin(st *store.Store, authSvc *auth.Service) {
	users, err := st.ListUsers()
	if err != nil {
		log.Fatalf("listing users: %v", err)
	}
	if len(users) > 0 {
		return
	}
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		log.Println("no users exist and ADMIN_PASSWORD is not set; login will be impossible")
		return
	}
	if _, err := authSvc.CreateUser("admin", password, true); err != nil {
		log.Fatalf("creating admin user: %v", err)
	}
	log.Println("created initial admin user")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
