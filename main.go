// World server: authoritative realtime state for multi-client 3D
// apps. Boot wires the sqlite mirror, the mutation engine, the player
// and admin hubs, and the periodic flush, then serves until signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"verse/server/internal/ai"
	"verse/server/internal/assets"
	"verse/server/internal/cleaner"
	"verse/server/internal/deploylock"
	"verse/server/internal/engine"
	"verse/server/internal/net/admin"
	"verse/server/internal/net/ws"
	"verse/server/internal/store"
	"verse/server/internal/token"
	"verse/server/internal/voice"
	"verse/server/internal/world"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// fanout forwards engine events to both hubs.
type fanout struct {
	players *ws.Hub
	admins  *admin.Hub
}

func (f fanout) Broadcast(ev engine.Event, ignore string) {
	f.players.Broadcast(ev, ignore)
	f.admins.Broadcast(ev, ignore)
}

func (f fanout) SendTo(sessionID string, ev engine.Event) {
	f.players.SendTo(sessionID, ev)
}

// opFan tees accepted operations to the durable changefeed and to
// admin runtime subscribers.
type opFan struct {
	feed   *store.Changefeed
	admins *admin.Hub
}

func (f opFan) Append(op world.Operation) {
	f.feed.Append(op)
	f.admins.AppendOperation(op)
}

func run(logger *zap.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.WorldDir, 0o755); err != nil {
		return err
	}

	db, err := store.Open(filepath.Join(cfg.WorldDir, "world.db"), logger.Named("store"))
	if err != nil {
		return err
	}
	defer db.Close()

	state := world.NewStore()
	if err := store.Hydrate(context.Background(), db, state, logger.Named("hydrate")); err != nil {
		return err
	}

	assetStore, err := assets.NewFS(filepath.Join(cfg.WorldDir, "assets"), cfg.AssetsURL)
	if err != nil {
		return err
	}
	signer, err := token.NewSigner(cfg.JWTSecret)
	if err != nil {
		return err
	}

	feed := store.NewChangefeed(db, logger.Named("changefeed"))
	locks := deploylock.NewManager()
	eng := engine.New(state, engine.Options{
		Locks:  locks,
		Feed:   feed,
		Logger: logger.Named("engine"),
	})

	var voiceTransport voice.Transport = voice.Disabled{}
	var aiService ai.Service = ai.Disabled{}

	sessions := ws.NewHub(eng, db, signer, voiceTransport, aiService, ws.Config{
		AssetsURL:     assetStore.URL(),
		MaxUploadSize: cfg.MaxUploadSize,
		AdminCode:     cfg.AdminCode,
	}, logger.Named("ws"))
	admins := admin.NewHub(eng, sessions, cfg.AdminCode, logger.Named("admin"))

	eng.SetBroadcaster(fanout{players: sessions, admins: admins})
	eng.SetOpSink(opFan{feed: feed, admins: admins})
	eng.SetAIGate(ai.Gate{Service: aiService})

	sweeper := cleaner.New(eng, db, assetStore, logger.Named("cleaner"))
	flusher := store.NewFlusher(db, eng, time.Duration(cfg.SaveInterval)*time.Second, logger.Named("flush"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); flusher.Run(ctx) }()
	go func() { defer wg.Done(); sessions.Run(ctx) }()

	if cfg.RegistryEnabled && cfg.RegistryURL != "" {
		wg.Add(1)
		go func() { defer wg.Done(); announceLoop(ctx, cfg, sessions, logger.Named("registry")) }()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sessions.ServeWS)
	mux.HandleFunc("/admin", admins.ServeWS)
	admin.NewAPI(admins, eng, feed, db, assetStore, sweeper, cfg.MaxUploadSize, logger.Named("admin")).Register(mux)
	mux.Handle(cfg.AssetsURL+"/", http.StripPrefix(cfg.AssetsURL+"/",
		http.FileServer(http.Dir(filepath.Join(cfg.WorldDir, "assets")))))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Shutdown order: stop accepting, drain sessions and run the final
	// flush, close the changefeed writer, checkpoint, close.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	feed.Close()
	if err := db.Checkpoint(); err != nil {
		logger.Warn("wal checkpoint", zap.Error(err))
	}
	return nil
}
