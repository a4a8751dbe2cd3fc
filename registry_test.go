package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"verse/server/internal/engine"
	"verse/server/internal/net/ws"
	"verse/server/internal/world"
)

func TestAnnouncementCarriesServerURLs(t *testing.T) {
	got := make(chan announcement, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a announcement
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("announce body unreadable: %v", err)
		}
		select {
		case got <- a:
		default:
		}
	}))
	t.Cleanup(srv.Close)

	eng := engine.New(world.NewStore(), engine.Options{})
	hub := ws.NewHub(eng, nil, nil, nil, nil, ws.Config{}, nil)

	cfg := Config{
		WSURL:       "wss://world.example/ws",
		APIURL:      "https://world.example/api",
		AdminURL:    "https://world.example/admin",
		RegistryURL: srv.URL,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go announceLoop(ctx, cfg, hub, zap.NewNop())

	select {
	case a := <-got:
		if a.WSURL != cfg.WSURL || a.APIURL != cfg.APIURL || a.AdminURL != cfg.AdminURL {
			t.Fatalf("announcement missing urls: %+v", a)
		}
		if a.SeenAt == "" {
			t.Fatalf("announcement must carry a seenAt stamp")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("registry never saw an announce")
	}
}
