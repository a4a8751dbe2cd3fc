package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"verse/server/internal/net/ws"
)

const announceInterval = 5 * time.Minute

type announcement struct {
	WSURL    string `json:"wsUrl"`
	APIURL   string `json:"apiUrl"`
	AdminURL string `json:"adminUrl,omitempty"`
	Players  int    `json:"players"`
	SeenAt   string `json:"seenAt"`
}

// announceLoop keeps the world listed on the public registry while it
// runs. Failures are logged and retried on the next tick.
func announceLoop(ctx context.Context, cfg Config, sessions *ws.Hub, log *zap.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	announce := func() {
		body, err := json.Marshal(announcement{
			WSURL:    cfg.WSURL,
			APIURL:   cfg.APIURL,
			AdminURL: cfg.AdminURL,
			Players:  sessions.SessionCount(),
			SeenAt:   time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RegistryURL, bytes.NewReader(body))
		if err != nil {
			log.Warn("registry request build failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			log.Warn("registry announce failed", zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Warn("registry rejected announce", zap.Int("status", resp.StatusCode))
		}
	}

	announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}
