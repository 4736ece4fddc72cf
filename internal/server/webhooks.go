package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"statetrail/internal/config"
	"statetrail/internal/domain"
	"statetrail/internal/metrics"
	"statetrail/internal/repo"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookDispatcher tails the state log and posts new records to the
// configured targets. The cursor is a state record id; since ids are
// UUIDv7, "records after the cursor" is a plain primary key scan, and the
// cursor survives restarts in the database.
type webhookDispatcher struct {
	repo     repo.Repo
	targets  []string
	interval time.Duration
	batch    int
	client   *http.Client
	stop     chan struct{}
}

// StartWebhookDispatcher begins delivering state records to cfg's webhook
// targets. The returned stop function blocks new polls; an in-flight batch
// finishes first.
func StartWebhookDispatcher(r repo.Repo, cfg *config.Config) (stop func()) {
	if cfg == nil || len(cfg.Webhooks.Targets) == 0 {
		return func() {}
	}
	interval := time.Duration(cfg.Webhooks.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.Webhooks.BatchSize
	if batch <= 0 {
		batch = 100
	}
	d := &webhookDispatcher{
		repo:     r,
		targets:  cfg.Webhooks.Targets,
		interval: interval,
		batch:    batch,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		stop:     make(chan struct{}),
	}
	go d.run()
	return func() { close(d.stop) }
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatch()
		select {
		case <-ticker.C:
		case <-d.stop:
			return
		}
	}
}

func (d *webhookDispatcher) dispatch() {
	ctx := context.Background()
	cursor, err := d.repo.GetWebhookCursor(ctx)
	if err != nil {
		log.Printf("webhook: read cursor failed: %v", err)
		return
	}
	recs, err := d.repo.RecordsSince(ctx, cursor, d.batch)
	if err != nil {
		log.Printf("webhook: fetch records failed: %v", err)
		return
	}
	for _, rec := range recs {
		if err := d.deliver(ctx, rec); err != nil {
			// Stop at the first failure; the cursor stays put so the record
			// is retried next poll.
			log.Printf("webhook: deliver %s failed: %v", rec.ID, err)
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
		if err := d.repo.SetWebhookCursor(ctx, rec.ID); err != nil {
			log.Printf("webhook: advance cursor failed: %v", err)
			return
		}
	}
}

func (d *webhookDispatcher) deliver(ctx context.Context, rec domain.StateRecord) error {
	data, err := json.Marshal(recordResponse(rec, true))
	if err != nil {
		return err
	}
	for _, target := range d.targets {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Statetrail-Entity", rec.EntityType)
		req.Header.Set("X-Statetrail-Delivery", rec.ID)
		res, err := d.client.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return fmt.Errorf("status %d from %s: %s", res.StatusCode, target, strings.TrimSpace(string(body)))
		}
	}
	return nil
}
