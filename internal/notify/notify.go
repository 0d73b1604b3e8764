package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Dispatcher delivers audit entries to configured webhooks. Each webhook
// keeps its own cursor into the audit log, initialized at the tail so a
// fresh process does not replay history. Delivery is at-least-once: a
// failed POST stops the batch and the cursor stays put.
type Dispatcher struct {
	repo     repo.Repo
	facility string
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

// Start launches the dispatcher when any webhooks are configured.
func Start(ctx context.Context, db *sql.DB, cfg *config.Config) {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return
	}
	d := &Dispatcher{
		repo:     repo.Repo{DB: db},
		facility: cfg.Facility.ID,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultTimeout},
		interval: defaultInterval,
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.repo.AuditEntriesAfter(ctx, cursor, defaultBatch)
	if err != nil {
		log.Printf("notify: fetch audit entries failed: %v", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, entry := range entries {
		if !filter.match(entry.Action) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestAuditID(ctx)
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type deliveryBody struct {
	ID            int64           `json:"id"`
	Action        string          `json:"action"`
	FacilityID    string          `json:"facility_id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id"`
	ResidentID    string          `json:"resident_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	TS            string          `json:"ts"`
	BeforeState   string          `json:"before_state,omitempty"`
	BeforeVersion int64           `json:"before_version,omitempty"`
	AfterState    string          `json:"after_state,omitempty"`
	AfterVersion  int64           `json:"after_version,omitempty"`
	Reason        *string         `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	payload := json.RawMessage([]byte("{}"))
	if entry.Payload != "" && json.Valid([]byte(entry.Payload)) {
		payload = json.RawMessage([]byte(entry.Payload))
	}
	body := deliveryBody{
		ID:            entry.ID,
		Action:        entry.Action,
		FacilityID:    d.facility,
		EntityKind:    entry.EntityKind,
		EntityID:      entry.EntityID,
		ResidentID:    entry.ResidentID,
		ActorID:       entry.ActorID,
		TS:            entry.TS,
		BeforeState:   entry.BeforeState,
		BeforeVersion: entry.BeforeVersion,
		AfterState:    entry.AfterState,
		AfterVersion:  entry.AfterVersion,
		Reason:        entry.Reason,
		Payload:       payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Careline-Action", entry.Action)
	req.Header.Set("X-Careline-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Careline-Facility", d.facility)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
