package server

import (
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"careline/internal/dispatch"
)

const (
	streamPollInterval = time.Second
	streamBatch        = 100
	streamWriteWait    = 10 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-origin policy is left to the deployment; the API is key-gated
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerStream exposes the audit log as a websocket feed. The client gets
// every entry after its cursor (?after_id=N, default: the current tail) in
// append order, then new entries as they land. ?resident_id and ?entity_id
// narrow the feed to one resident or one entity.
func registerStream(router chi.Router, basePath string, d *dispatch.Dispatcher) {
	router.Get(path.Join(basePath, "stream"), func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principalFromContext(r.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		cursor, err := streamCursor(r, d)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "after_id must be an integer", nil))
			return
		}
		residentID := r.URL.Query().Get("resident_id")
		entityID := r.URL.Query().Get("entity_id")
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// drain client frames so pings and close frames are processed
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ctx := r.Context()
		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			entries, err := d.Repo.AuditEntriesAfter(ctx, cursor, streamBatch)
			if err != nil {
				return
			}
			for _, entry := range entries {
				cursor = entry.ID
				if residentID != "" && entry.ResidentID != residentID {
					continue
				}
				if entityID != "" && entry.EntityID != entityID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(auditEntryResponse(entry)); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func streamCursor(r *http.Request, d *dispatch.Dispatcher) (int64, error) {
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		return strconv.ParseInt(raw, 10, 64)
	}
	return d.Repo.LatestAuditID(r.Context())
}
