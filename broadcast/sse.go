package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"curling-server/models"
)

// DefaultHeartbeat is the comment interval that keeps idle streams open
// through proxies.
const DefaultHeartbeat = 15 * time.Second

type eventData struct {
	Latest bool         `json:"latest"`
	State  models.State `json:"state"`
}

// ServeSSE streams the log to one spectator: the current end's backlog as
// "history" events, then "live" events until the client goes away or the
// subscription is dropped. A dropped spectator reconnects and replays.
func ServeSSE(w http.ResponseWriter, r *http.Request, l *Log, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, history := l.Subscribe()
	defer sub.Close()

	for _, ev := range history {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(eventData{Latest: ev.Latest, State: ev.State})
	if err != nil {
		slog.Error("marshal event", "tag", "broadcast", "err", err)
		return nil
	}
	name := "live"
	if ev.Historical {
		name = "history"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq(), name, data)
	return err
}
