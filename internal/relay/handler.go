package relay

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler streams injection records as SSE. Clients may narrow the
// stream with ?tabs=id1,id2.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var tabFilter map[string]bool
		if q := r.URL.Query().Get("tabs"); q != "" {
			tabFilter = make(map[string]bool)
			for _, f := range strings.Split(q, ",") {
				if f = strings.TrimSpace(f); f != "" {
					tabFilter[f] = true
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if tabFilter != nil && !tabFilter[evt.TabID] {
					continue
				}
				// Records are not replayable, so no id field.
				fmt.Fprintf(w, "event: injection\ndata: %s\n\n", evt.Payload)
				flusher.Flush()
			}
		}
	}
}
