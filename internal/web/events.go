package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/knximport/internal/importer"
)

// handleImportEvents streams job snapshots via Server-Sent Events.
//
// A "progress" event is sent whenever the snapshot changes. The stream ends
// with a "waiting" event when the job needs input or a "complete" event
// once it is finished. The event id is the job progress, so a
// client reconnecting with Last-Event-ID (or ?lastEventId=) skips snapshots
// it has already seen.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.imports.Job(id)
	if !ok {
		respondError(w, r, importer.ErrJobNotFound)
		return
	}

	lastEventID := -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastEventID, _ = strconv.Atoi(v)
	} else if v := r.URL.Query().Get("lastEventId"); v != "" {
		lastEventID, _ = strconv.Atoi(v)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last *importer.Job
	for {
		switch {
		case job.Status.Terminal():
			writeEvent(w, job.Progress, "complete", toImportResponse(job))
			flusher.Flush()
			return
		case job.Status == importer.StatusWaitingForInput:
			writeEvent(w, job.Progress, "waiting", toImportResponse(job))
			flusher.Flush()
			return
		}

		if (last == nil || !reflect.DeepEqual(*last, job)) && job.Progress > lastEventID {
			writeEvent(w, job.Progress, "progress", toImportResponse(job))
			flusher.Flush()
			snapshot := job
			last = &snapshot
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		if job, ok = s.imports.Job(id); !ok {
			fmt.Fprint(w, "event: released\ndata: {}\n\n")
			flusher.Flush()
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, id int, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
}
