package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alimasry/go-sandbox-preview/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler creates the HTTP handler with all routes. gatherer backs
// /metrics; nil uses the default Prometheus registry.
func NewHandler(hub *Hub, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()

	if hub.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(hub.opts.StaticDir)))
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade error", zap.Error(err))
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/preview", func(w http.ResponseWriter, r *http.Request) {
		servePreview(hub, w, r)
	})

	mux.HandleFunc("/revisions", func(w http.ResponseWriter, r *http.Request) {
		serveRevisions(hub, w, r)
	})

	return mux
}

func servePreview(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if hub.opts.Previewer == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("doc")
	kind := r.URL.Query().Get("panel")
	if kind == "" {
		kind = PanelSandbox
	}
	if docID == "" || (kind != PanelSandbox && kind != PanelEditable) {
		http.Error(w, "doc and panel=editable|sandbox required", http.StatusBadRequest)
		return
	}

	props, err := hub.Snapshot(r.Context(), docID, kind)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		hub.log.Error("preview snapshot", zap.String("doc", docID), zap.Error(err))
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	png, err := hub.opts.Previewer.Render(r.Context(), props)
	if err != nil {
		hub.log.Error("preview render", zap.String("doc", docID), zap.Error(err))
		http.Error(w, "render failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// revisionsResponse is the body of GET /revisions.
type revisionsResponse struct {
	DocID     string           `json:"docId"`
	Revisions []store.Revision `json:"revisions"`
}

func serveRevisions(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		http.Error(w, "doc required", http.StatusBadRequest)
		return
	}
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "from must be a non-negative version", http.StatusBadRequest)
			return
		}
		from = n
	}

	revs, err := hub.Revisions(r.Context(), docID, from)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, store.ErrVersion) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		hub.log.Error("list revisions", zap.String("doc", docID), zap.Error(err))
		http.Error(w, "list revisions failed", http.StatusInternalServerError)
		return
	}
	if revs == nil {
		revs = []store.Revision{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(revisionsResponse{DocID: docID, Revisions: revs})
}
