package journal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/newplayman/market-stream/internal/stream"
)

// StatsSource 提供运行状态，stream.Service 实现
type StatsSource interface {
	Stats() stream.Stats
}

type statsView struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	ReconnectState string `json:"reconnect_state"`
	SessionID      string `json:"session_id,omitempty"`
	Generation     uint64 `json:"generation"`
	Subscriptions  int    `json:"subscriptions"`
	Reconnects     int64  `json:"reconnects"`
	LastMessageAt  string `json:"last_message_at,omitempty"`
	JournalDropped int64  `json:"journal_dropped"`
}

// APIHandler 只读状态接口
type APIHandler struct {
	db       *DB
	recorder *Recorder
	sources  []StatsSource
}

func NewAPIHandler(db *DB, recorder *Recorder, sources ...StatsSource) *APIHandler {
	return &APIHandler{db: db, recorder: recorder, sources: sources}
}

// Routes 注册到 mux
func (h *APIHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/events", h.HandleEvents)
}

func (h *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	var dropped int64
	if h.recorder != nil {
		dropped = h.recorder.Dropped()
	}
	views := make([]statsView, 0, len(h.sources))
	for _, src := range h.sources {
		st := src.Stats()
		v := statsView{
			Name:           st.Name,
			State:          st.State.String(),
			ReconnectState: st.ReconnectState.String(),
			SessionID:      st.SessionID,
			Generation:     st.Generation,
			Subscriptions:  st.Subscriptions,
			Reconnects:     st.Reconnects,
			JournalDropped: dropped,
		}
		if !st.LastMessageAt.IsZero() {
			v.LastMessageAt = st.LastMessageAt.UTC().Format(time.RFC3339Nano)
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}

func (h *APIHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.RecentEvents(r.URL.Query().Get("kind"), limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []EventRecord{}
	}
	writeJSON(w, events)
}

func limitParam(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 1000 {
			return val
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}
