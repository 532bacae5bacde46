// Package crawler implements the BFS mirror engine. progress.go adapts the
// teacher's internal/websocket/hub.go single-active-client broadcast idiom
// into a per-job progress hub: many crawl jobs can run at once, and each
// gets its own hub that any number of admin-UI websocket clients can
// subscribe to.
package crawler

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Progress is one snapshot of a running crawl job's counters, matching the
// shape the out-of-scope admin API streams over its job websocket.
type Progress struct {
	SiteID           string `json:"site_id"`
	JobID            string `json:"job_id"`
	PagesFound       int    `json:"pages_found"`
	PagesCrawled     int    `json:"pages_crawled"`
	AssetsDownloaded int    `json:"assets_downloaded"`
	Errors           int    `json:"errors"`
	QueueSize        int    `json:"queue_size"`
}

// Hub fans a job's progress snapshots out to every currently-subscribed
// websocket client. One Hub per crawl job.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Subscribe registers conn to receive future Broadcast calls. The caller
// owns conn's lifecycle; Unsubscribe must be called when it closes.
func (h *Hub) Subscribe(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
}

// Broadcast sends p to every subscribed client; a client whose channel is
// full is dropped rather than allowed to block the crawl loop.
func (h *Hub) Broadcast(p Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal crawl progress")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			log.Warn().Msg("progress subscriber channel full, dropping")
			delete(h.clients, conn)
			close(ch)
		}
	}
}
