package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ProgressEvent is one progress update pushed to SSE subscribers. Done is
// set on the final event, together with the finished run's id.
type ProgressEvent struct {
	Day   int    `json:"day"`
	Total int    `json:"total"`
	RunID string `json:"runId,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// ProgressBroker fans progress events out to SSE subscribers. Publishing
// never blocks the simulation loop: slow subscribers drop events.
type ProgressBroker struct {
	mu   sync.RWMutex
	subs map[chan ProgressEvent]struct{}
	log  zerolog.Logger
}

func NewProgressBroker(log zerolog.Logger) *ProgressBroker {
	return &ProgressBroker{
		subs: make(map[chan ProgressEvent]struct{}),
		log:  log.With().Str("component", "progress").Logger(),
	}
}

func (b *ProgressBroker) subscribe() chan ProgressEvent {
	ch := make(chan ProgressEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *ProgressBroker) unsubscribe(ch chan ProgressEvent) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Publish sends an event to every subscriber without blocking.
func (b *ProgressBroker) Publish(event ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// ServeHTTP streams progress events as SSE.
// GET /api/backtest/progress
func (b *ProgressBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.subscribe()
	defer b.unsubscribe(ch)
	b.log.Debug().Msg("progress subscriber connected")

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
