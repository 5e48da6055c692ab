package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiln-ai/kiln/internal/bus"
)

const (
	// sseHeartbeatInterval paces server.heartbeat events; clients treat a
	// 45s gap as a broken connection.
	sseHeartbeatInterval = 30 * time.Second

	// sseBufferSize is the per-connection event buffer. A client that falls
	// this far behind is disconnected rather than allowed to block the bus.
	sseBufferSize = 64
)

// events streams every bus publication to the client as SSE.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBadRequest(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(e bus.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write(bus.Event{Type: bus.ServerConnected, Properties: map[string]any{}}); err != nil {
		return
	}

	events := make(chan bus.Event, sseBufferSize)
	overflow := make(chan struct{})
	unsub := s.runtime.Bus.SubscribeAll(func(e bus.Event) {
		select {
		case events <- e:
		default:
			// Slow client: drop the connection, never block the bus.
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer unsub()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			log.Warn().Msg("dropping slow SSE client")
			return
		case e := <-events:
			if err := write(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(bus.Event{Type: bus.ServerHeartbeat, Properties: map[string]any{}}); err != nil {
				return
			}
		}
	}
}
