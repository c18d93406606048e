// Package websocket bridges the progress bus to websocket clients.
package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/djsplit/api/internal/model"
	"github.com/djsplit/api/internal/progress"
	"github.com/djsplit/api/internal/service"
)

const pingInterval = 30 * time.Second

// Hub serves per-job progress streams. Each connection replays the job's
// event history and then follows live events until the terminal event is
// delivered, after which the stream is closed.
type Hub struct {
	jobs *service.JobService
}

// NewHub creates a new Hub.
func NewHub(jobs *service.JobService) *Hub {
	return &Hub{jobs: jobs}
}

// HandleConnection handles a WebSocket connection for one job's stream.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	defer c.Close()

	history, sub, err := h.jobs.Stream(jobID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.writeError(c, jobID, "job not found")
		} else {
			h.writeError(c, jobID, err.Error())
		}
		return
	}
	defer h.jobs.Unsubscribe(sub)

	done := make(chan struct{})

	// Reader loop detects client disconnects; incoming frames are ignored.
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error on job %s: %v", jobID, err)
				}
				return
			}
		}
	}()

	for _, ev := range history {
		if !h.writeEvent(c, jobID, ev) {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), progress.ErrSubscriberOverflow) {
					h.writeError(c, jobID, "progress stream fell behind and was disconnected")
					return
				}
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !h.writeEvent(c, jobID, ev) {
				return
			}

		case <-ticker.C:
			// Keep-alive ping
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (h *Hub) writeEvent(c *websocket.Conn, jobID string, ev model.ProgressEvent) bool {
	msg := model.StreamMessage{
		Type:  model.StreamMessageTypeEvent,
		JobID: jobID,
		Event: &ev,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal progress message: %v", err)
		return false
	}
	return c.WriteMessage(websocket.TextMessage, data) == nil
}

func (h *Hub) writeError(c *websocket.Conn, jobID, message string) {
	msg := model.StreamMessage{
		Type:  model.StreamMessageTypeError,
		JobID: jobID,
		Error: message,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal error message: %v", err)
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err == nil {
		c.WriteMessage(websocket.CloseMessage, []byte{})
	}
}
