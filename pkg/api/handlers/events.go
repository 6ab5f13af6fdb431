package handlers

import (
	"bufio"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/events"
)

// EventHandlers bridges the in-process bus to SSE and websocket streams.
type EventHandlers struct {
	bus *events.Bus
}

// NewEventHandlers creates the handler set.
func NewEventHandlers(bus *events.Bus) *EventHandlers {
	return &EventHandlers{bus: bus}
}

// Stream delivers bus envelopes as server-sent events
// GET /api/events/stream
func (h *EventHandlers) Stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ch := h.bus.Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.bus.Unsubscribe(ch)
		for data := range ch {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

// WebsocketUpgrade rejects plain HTTP requests to the websocket route.
func WebsocketUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// Websocket delivers bus envelopes over a websocket connection
// GET /api/events/ws
func (h *EventHandlers) Websocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ch := h.bus.Subscribe()
		defer h.bus.Unsubscribe(ch)
		for data := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	})
}
