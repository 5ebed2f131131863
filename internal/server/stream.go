package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
)

const (
	streamWriteWait  = 2 * time.Second
	streamPingPeriod = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  256,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow requests with no origin header set.
		origin := r.Header.Get("Origin")
		return origin == "" || isLoopbackOrigin(origin)
	},
}

// subscribe registers a latest-wins channel that receives every published
// meter reading until the returned func is called.
func (h *Handler) subscribe() (<-chan meter.Meter, func()) {
	ch := make(chan meter.Meter, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan meter.Meter]struct{})
	}
	h.subs[ch] = struct{}{}
	ch <- h.level
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *Handler) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleMeterStream handles GET /api/meter/stream. The connection is
// upgraded to a websocket and every meter reading is pushed as JSON until
// the client goes away.
func (h *Handler) handleMeterStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var herr websocket.HandshakeError
		if !errors.As(err, &herr) {
			h.log.Errorf("Unexpected websocket error: %v", err)
		}
		return
	}
	defer conn.Close()

	levels, unsubscribe := h.subscribe()
	defer unsubscribe()
	h.log.Debugf("Meter stream opened by %s", r.RemoteAddr)

	// Reads only serve close and pong frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			h.log.Debugf("Meter stream closed by %s", r.RemoteAddr)
			return
		case m := <-levels:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				h.log.Debugf("Meter stream write to %s: %v", r.RemoteAddr, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
