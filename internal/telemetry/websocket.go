// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package telemetry

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"psuctl/pkg/logger"

	"github.com/gorilla/websocket"
)

const writeTimeout = time.Second

// clientSet tracks live websocket subscribers.
type clientSet struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	max     int
	timeout time.Duration
	log     *logger.Logger
}

func newClientSet(limit int, log *logger.Logger) *clientSet {
	return &clientSet{
		clients: make(map[*websocket.Conn]bool),
		max:     limit,
		timeout: writeTimeout,
		log:     log,
	}
}

func (c *clientSet) add(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.clients) >= c.max {
		return false
	}
	c.clients[ws] = true
	return true
}

func (c *clientSet) remove(ws *websocket.Conn) {
	c.mu.Lock()
	delete(c.clients, ws)
	c.mu.Unlock()
}

func (c *clientSet) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *clientSet) broadcast(sample Sample) {
	pm, err := prepare(sample)
	if err != nil {
		c.log.Error("failed to prepare message: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// a client that stops reading is dropped once its write times out
	deadline := time.Now().Add(c.timeout)
	for ws := range c.clients {
		ws.SetWriteDeadline(deadline)
		if err := ws.WritePreparedMessage(pm); err != nil {
			c.log.Debug("dropping client: %v", err)
			ws.Close()
			delete(c.clients, ws)
		}
	}
}

func (c *clientSet) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ws := range c.clients {
		ws.SetWriteDeadline(time.Now().Add(c.timeout))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		ws.Close()
		delete(c.clients, ws)
	}
}

func prepare(sample Sample) (*websocket.PreparedMessage, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}

// serveWebSocket streams samples to the client. The stream is one way;
// anything the client sends is read and discarded.
func (s *Service) serveWebSocket() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send none
			if origin == "" || strings.Contains(origin, "localhost") {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.MaxClients > 0 && s.clients.count() >= s.opts.MaxClients {
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("failed to upgrade websocket: %v", err)
			return
		}

		// first sample goes out before the client joins the broadcast set
		if latest, ok := s.Latest(); ok {
			if pm, err := prepare(latest); err == nil {
				ws.SetWriteDeadline(time.Now().Add(s.clients.timeout))
				ws.WritePreparedMessage(pm)
			}
		}

		if !s.clients.add(ws) {
			ws.Close()
			return
		}
		defer func() {
			s.clients.remove(ws)
			ws.Close()
		}()

		for {
			if _, _, err := ws.NextReader(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug("websocket closed: %v", err)
				}
				return
			}
		}
	}
}
