// C:/workspace/go/Field-Simulator-Go/api/server.go
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"Field-Simulator/simulation"

	"github.com/gorilla/websocket"
)

// EpisodeSource 返回当前回合, 没有回合时返回 nil。
type EpisodeSource func() *simulation.Episode

// Message 是推送给观察端的一条消息。
type Message struct {
	Type     string                      `json:"type"` // HELLO / EVENT
	Snapshot *simulation.EpisodeSnapshot `json:"snapshot,omitempty"`
	Event    *simulation.Event           `json:"event,omitempty"`
}

// Hub 通过 websocket 把仿真事件实时推送给浏览器或其他观察端。
type Hub struct {
	broadcaster *simulation.Broadcaster
	source      EpisodeSource
	logger      *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	clients  atomic.Int64
}

func NewHub(b *simulation.Broadcaster, source EpisodeSource, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		broadcaster: b,
		source:      source,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Clients 返回当前连接的观察端数量。
func (h *Hub) Clients() int64 { return h.clients.Load() }

func (h *Hub) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", h.SnapshotHandler())
	mux.HandleFunc("/ws", h.WSHandler())
	return mux
}

// SnapshotHandler 以 JSON 返回当前回合的快照。
func (h *Hub) SnapshotHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		e := h.source()
		if e == nil {
			http.Error(rw, "no episode", http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(e.Snapshot())
	}
}

func (h *Hub) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid := fmt.Sprintf("O%d", h.nextID.Add(1))
		events := make(chan simulation.Event, 1024)
		h.broadcaster.RegisterListener(events)
		defer h.broadcaster.UnregisterListener(events)

		h.clients.Add(1)
		defer h.clients.Add(-1)
		h.logger.Printf("👀 [%s] 观察端已连接: %s", sid, r.RemoteAddr)

		hello := Message{Type: "HELLO"}
		if e := h.source(); e != nil {
			snap := e.Snapshot()
			hello.Snapshot = &snap
		}
		if err := writeJSON(conn, hello); err != nil {
			return
		}

		// 读循环只用于发现断开
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				h.logger.Printf("👋 [%s] 观察端已断开", sid)
				return
			case ev := <-events:
				if err := writeJSON(conn, Message{Type: "EVENT", Event: &ev}); err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
