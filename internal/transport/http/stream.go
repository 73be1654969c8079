package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame 推送帧。每次序列修订推一帧完整序列,客户端整体替换。
type wsFrame struct {
	Type     string             `json:"type"`
	Revision uint64             `json:"revision"`
	Rows     []chart.Row        `json:"rows"`
	Events   *chart.EventBundle `json:"events,omitempty"`
}

// Hub 把序列修订广播给所有 WS 客户端。慢客户端丢帧,不阻塞流水线;
// 客户端掉了帧靠下一次修订或 /series 追平。
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  []byte
}

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Broadcast 序列化一次,推给所有客户端。挂在流水线的修订回调上。
func (h *Hub) Broadcast(s *chart.Series) {
	if s == nil {
		return
	}
	frame, err := json.Marshal(wsFrame{
		Type:     "series",
		Revision: s.Revision,
		Rows:     s.Rows,
		Events:   s.Events,
	})
	if err != nil {
		logger.Warnf("[ws] 序列化推送帧失败: %v", err)
		return
	}

	h.mu.Lock()
	h.latest = frame
	for cl := range h.clients {
		select {
		case cl.out <- frame:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle 升级连接并接管读写。写走独立 goroutine,读循环只做探活。
func (h *Hub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] 升级失败: %v", err)
		return
	}
	defer conn.Close()

	cl := &wsClient{conn: conn, out: make(chan []byte, 16), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	latest := h.latest
	h.mu.Unlock()

	go cl.writeLoop()

	// 新客户端先补一帧最近的序列,免得等下一次修订。
	if latest != nil {
		select {
		case cl.out <- latest:
		default:
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(cl.done)
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

func (cl *wsClient) writeLoop() {
	ping := time.NewTicker(45 * time.Second)
	defer ping.Stop()
	for {
		select {
		case frame := <-cl.out:
			_ = cl.conn.WriteMessage(websocket.TextMessage, frame)
		case <-ping.C:
			_ = cl.conn.WriteMessage(websocket.PingMessage, nil)
		case <-cl.done:
			return
		}
	}
}
