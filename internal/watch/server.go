// Package watch 实现结果行的实时 WebSocket 广播。
// 可选组件：开启后每条发射的结果行以 JSON 推送给所有订阅者。
// 广播是尽力而为的：缓冲写满的慢订阅者被直接断开，
// 任何失败都不影响主流水线。
package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"streaming-median-tracker/internal/stats/tdigest"
	"streaming-median-tracker/internal/util/timeutil"
)

// subscriberBuffer 每个订阅者的发送缓冲（消息条数）
const subscriberBuffer = 64

// writeTimeout 单条消息的写超时
const writeTimeout = 5 * time.Second

// Row 广播的结果行
type Row struct {
	// EmittedAtUnixNs 发射时间（纳秒）
	EmittedAtUnixNs int64 `json:"emitted_at_unix_ns"`
	// ReceiveTs 触发记录的接收时间戳（毫秒）
	ReceiveTs int64 `json:"receive_ts"`
	// Median 当前中位数估计
	Median float64 `json:"median"`
	// Extras 附加统计列
	Extras map[string]float64 `json:"extras,omitempty"`
}

// Server 结果行广播服务
// 实现 calc.Broadcaster。
type Server struct {
	// addr 监听地址
	addr string
	// logger 日志记录器
	logger *zap.Logger

	// web HTTP 服务
	web *http.Server
	// upgrader WebSocket 升级器
	upgrader websocket.Upgrader

	// mu 保护订阅者表
	mu sync.Mutex
	// subs 订阅者发送通道
	subs map[*websocket.Conn]chan []byte
}

// New 创建广播服务
// 参数 addr: 监听地址，如 "127.0.0.1:8099"
// 参数 logger: 日志记录器
func New(addr string, logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.Named("watch"),
		subs:   make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			// 本地观测工具，不限制 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.web = &http.Server{Addr: addr, Handler: mux}

	return s
}

// Run 运行 HTTP 服务直到上下文取消
// 参数 ctx: 取消上下文
// 返回: 非正常退出时的监听错误
func (s *Server) Run(ctx context.Context) error {
	closed := make(chan error, 1)

	go func() {
		closed <- s.web.ListenAndServe()
	}()

	select {
	case err := <-closed:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.web.Shutdown(shutdownCtx)
		s.closeAll()
		return nil
	}
}

// handleWS 升级连接并为订阅者启动发送循环
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}

	ch := make(chan []byte, subscriberBuffer)

	s.mu.Lock()
	s.subs[conn] = ch
	count := len(s.subs)
	s.mu.Unlock()

	s.logger.Info("订阅者接入", zap.String("remote", conn.RemoteAddr().String()), zap.Int("subscribers", count))

	// 读取循环只用于感知断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()

	go func() {
		for msg := range ch {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.drop(conn)
				return
			}
		}
		_ = conn.Close()
	}()
}

// Broadcast 向所有订阅者广播一行结果
// 序列化失败或订阅者缓冲写满时静默丢弃（慢订阅者被断开）。
func (s *Server) Broadcast(receiveTs int64, median float64, extras []tdigest.NamedValue) {
	row := Row{
		EmittedAtUnixNs: timeutil.NowNano(),
		ReceiveTs:       receiveTs,
		Median:          median,
	}
	if len(extras) > 0 {
		row.Extras = make(map[string]float64, len(extras))
		for _, ev := range extras {
			row.Extras[ev.Name] = ev.Value
		}
	}

	msg, err := json.Marshal(row)
	if err != nil {
		return
	}

	s.mu.Lock()
	var slow []*websocket.Conn
	for conn, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range slow {
		s.logger.Warn("断开慢订阅者", zap.String("remote", conn.RemoteAddr().String()))
		s.drop(conn)
	}
}

// drop 移除订阅者并关闭其发送通道
func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	ch, ok := s.subs[conn]
	if ok {
		delete(s.subs, conn)
	}
	s.mu.Unlock()

	if ok {
		close(ch)
	} else {
		_ = conn.Close()
	}
}

// closeAll 断开全部订阅者
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subs))
	for conn := range s.subs {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.drop(conn)
	}
}
