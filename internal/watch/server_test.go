// Package watch 广播服务测试
package watch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"streaming-median-tracker/internal/stats/tdigest"
)

// dialTestServer 起一个只挂 /ws 的测试服务并接入一个订阅者
func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestServer_BroadcastReachesSubscriber(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop())
	conn, cleanup := dialTestServer(t, s)
	defer cleanup()

	// 订阅者注册发生在 Upgrade 之后，等待其进入订阅表
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.subs)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	extras := []tdigest.NamedValue{{Name: "p90", Value: 42.5}}
	s.Broadcast(1000, 10.5, extras)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var row Row
	if err := json.Unmarshal(msg, &row); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if row.ReceiveTs != 1000 || row.Median != 10.5 {
		t.Errorf("row = %+v", row)
	}
	if row.Extras["p90"] != 42.5 {
		t.Errorf("Extras = %+v", row.Extras)
	}
	if row.EmittedAtUnixNs == 0 {
		t.Errorf("EmittedAtUnixNs 未填充")
	}
}

// TestServer_BroadcastWithoutSubscribers 无订阅者时广播不应出错或阻塞
func TestServer_BroadcastWithoutSubscribers(t *testing.T) {
	s := New("127.0.0.1:0", zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s.Broadcast(int64(i), float64(i), nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("无订阅者的广播被阻塞")
	}
}
