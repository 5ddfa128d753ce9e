package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// 第一条连接被服务端立刻掐断后，会话必须能重连并继续投递消息
func TestReconnectAfterConnectionDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connCount atomic.Int32
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connCount.Add(1) == 1 {
			c.Close()
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		<-done
		c.Close()
	}))
	defer srv.Close()
	defer close(done)

	var drops atomic.Int32
	sess := NewSession(SessionConfig{
		URL:            wsURL(srv),
		MaxReconnects:  5,
		ReconnectDelay: 10 * time.Millisecond,
		OnDrop:         func() { drops.Add(1) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	select {
	case msg := <-sess.Messages():
		require.JSONEq(t, `{"type":"hello"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("重连后未收到任何推送消息")
	}
	require.GreaterOrEqual(t, connCount.Load(), int32(2))
	// 重连成功后要催对账循环补一轮
	require.Eventually(t, func() bool { return drops.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
}

// 达到重连上限后消息 channel 必须关闭，监听器才有机会退出
func TestGiveUpClosesMessageChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := upgrader.Upgrade(w, r, nil); err == nil {
			c.Close()
		}
	}))

	sess := NewSession(SessionConfig{
		URL:            wsURL(srv),
		MaxReconnects:  2,
		ReconnectDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sess.Connect(ctx))

	// 服务端下线，后续所有重连都失败
	srv.Close()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-sess.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("放弃重连后消息通道未关闭")
		}
	}
}

func TestBackoffDelayExponentialWithCap(t *testing.T) {
	sess := NewSession(SessionConfig{URL: "ws://unused", ReconnectDelay: 5 * time.Second})

	require.Equal(t, 5*time.Second, sess.backoffDelay(1))
	require.Equal(t, 10*time.Second, sess.backoffDelay(2))
	require.Equal(t, 40*time.Second, sess.backoffDelay(4))
	require.Equal(t, maxReconnectDelay, sess.backoffDelay(6))
	require.Equal(t, maxReconnectDelay, sess.backoffDelay(50))
}

func TestCloseClosesMessageChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := upgrader.Upgrade(w, r, nil); err == nil {
			<-hold
			c.Close()
		}
	}))
	defer srv.Close()
	defer close(hold)

	sess := NewSession(SessionConfig{URL: wsURL(srv)})
	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Close())

	select {
	case _, ok := <-sess.Messages():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Close 后消息通道未关闭")
	}
}
