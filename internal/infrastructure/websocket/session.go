package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/metrics"
	"github.com/betbot/goconnect/internal/ports"
)

var sessionLog = logrus.WithField("component", "ws_session")

const (
	defaultBufferSize     = 1024
	defaultMaxReconnects  = 10
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 2 * time.Minute
	pingInterval          = 10 * time.Second
	pongTimeout           = 60 * time.Second
	handshakeTimeout      = 30 * time.Second
)

// SessionConfig 推送会话配置
type SessionConfig struct {
	URL      string
	ProxyURL string
	// Subscribe 连接建立后发送的订阅/认证消息（JSON 序列化后逐条写入）
	Subscribe []any
	// BufferSize 消息缓冲大小；缓冲满时丢弃最新消息并通知 OnDrop
	BufferSize int
	// MaxReconnects 连续重连上限；任一次成功后清零。
	// 达到上限后会话关闭消息 channel，监听器随之退出，
	// 会话管理交还给外层。
	MaxReconnects int
	// ReconnectDelay 重连退避基准间隔，按次数指数增长并有上限
	ReconnectDelay time.Duration
	// OnDrop 消息被丢弃或重连发生时回调（对账循环用它触发立即轮询）
	OnDrop func()
}

// Session 交易所推送会话，实现 ports.MessageSource
//
// 会话只负责把原生帧可靠地送进缓冲 channel：断线自动重连（指数退避）、
// 应用层 PING/PONG 保活。缓冲满时丢最新一条而不是阻塞读 goroutine，
// 丢弃通过 OnDrop 上报，由对账循环兜底补偿。
// 连续重连达到上限或 Close 之后会话不可复用：消息 channel 被关闭，
// 下游监听器据此退出。
type Session struct {
	cfg SessionConfig
	out chan ports.RawMessage

	mu       sync.RWMutex
	conn     *websocket.Conn
	closed   bool
	shutdown bool
	// baseCtx Connect 收到的父 context；每次重连的连接 context
	// 都从它派生，绝不能从已断开连接的 context 派生
	baseCtx context.Context

	pongMu   sync.RWMutex
	lastPong time.Time

	reconnectMu    sync.Mutex
	reconnectCount int
	gaveUp         bool

	closeOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession 创建推送会话（未连接）
func NewSession(cfg SessionConfig) *Session {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Session{
		cfg:      cfg,
		out:      make(chan ports.RawMessage, cfg.BufferSize),
		lastPong: time.Now(),
	}
}

// Messages 实现 ports.MessageSource；重连后继续投递到同一个 channel，
// 会话放弃重连或 Close 后 channel 关闭
func (s *Session) Messages() <-chan ports.RawMessage {
	return s.out
}

// Connect 建立连接并启动读/保活 goroutine
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(parent context.Context) error {
	s.mu.Lock()
	if s.conn != nil && !s.closed {
		s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(parent)
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if s.cfg.ProxyURL != "" {
		proxy, err := url.Parse(s.cfg.ProxyURL)
		if err != nil {
			sessionLog.Warnf("解析代理 URL 失败: %v，将直接连接", err)
		} else {
			dialer.Proxy = http.ProxyURL(proxy)
		}
	}

	conn, _, err := dialer.DialContext(runCtx, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "连接推送服务失败: %s", s.cfg.URL)
	}

	for _, msg := range s.cfg.Subscribe {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return errors.Wrap(err, "发送订阅消息失败")
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	s.pongMu.Lock()
	s.lastPong = time.Now()
	s.pongMu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(runCtx, conn)
	}()
	go func() {
		defer s.wg.Done()
		s.keepAlive(runCtx, conn)
	}()

	sessionLog.Infof("✅ 推送会话已连接: %s", s.cfg.URL)
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			sessionLog.Warnf("⚠️ 推送连接读取失败: %v，触发重连", err)
			go s.reconnect()
			return
		}

		if string(payload) == "PONG" {
			s.pongMu.Lock()
			s.lastPong = time.Now()
			s.pongMu.Unlock()
			continue
		}
		if string(payload) == "PING" {
			s.writeText(conn, "PONG")
			continue
		}

		msg := ports.RawMessage{
			Payload:    payload,
			ReceivedAt: time.Now(),
		}
		select {
		case s.out <- msg:
		default:
			// 缓冲满：丢最新一条，绝不阻塞读取；对账循环负责补偿
			metrics.StreamDrops.Add(1)
			sessionLog.Warnf("⚠️ 推送缓冲已满，消息被丢弃 (buffer=%d)", s.cfg.BufferSize)
			if s.cfg.OnDrop != nil {
				s.cfg.OnDrop()
			}
		}
	}
}

func (s *Session) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pongMu.RLock()
			silent := time.Since(s.lastPong)
			s.pongMu.RUnlock()
			if silent > pongTimeout {
				sessionLog.Warnf("超过 %s 未收到 PONG，触发重连", pongTimeout)
				go s.reconnect()
				return
			}
			if err := s.writeText(conn, "PING"); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				sessionLog.Warnf("发送 PING 失败: %v，触发重连", err)
				go s.reconnect()
				return
			}
		}
	}
}

func (s *Session) writeText(conn *websocket.Conn, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn != conn {
		return errors.New("连接已关闭")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// backoffDelay 第 attempt 次重连前的等待时间：基准间隔指数增长，封顶
func (s *Session) backoffDelay(attempt int) time.Duration {
	d := s.cfg.ReconnectDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return d
}

func (s *Session) reconnect() {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	if s.gaveUp {
		return
	}
	s.mu.RLock()
	base := s.baseCtx
	down := s.shutdown
	s.mu.RUnlock()
	if down || base == nil {
		return
	}
	select {
	case <-base.Done():
		return
	default:
	}

	if s.reconnectCount >= s.cfg.MaxReconnects {
		s.giveUp()
		return
	}
	s.reconnectCount++
	delay := s.backoffDelay(s.reconnectCount)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.closed = true
	s.mu.Unlock()

	sessionLog.Infof("🔄 将在 %v 后重连 (第 %d/%d 次)", delay, s.reconnectCount, s.cfg.MaxReconnects)
	select {
	case <-base.Done():
		return
	case <-time.After(delay):
	}

	s.mu.RLock()
	down = s.shutdown
	s.mu.RUnlock()
	if down {
		return
	}

	count := s.reconnectCount
	// 新连接必须从父 context 派生：旧连接的 context 会在 connect
	// 里被取消，从它派生会让新连接一出生就是死的
	if err := s.connect(base); err != nil {
		sessionLog.Errorf("重连失败: %v", err)
		go s.reconnect()
		return
	}
	s.reconnectCount = 0
	sessionLog.Infof("✅ 重连成功 (第 %d 次)", count)
	// 断线窗口内的推送已经丢失，催促对账循环立即补一轮
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop()
	}
}

// giveUp 达到重连上限：停掉残留 goroutine 并关闭消息 channel，
// 监听器看到 channel 关闭后退出，会话管理交还给外层。
// 调用方需持有 reconnectMu。
func (s *Session) giveUp() {
	s.gaveUp = true
	sessionLog.Errorf("❌ 已达到最大重连次数 (%d)，放弃重连，推送会话终止", s.cfg.MaxReconnects)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// 读/保活 goroutine 退出后才能安全关闭 out
	s.wg.Wait()
	s.closeOnce.Do(func() { close(s.out) })
}

// Close 关闭会话并等待 goroutine 退出
func (s *Session) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.closeOnce.Do(func() { close(s.out) })
	case <-time.After(3 * time.Second):
		sessionLog.Warn("等待推送会话 goroutine 退出超时")
	}
	return nil
}
