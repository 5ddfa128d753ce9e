// Package opsapi 只读运维接口：暴露追踪中的订单与健康状态。
// 不提供任何改变订单状态的入口，写路径只属于对账与推送通道。
package opsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goconnect/internal/domain"
)

var opsLog = logrus.WithField("component", "ops_api")

// TrackerView 服务端需要的追踪器只读视图
type TrackerView interface {
	ActiveOrders() map[string]domain.OrderSnapshot
	AllUpdatableOrders() map[string]domain.OrderSnapshot
	CachedOrder(clientOrderID string) (domain.OrderSnapshot, bool)
	LostOrderIDs() []string
}

// Server 只读状态服务
type Server struct {
	tracker TrackerView
	engine  *gin.Engine
	srv     *http.Server
}

// NewServer 创建运维服务
func NewServer(tracker TrackerView) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{tracker: tracker, engine: r}
	r.GET("/healthz", s.handleHealth)
	r.GET("/orders", s.handleOrders)
	r.GET("/orders/:id", s.handleOrder)
	r.GET("/lost", s.handleLost)
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleOrders(c *gin.Context) {
	var orders map[string]domain.OrderSnapshot
	if c.Query("scope") == "all" {
		orders = s.tracker.AllUpdatableOrders()
	} else {
		orders = s.tracker.ActiveOrders()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(orders),
		"orders": orders,
	})
}

func (s *Server) handleOrder(c *gin.Context) {
	id := c.Param("id")
	if snap, ok := s.tracker.AllUpdatableOrders()[id]; ok {
		c.JSON(http.StatusOK, snap)
		return
	}
	// 在途找不到再查终结缓存：迟到的查询也能拿到最终形态
	if snap, ok := s.tracker.CachedOrder(id); ok {
		c.JSON(http.StatusOK, snap)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "order not found", "client_order_id": id})
}

func (s *Server) handleLost(c *gin.Context) {
	ids := s.tracker.LostOrderIDs()
	c.JSON(http.StatusOK, gin.H{
		"count":           len(ids),
		"client_order_id": ids,
	})
}

// StartAsync 启动服务（非阻塞），ctx 取消时优雅关闭
func (s *Server) StartAsync(ctx context.Context, listenAddr string) error {
	s.srv = &http.Server{
		Addr:    listenAddr,
		Handler: s.engine,
	}

	go func() {
		opsLog.Infof("运维接口启动: %s", listenAddr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			opsLog.Errorf("❌ 运维接口异常退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	return nil
}
