// Package httpapi exposes purchases, balances and inbound notifications
// over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ussd-airtime-bot/balance"
	"ussd-airtime-bot/logging"
	"ussd-airtime-bot/purchase"
	"ussd-airtime-bot/store"
)

// UnifiedResponse is the body of every JSON response.
type UnifiedResponse struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg"`
}

type Server struct {
	machine *purchase.Machine
	store   *store.Store
	updater *balance.Updater
	log     *zap.Logger
	engine  *gin.Engine
}

func New(m *purchase.Machine, st *store.Store, u *balance.Updater, log *zap.Logger) *Server {
	s := &Server{
		machine: m,
		store:   st,
		updater: u,
		log:     logging.OrNop(log).Named("http"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.POST("/inbound", s.handleInbound)
	api.POST("/purchases", s.handlePurchase)
	api.POST("/purchases/bulk", s.handleBulkImport)
	api.GET("/purchases/export", s.handleExport)
	api.GET("/transactions", s.handleTransactions)
	api.GET("/sims", s.handleSIMs)
	api.POST("/balances", s.handleBalances)
	api.POST("/operators/:operator/clear", s.handleClear)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func sendSuccessResponse(c *gin.Context, status int, data any, msg string) {
	if msg == "" {
		msg = "success"
	}
	c.JSON(status, UnifiedResponse{Code: status, Data: data, Msg: msg})
}

func sendErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, UnifiedResponse{Code: status, Msg: message})
}
