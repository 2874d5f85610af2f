// SPDX-License-Identifier: Apache-2.0

// Package api exposes the daemon over HTTP and talks to the maker daemon of
// a channel.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/channel"
	"perun.network/perun-perp-backend/liquidity"
	"perun.network/perun-perp-backend/session"
)

// RequestIDHeader carries the id of a request in both directions.
const RequestIDHeader = "X-Request-ID"

// Error kinds of ErrorResponse.
const (
	KindProtocol     = "protocol"
	KindPrecondition = "precondition"
	KindMismatch     = "settlement_mismatch"
	KindNotFound     = "not_found"
	KindChain        = "chain"
	KindBadRequest   = "bad_request"
	KindInternal     = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Expected  *int64 `json:"expected,omitempty"`
	Claimed   *int64 `json:"claimed,omitempty"`
}

// Server serves the maker, taker and market data routes of a registry.
type Server struct {
	log.Embedding

	router *gin.Engine
	reg    *session.Registry
}

// NewServer creates the router for reg.
func NewServer(reg *session.Registry) *Server {
	s := &Server{
		Embedding: log.MakeEmbedding(log.WithField("role", "api")),
		router:    gin.New(),
		reg:       reg,
	}
	s.router.Use(gin.Recovery(), s.requestID)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			s.Log().Warnf("Shutdown: %v", err)
		}
	}()
	s.Log().Infof("Listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	m := s.router.Group("/maker")
	m.POST("/init/:margin/:chain", s.initMaker)
	m.POST("/openChannel", s.openChannel)
	m.POST("/recvPay", s.recvPay)
	m.POST("/paymentToken", s.paymentToken)
	m.GET("/state", s.makerState)

	t := s.router.Group("/taker")
	t.POST("/order", s.order)
	t.POST("/pay", s.payAll)
	t.POST("/pay/:channel", s.pay)
	t.POST("/close/:merchant/:chain", s.closeChannel)
	t.GET("/state", s.takerStates)
	t.GET("/state/:channel", s.takerState)

	s.router.POST("/marketData", s.marketData)
}

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(RequestIDHeader, id)
	c.Header(RequestIDHeader, id)
	c.Next()
	s.Log().WithField("request", id).Debugf("%s %s %d", c.Request.Method, c.FullPath(), c.Writer.Status())
}

func (s *Server) initMaker(c *gin.Context) {
	margin, err := strconv.ParseInt(c.Param("margin"), 10, 64)
	if err != nil || margin < 0 {
		s.fail(c, errors.Errorf("invalid margin %q", c.Param("margin")), KindBadRequest)
		return
	}
	st, err := s.reg.InitMaker(c.Request.Context(), c.Param("chain"), margin)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, makerView(st))
}

func (s *Server) openChannel(c *gin.Context) {
	var req channel.OpenChannelRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.reg.HandleOpenChannel(c.Request.Context(), req)
	s.reply(c, resp, err)
}

func (s *Server) recvPay(c *gin.Context) {
	var req channel.PaymentRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.reg.HandlePayment(c.Request.Context(), req)
	s.reply(c, resp, err)
}

func (s *Server) paymentToken(c *gin.Context) {
	var req channel.GeneratePaymentTokenRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.reg.HandleGeneratePaymentToken(c.Request.Context(), req)
	s.reply(c, resp, err)
}

func (s *Server) makerState(c *gin.Context) {
	states := s.reg.Makers()
	views := make([]MakerView, 0, len(states))
	for _, st := range states {
		views = append(views, makerView(st))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) order(c *gin.Context) {
	var req channel.OrderRequest
	if !s.bind(c, &req) {
		return
	}
	st, err := s.reg.Order(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, takerView(st))
}

func (s *Server) pay(c *gin.Context) {
	id, ok := s.channelID(c)
	if !ok {
		return
	}
	st, err := s.reg.Pay(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, takerView(st))
}

func (s *Server) payAll(c *gin.Context) {
	if err := s.reg.PayAll(c.Request.Context()); err != nil {
		s.fail(c, err, "")
		return
	}
	s.takerStates(c)
}

func (s *Server) closeChannel(c *gin.Context) {
	rcpt, err := s.reg.Close(c.Request.Context(), c.Param("merchant"), c.Param("chain"))
	s.reply(c, rcpt, err)
}

func (s *Server) takerStates(c *gin.Context) {
	states := s.reg.Takers()
	views := make([]TakerView, 0, len(states))
	for _, st := range states {
		views = append(views, takerView(st))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) takerState(c *gin.Context) {
	id, ok := s.channelID(c)
	if !ok {
		return
	}
	st, err := s.reg.Taker(id)
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, takerView(st))
}

func (s *Server) marketData(c *gin.Context) {
	var u channel.MarketDataUpdate
	if !s.bind(c, &u) {
		return
	}
	s.reg.UpdateMarketData(u)
	c.JSON(http.StatusOK, gin.H{"status": "Success"})
}

func (s *Server) channelID(c *gin.Context) (channel.ID, bool) {
	id, err := channel.ParseID(c.Param("channel"))
	if err != nil {
		s.fail(c, errors.Wrap(err, "channel id"), KindBadRequest)
		return id, false
	}
	return id, true
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, errors.Wrap(err, "decoding request"), KindBadRequest)
		return false
	}
	return true
}

func (s *Server) reply(c *gin.Context, v any, err error) {
	if err != nil {
		s.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, v)
}

// fail writes err. An empty kind is derived from err.
func (s *Server) fail(c *gin.Context, err error, kind string) {
	status := http.StatusBadRequest
	resp := ErrorResponse{Error: err.Error(), Code: channel.Code(err), RequestID: c.GetString(RequestIDHeader)}

	var mm *channel.SettlementMismatch
	switch {
	case kind != "":
		resp.Kind = kind
	case errors.As(err, &mm):
		status, resp.Kind = http.StatusUnprocessableEntity, KindMismatch
		resp.Expected, resp.Claimed = &mm.Expected, &mm.Claimed
	case channel.IsProtocolError(err):
		status, resp.Kind = http.StatusUnprocessableEntity, KindProtocol
	case channel.IsPrecondition(err):
		status, resp.Kind = http.StatusConflict, KindPrecondition
	case errors.Is(err, session.ErrMakerNotFound), errors.Is(err, session.ErrTakerNotFound),
		errors.Is(err, liquidity.ErrPoolNotFound), errors.Is(err, chain.ErrChainUnavailable):
		status, resp.Kind = http.StatusNotFound, KindNotFound
	case chain.IsChainError(err):
		status, resp.Kind = http.StatusBadGateway, KindChain
	case errors.Is(err, session.ErrInvalidOrder):
		resp.Kind = KindBadRequest
	default:
		status, resp.Kind = http.StatusInternalServerError, KindInternal
	}
	s.Log().WithField("request", resp.RequestID).Warnf("%s: %v", c.FullPath(), err)
	c.AbortWithStatusJSON(status, resp)
}
