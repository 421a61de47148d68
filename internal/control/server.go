// Package control is the operator HTTP surface: manual stepping, cycle
// reset, status snapshots, auto-mode switches, the journal tail, health,
// and Prometheus metrics.
package control

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirphl/sweep-trader/internal/autotrade"
	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/db"
	"github.com/amirphl/sweep-trader/internal/strategy"
)

type Server struct {
	Router *gin.Engine

	machine *strategy.StrategyStateMachine
	poller  *autotrade.Poller
	storage db.Storage

	// Auto mode outlives any single request; it runs on this context.
	appCtx context.Context
	http   *http.Server
}

func NewServer(appCtx context.Context, cfg config.ServerConfig, machine *strategy.StrategyStateMachine, poller *autotrade.Poller, storage db.Storage) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:  r,
		machine: machine,
		poller:  poller,
		storage: storage,
		appCtx:  appCtx,
		http:    &http.Server{Addr: cfg.Addr, Handler: r},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	strat := s.Router.Group("/strategy")
	{
		strat.POST("/step", s.step)
		strat.POST("/reset", s.reset)
		strat.GET("/status", s.status)
		strat.GET("/journal", s.journalTail)
	}

	auto := s.Router.Group("/auto")
	{
		auto.POST("/start", s.autoStart)
		auto.POST("/stop", s.autoStop)
		auto.GET("/status", s.autoStatus)
	}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type stepRequest struct {
	Kind string `json:"kind" binding:"omitempty,oneof=sweep reversal signal execute manage"`
}

type resetRequest struct {
	Reason string `json:"reason"`
}

type journalQuery struct {
	Limit int `form:"limit"`
}

func (q *journalQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// step runs one manual step. An omitted kind evaluates whatever the
// current stage needs; a kind that does not match the stage comes back
// as a conflict without touching state.
func (s *Server) step(c *gin.Context) {
	var req stepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}

	res, err := s.machine.Step(c.Request.Context(), req.Kind)
	if err != nil {
		if strategy.IsStateViolation(err) {
			respondError(c, http.StatusConflict, "STATE_VIOLATION", err.Error())
			return
		}
		// Holds and faults both carry the result; the operator reads the
		// error and decides what to do next.
		c.JSON(http.StatusOK, gin.H{"result": res, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (s *Server) reset(c *gin.Context) {
	req := resetRequest{Reason: "manual reset"}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = "manual reset"
		}
	}

	s.machine.Reset(c.Request.Context(), req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": s.machine.Status()})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.machine.Status())
}

func (s *Server) journalTail(c *gin.Context) {
	var q journalQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	events, err := s.storage.RecentEvents(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) autoStart(c *gin.Context) {
	if err := s.poller.Start(s.appCtx); err != nil {
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.poller.Status())
}

func (s *Server) autoStop(c *gin.Context) {
	s.poller.Stop()
	c.JSON(http.StatusOK, s.poller.Status())
}

func (s *Server) autoStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.poller.Status())
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
