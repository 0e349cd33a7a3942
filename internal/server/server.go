// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the session manager and the conversational
// dispatcher to local UI collaborators over HTTP. Responses carry canonical
// messages and session flags only, never raw upstream payloads.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/wihy-client/internal/dispatch"
	"github.com/your-org/wihy-client/internal/health"
	"github.com/your-org/wihy-client/internal/resilience"
	"github.com/your-org/wihy-client/internal/session"
)

const (
	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout = 10 * time.Second

	requestIDKey = "request_id"
)

// SessionService is the part of session.Manager the bridge uses
type SessionService interface {
	Current() (session.Record, bool)
	IsThrottled() bool
	HandleAuthChange(ctx context.Context, user *session.User) (session.Record, error)
	Clear(ctx context.Context) error
}

// AuthService is the part of auth.TokenState the bridge uses
type AuthService interface {
	SignInWithToken(ctx context.Context, token string) (*session.User, error)
	SignInAsUser(ctx context.Context, user session.User) error
	SignOut(ctx context.Context) error
}

// SessionView is the session resource
type SessionView struct {
	Session   session.Record `json:"session"`
	Throttled bool           `json:"throttled"`
}

// AuthRequest changes the remembered identity. An empty body signs out.
type AuthRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// MessageRequest submits text to a thread
type MessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// ThreadView is the thread resource
type ThreadView struct {
	ThreadID string           `json:"thread_id"`
	State    string           `json:"state"`
	Messages []dispatch.Entry `json:"messages,omitempty"`
}

// Server is the local bridge API
type Server struct {
	sessions SessionService
	auth     AuthService
	threads  *dispatch.Registry
	health   *health.Manager
	errors   *resilience.ErrorHandler
	logger   *zap.Logger
}

// New creates a bridge server. healthManager may be nil.
func New(sessions SessionService, auth AuthService, threads *dispatch.Registry, healthManager *health.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		auth:     auth,
		threads:  threads,
		health:   healthManager,
		errors:   resilience.NewErrorHandler(logger),
		logger:   logger,
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestID())
	router.Use(s.accessLog())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	v1.GET("/session", s.handleGetSession)
	v1.POST("/session/auth", s.handleAuth)
	v1.DELETE("/session", s.handleClearSession)

	v1.POST("/threads", s.handleOpenThread)
	v1.DELETE("/threads/:id", s.handleCloseThread)
	v1.POST("/threads/:id/messages", s.handleSend)
	v1.GET("/threads/:id/messages", s.handleLog)
	v1.POST("/threads/:id/cancel", s.handleCancel)

	return router
}

// Serve listens on addr until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting bridge server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down bridge server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Handled request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status_code", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String(requestIDKey, c.GetString(requestIDKey)))
	}
}

// fail writes err in the ErrorResponse format. Cancellation and single-flight
// rejections are expected outcomes and are not logged as errors.
func (s *Server) fail(c *gin.Context, err error, operation string) {
	switch resilience.CodeOf(err) {
	case resilience.ErrorCodeCancelled, resilience.ErrorCodeConflict,
		resilience.ErrorCodeBadRequest, resilience.ErrorCodeNotFound:
	default:
		s.errors.LogError(err, operation, zap.String(requestIDKey, c.GetString(requestIDKey)))
	}
	s.errors.WriteErrorResponse(c.Writer, err, c.GetString(requestIDKey))
	c.Abort()
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	report := s.health.Check(c.Request.Context())
	c.JSON(report.HTTPStatus(), report)
}

func (s *Server) sessionView() (SessionView, bool) {
	record, ok := s.sessions.Current()
	if !ok {
		return SessionView{}, false
	}
	return SessionView{Session: record, Throttled: s.sessions.IsThrottled()}, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	view, ok := s.sessionView()
	if !ok {
		s.fail(c, resilience.NewNotFoundError("no active session", nil), "reading session")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleAuth(c *gin.Context) {
	ctx := c.Request.Context()

	var req AuthRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, resilience.NewBadRequestError("invalid request format", err), "changing auth")
			return
		}
	}

	var user *session.User
	switch {
	case strings.TrimSpace(req.Token) != "":
		u, err := s.auth.SignInWithToken(ctx, req.Token)
		if err != nil {
			s.fail(c, resilience.NewBadRequestError("invalid token", err), "signing in")
			return
		}
		user = u
	case strings.TrimSpace(req.UserID) != "":
		u := session.User{ID: strings.TrimSpace(req.UserID), Email: req.Email, Name: req.Name}
		if err := s.auth.SignInAsUser(ctx, u); err != nil {
			s.fail(c, err, "signing in")
			return
		}
		user = &u
	default:
		if err := s.auth.SignOut(ctx); err != nil {
			s.fail(c, err, "signing out")
			return
		}
	}

	record, err := s.sessions.HandleAuthChange(ctx, user)
	if err != nil {
		s.fail(c, err, "changing auth")
		return
	}
	c.JSON(http.StatusOK, SessionView{Session: record, Throttled: record.Throttled()})
}

func (s *Server) handleClearSession(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.auth.SignOut(ctx); err != nil {
		s.fail(c, err, "signing out")
		return
	}
	if err := s.sessions.Clear(ctx); err != nil {
		s.fail(c, err, "clearing session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleOpenThread(c *gin.Context) {
	d := s.threads.Open()
	c.JSON(http.StatusCreated, ThreadView{ThreadID: d.ID(), State: d.State().String()})
}

func (s *Server) thread(c *gin.Context) (*dispatch.Dispatcher, bool) {
	id := c.Param("id")
	d, ok := s.threads.Get(id)
	if !ok {
		s.fail(c, resilience.NewNotFoundError("thread not found", nil).WithContext("thread_id", id), "looking up thread")
	}
	return d, ok
}

func (s *Server) handleCloseThread(c *gin.Context) {
	if !s.threads.Close(c.Param("id")) {
		s.fail(c, resilience.NewNotFoundError("thread not found", nil), "closing thread")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSend(c *gin.Context) {
	d, ok := s.thread(c)
	if !ok {
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, resilience.NewBadRequestError("invalid request format", err), "sending message")
		return
	}

	// The request context ends the send when the client goes away.
	msg, err := d.Send(c.Request.Context(), req.Text)
	if err != nil {
		s.fail(c, err, "sending message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleLog(c *gin.Context) {
	d, ok := s.thread(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ThreadView{ThreadID: d.ID(), State: d.State().String(), Messages: d.Log()})
}

func (s *Server) handleCancel(c *gin.Context) {
	d, ok := s.thread(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": d.Cancel()})
}
