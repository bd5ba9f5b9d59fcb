// Package api exposes the engine over HTTP
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/actions"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/engine"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/mailerr"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Server struct {
	engine   *engine.Engine
	verifier *auth.JWTVerifier
	log      *zap.Logger
	http     *http.Server
}

// New builds the server. A nil verifier leaves the API unauthenticated.
func New(e *engine.Engine, verifier *auth.JWTVerifier, log *zap.Logger, port string) *Server {
	s := &Server{engine: e, verifier: verifier, log: log.Named("api")}
	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if s.verifier != nil {
		v1.Use(s.verifier.Middleware())
	}

	v1.GET("/accounts", s.listAccounts)
	v1.POST("/accounts", s.addAccount)
	v1.GET("/accounts/:id", s.getAccount)
	v1.DELETE("/accounts/:id", s.removeAccount)
	v1.POST("/accounts/:id/reauth", s.clearReauth)
	v1.POST("/accounts/:id/refresh", s.refreshAccount)
	v1.GET("/accounts/:id/folders", s.listFolders)
	v1.GET("/accounts/:id/actions", s.listActions)
	v1.POST("/accounts/:id/send", s.send)
	v1.POST("/accounts/:id/drafts", s.createDraft)

	v1.GET("/folders/:id/messages", s.listMessages)
	v1.POST("/folders/:id/load-more", s.loadMore)
	v1.GET("/folders/:id/threads", s.listThreads)

	v1.GET("/messages/:id", s.getMessage)
	v1.GET("/messages/:id/body", s.getBody)
	v1.POST("/messages/:id/read", s.markRead)
	v1.POST("/messages/:id/star", s.star)
	v1.POST("/messages/:id/move", s.move)
	v1.DELETE("/messages/:id", s.deleteMessage)
	v1.PUT("/messages/:id/draft", s.updateDraft)

	v1.POST("/actions/:id/retry", s.retryAction)
	v1.POST("/refresh", s.refreshAll)
	v1.GET("/states", s.states)

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdown)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// fail writes err with the status its class maps to
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var setupErr *mailerr.SetupError
	switch {
	case stderrors.Is(err, mailerr.ErrNotFound):
		status = http.StatusNotFound
	case stderrors.Is(err, actions.ErrMessageDeleted):
		status = http.StatusConflict
	case mailerr.IsAuthenticationNeeded(err):
		status = http.StatusConflict
		body["needs_reauth"] = true
	case stderrors.As(err, &setupErr):
		status = http.StatusBadRequest
	case mailerr.IsRetryable(err):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "active_jobs": s.engine.ActiveJobs()}
	if s.verifier != nil {
		resp["keys"] = s.verifier.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.engine.Accounts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type addAccountRequest struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username" binding:"required"`
	Provider    string `json:"provider" binding:"required"`
}

func (s *Server) addAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	account := mail.Account{
		DisplayName: req.DisplayName,
		Username:    req.Username,
		Provider:    mail.ProviderType(req.Provider),
	}
	if err := s.engine.AddAccount(c.Request.Context(), &account); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.engine.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"fetch":   s.engine.FetchState(account.ID, ""),
		"upload":  s.engine.UploadState(account.ID),
	})
}

func (s *Server) removeAccount(c *gin.Context) {
	if err := s.engine.RemoveAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearReauth(c *gin.Context) {
	if err := s.engine.ClearReauth(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) refreshAccount(c *gin.Context) {
	if err := s.engine.Refresh(c.Param("id"), c.Query("folder_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) refreshAll(c *gin.Context) {
	s.engine.RefreshAll()
	c.Status(http.StatusAccepted)
}

func (s *Server) listFolders(c *gin.Context) {
	folders, err := s.engine.Folders(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

func (s *Server) listActions(c *gin.Context) {
	pending, err := s.engine.PendingActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": pending})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, stderrors.New("invalid " + name)
	}
	return n, nil
}

func (s *Server) listMessages(c *gin.Context) {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil {
		badRequest(c, err)
		return
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}

	folderID := c.Param("id")
	msgs, err := s.engine.Messages(c.Request.Context(), folderID, offset, limit)
	if err != nil && len(msgs) == 0 {
		s.fail(c, err)
		return
	}
	resp := gin.H{"messages": msgs, "listing": s.engine.ListingState(folderID)}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) loadMore(c *gin.Context) {
	st, err := s.engine.LoadMore(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listThreads(c *gin.Context) {
	threads, err := s.engine.Threads(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (s *Server) getMessage(c *gin.Context) {
	m, err := s.engine.Message(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getBody(c *gin.Context) {
	m, err := s.engine.MessageBody(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	attachments, err := s.engine.Attachments(c.Request.Context(), m.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	m.Attachments = attachments
	c.JSON(http.StatusOK, m)
}

type flagRequest struct {
	Value *bool `json:"value" binding:"required"`
}

func (s *Server) markRead(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c)(s.engine.MarkRead(c.Request.Context(), c.Param("id"), *req.Value))
}

func (s *Server) star(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c)(s.engine.Star(c.Request.Context(), c.Param("id"), *req.Value))
}

type moveRequest struct {
	FolderID string `json:"folder_id" binding:"required"`
}

func (s *Server) move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c)(s.engine.Move(c.Request.Context(), c.Param("id"), req.FolderID))
}

func (s *Server) deleteMessage(c *gin.Context) {
	s.accepted(c)(s.engine.Delete(c.Request.Context(), c.Param("id")))
}

func (s *Server) updateDraft(c *gin.Context) {
	var d mail.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err)
		return
	}
	s.accepted(c)(s.engine.UpdateDraft(c.Request.Context(), c.Param("id"), d))
}

func (s *Server) retryAction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, stderrors.New("invalid action id"))
		return
	}
	s.accepted(c)(s.engine.RetryAction(c.Request.Context(), id))
}

// accepted writes the queued action or the error
func (s *Server) accepted(c *gin.Context) func(*mail.PendingAction, error) {
	return func(a *mail.PendingAction, err error) {
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, a)
	}
}

func (s *Server) send(c *gin.Context) {
	var d mail.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.engine.Send(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (s *Server) createDraft(c *gin.Context) {
	var d mail.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.engine.CreateDraft(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (s *Server) states(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.States())
}
