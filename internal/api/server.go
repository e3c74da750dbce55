// Package api exposes the broker over HTTP. The host points its
// generative-language base URL at this server; gin routes each call into the
// dispatcher and serves the auxiliary model-list, health, and recovery
// endpoints.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-tools/antigravity-broker/internal/account"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
	"github.com/opencode-tools/antigravity-broker/internal/dispatch"
	"github.com/opencode-tools/antigravity-broker/internal/logging"
	"github.com/opencode-tools/antigravity-broker/internal/model"
	"github.com/opencode-tools/antigravity-broker/internal/recovery"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
)

// Server is the broker's HTTP face.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	dispatcher *dispatch.Dispatcher
	hook       *recovery.Hook
	manager    *account.Manager
	queue      *account.RefreshQueue
	cache      *signature.Cache
}

// NewServer wires the routes. queue, cache, and hook may be nil when their
// features are disabled.
func NewServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, hook *recovery.Hook,
	manager *account.Manager, queue *account.RefreshQueue, cache *signature.Cache) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		dispatcher: dispatcher,
		hook:       hook,
		manager:    manager,
		queue:      queue,
		cache:      cache,
	}

	engine.POST("/v1beta/models/*modelAction", s.handleGenerate)
	engine.GET("/v1beta/models", s.handleModels)
	engine.GET("/health", s.handleHealth)
	engine.POST("/internal/recovery", s.handleRecovery)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleGenerate(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": 400, "message": "failed to read request body"}})
		return
	}

	s.recordForRecovery(body)

	s.dispatcher.Handle(c.Request.Context(), c.Request.URL.Path, body, c.Writer)
}

// recordForRecovery saves the conversation's last message parts so the
// recovery hook has a fallback copy when the host cannot supply them.
func (s *Server) recordForRecovery(body []byte) {
	if s.hook == nil {
		return
	}
	root := gjson.ParseBytes(body)
	request := root.Get("request")
	if !request.Exists() {
		request = root
	}

	var sessionID string
	for _, field := range []string{"sessionId", "session_id", "conversationId", "conversation_id", "threadId", "thread_id"} {
		if id := request.Get(field).String(); id != "" {
			sessionID = id
			break
		}
	}
	if sessionID == "" {
		return
	}

	if messages := request.Get("messages"); messages.IsArray() {
		items := messages.Array()
		if len(items) > 0 {
			last := items[len(items)-1]
			if content := last.Get("content"); content.IsArray() {
				s.hook.RecordParts(sessionID, "", []byte(content.Raw))
			}
		}
	}
}

func (s *Server) handleModels(c *gin.Context) {
	models := make([]gin.H, 0)
	for _, name := range model.Catalog() {
		models = append(models, gin.H{
			"name":                       "models/" + name,
			"displayName":                name,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":   "ok",
		"accounts": s.manager.Count(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	availability := gin.H{}
	for _, family := range []constant.ModelFamily{constant.FamilyClaude, constant.FamilyGemini} {
		availability[string(family)] = gin.H{"minWaitMs": s.manager.MinWaitMs(family)}
	}
	health["availability"] = availability

	if s.queue != nil {
		refreshed, failed := s.queue.Stats()
		health["refreshQueue"] = gin.H{"refreshed": refreshed, "failed": failed}
	}
	if s.cache != nil {
		stats, entries := s.cache.Statistics()
		health["signatureCache"] = gin.H{
			"entries": entries,
			"hits":    stats.Hits,
			"misses":  stats.Misses,
			"stores":  stats.Stores,
			"flushes": stats.Flushes,
		}
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleRecovery(c *gin.Context) {
	if s.hook == nil {
		c.JSON(http.StatusOK, recovery.Result{Recoverable: false})
		return
	}
	var event recovery.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": 400, "message": err.Error()}})
		return
	}
	result, err := s.hook.Handle(&event)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": gin.H{"code": 422, "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, result)
}
