// Package api implements the Edge Handlers of spec.md §4.G: thin HTTP
// entrypoints that authenticate, detect dialect, invoke the engine, and
// attach CORS — all business logic lives in internal/engine.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nodebridge/airouter/internal/apikey"
	"github.com/nodebridge/airouter/internal/engine"
	"github.com/nodebridge/airouter/internal/fallback"
	"github.com/nodebridge/airouter/internal/logging"
	"github.com/nodebridge/airouter/internal/registry"
	"github.com/nodebridge/airouter/internal/resolver"
	"github.com/nodebridge/airouter/internal/tokencount"
)

// Server wires the Engine behind gin routes for every dialect surface.
type Server struct {
	Engine       *engine.Engine
	ServerSecret string
}

func NewServer(eng *engine.Engine, serverSecret string) *Server {
	return &Server{Engine: eng, ServerSecret: serverSecret}
}

// Routes registers every edge handler onto r, once at the new /v1/...
// root and once more under the legacy /{machineId}/v1/... root (spec.md
// §6's "rooted at either /v1/... (new) or /{machineId}/v1/... (legacy)").
func (s *Server) Routes(r *gin.Engine) {
	r.Use(corsMiddleware())

	s.registerSurface(&r.RouterGroup)
	s.registerSurface(r.Group("/:machineId"))

	r.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
}

// registerSurface installs the full dialect + verify/models surface onto
// group, shared between the new root-level mount and the legacy
// machineId-prefixed one.
func (s *Server) registerSurface(group *gin.RouterGroup) {
	group.GET("/verify", s.handleVerify())
	group.GET("/models", s.handleModels())
	group.POST("/v1/chat/completions", s.handle(registry.FormatOpenAIChat))
	group.POST("/v1/messages", s.handle(registry.FormatClaude))
	group.POST("/v1/responses", s.handle(registry.FormatOpenAIResponses))
	group.POST("/v1/embeddings", s.handleEmbeddings())
	group.POST("/v1/api/chat", s.handle(registry.FormatOllama))
}

// corsMiddleware attaches the CORS headers spec.md §4.G requires on every
// response, short-circuiting OPTIONS preflights.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// handle builds the gin.HandlerFunc for one dialect surface: it extracts
// machineId, verifies the bearer key, reads model + stream from the body,
// and invokes the engine.
func (s *Server) handle(dialect registry.Format) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := s.authenticate(c)
		if !ok {
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorEnvelope("failed to read request body"))
			return
		}

		model := extractModel(body)
		if model == "" {
			c.JSON(http.StatusBadRequest, errorEnvelope("missing model field"))
			return
		}
		stream := extractStream(body)

		if stream {
			s.serveStream(c, machineID, dialect, model, body)
			return
		}
		s.serveNonStream(c, machineID, dialect, model, body)
	}
}

// handleEmbeddings is the /v1/embeddings entrypoint. Embeddings are never
// streamed and have no dedicated wire dialect of their own in the format
// registry, so the request body is forwarded as openai-chat — but first
// logs an estimated input token count, since embeddings responses carry no
// prompt-side usage field for the operator to observe.
func (s *Server) handleEmbeddings() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := s.authenticate(c)
		if !ok {
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorEnvelope("failed to read request body"))
			return
		}

		model := extractModel(body)
		if model == "" {
			c.JSON(http.StatusBadRequest, errorEnvelope("missing model field"))
			return
		}

		input := extractEmbeddingsInput(body)
		if input == "" {
			c.JSON(http.StatusBadRequest, errorEnvelope("input must not be empty"))
			return
		}

		rec, err := s.Engine.Store.Get(c.Request.Context(), machineID)
		if err != nil || rec == nil {
			c.JSON(http.StatusUnauthorized, errorEnvelope("unknown machine"))
			return
		}
		targets, err := resolver.Resolve(rec, model)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorEnvelope(err.Error()))
			return
		}
		for _, target := range targets {
			if !embeddingsCapable(target.Provider) {
				c.JSON(http.StatusBadRequest, errorEnvelope("does not support embeddings"))
				return
			}
		}

		estimated := tokencount.Estimate(input)
		logging.WithRequest(machineID, "embeddings", "").
			WithField("estimatedTokens", estimated).Debug("api: embeddings request")

		s.serveNonStream(c, machineID, registry.FormatOpenAIChat, model, body)
	}
}

// embeddingsCapable reports whether provider is one of the three families
// spec.md §6 allows on /v1/embeddings: openai, openrouter, and
// openai-compatible-*. Everything else (anthropic, gemini, the CLI OAuth
// providers, etc.) has no embeddings endpoint to forward to.
func embeddingsCapable(provider string) bool {
	switch provider {
	case "openai", "openrouter":
		return true
	}
	return strings.HasPrefix(provider, "openai-compatible")
}

// handleVerify is the GET /verify entrypoint: confirms the bearer key and
// reports how many provider connections the machine has configured.
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := s.authenticate(c)
		if !ok {
			return
		}
		rec, err := s.Engine.Store.Get(c.Request.Context(), machineID)
		if err != nil || rec == nil {
			c.JSON(http.StatusUnauthorized, errorEnvelope("unknown machine"))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"valid":          true,
			"machineId":      machineID,
			"providersCount": len(rec.Providers),
		})
	}
}

// handleModels is the GET /models entrypoint: an OpenAI-style listing of
// every {alias}/{model} the machine has configured, plus its combos.
// Provider connections that carry an explicit models list in
// providerSpecificData (the shape a dashboard would populate from an
// upstream /models discovery call) are expanded into one entry per model;
// connections without one contribute nothing of their own, since this
// router doesn't maintain a catalog of every upstream's available models.
func (s *Server) handleModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := s.authenticate(c)
		if !ok {
			return
		}
		rec, err := s.Engine.Store.Get(c.Request.Context(), machineID)
		if err != nil || rec == nil {
			c.JSON(http.StatusUnauthorized, errorEnvelope("unknown machine"))
			return
		}

		seen := make(map[string]bool)
		data := []gin.H{}
		add := func(id string) {
			if id == "" || seen[id] {
				return
			}
			seen[id] = true
			data = append(data, gin.H{"id": id, "object": "model", "owned_by": "airouter"})
		}

		for _, conn := range rec.Providers {
			if !conn.IsActive {
				continue
			}
			alias := registry.ProviderAliasOf(conn.Provider)
			for _, model := range configuredModels(conn.ProviderSpecificData) {
				add(alias + "/" + model)
			}
		}
		for name := range rec.ModelAliases {
			add(name)
		}
		for _, combo := range rec.Combos {
			add(combo.Name)
		}

		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

// configuredModels reads an optional "models" list out of a connection's
// free-form providerSpecificData, tolerating either a []string (set
// in-process) or a []any of strings (round-tripped through YAML/JSON).
func configuredModels(data map[string]any) []string {
	raw, ok := data["models"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Server) serveNonStream(c *gin.Context, machineID string, dialect registry.Format, model string, body []byte) {
	resp, err := s.Engine.Handle(c.Request.Context(), machineID, dialect, model, body)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Data(resp.Status, "application/json", resp.Payload)
}

// authenticate extracts machineId from the URL path prefix or the bearer
// API key, then verifies the key is admitted for that machine per spec.md
// §4.G steps 2-3. On the path-prefixed legacy surface, machineId comes
// from the URL and a legacy (non-machineId-embedding) key is accepted as
// long as it's listed in that machine's apiKeys; on the root /v1/*
// surface machineId must come from the key itself, so a legacy key is
// rejected with a 400 directing callers to the prefix form.
func (s *Server) authenticate(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		c.JSON(http.StatusUnauthorized, errorEnvelope("missing bearer token"))
		return "", false
	}

	if pathMachineID := c.Param("machineId"); pathMachineID != "" {
		return s.verifyKeyForMachine(c, pathMachineID, token)
	}

	if apikey.IsLegacy(token) {
		c.JSON(http.StatusBadRequest, errorEnvelope("legacy API keys are not accepted on the /v1/* surface; use the sk-{machineId}-{keyId}-{checksum} form, or route through /{machineId}/v1/..."))
		return "", false
	}

	machineID, _, ok := apikey.Parse(token, s.ServerSecret)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorEnvelope("invalid API key"))
		return "", false
	}
	return s.verifyKeyForMachine(c, machineID, token)
}

func (s *Server) verifyKeyForMachine(c *gin.Context, machineID, token string) (string, bool) {
	rec, err := s.Engine.Store.Get(c.Request.Context(), machineID)
	if err != nil || rec == nil || !rec.APIKeys[token] {
		c.JSON(http.StatusUnauthorized, errorEnvelope("unknown API key"))
		return "", false
	}
	return machineID, true
}

func (s *Server) serveStream(c *gin.Context, machineID string, dialect registry.Format, model string, body []byte) {
	reqCtx := c.Request.Context()
	chunks, err := s.Engine.HandleStream(reqCtx, machineID, dialect, model, body)
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	c.Stream(func(w gin.ResponseWriter) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}
		if chunk.Err != nil {
			log.Warnf("api: stream error for machine %s: %v", machineID, chunk.Err)
			return false
		}
		if _, err := w.Write(chunk.Payload); err != nil {
			return false
		}
		w.Flush()
		return true
	})
}

func writeDispatchError(c *gin.Context, err error) {
	switch e := err.(type) {
	case *fallback.NoCredentialsError:
		c.JSON(http.StatusBadRequest, errorEnvelope(e.Error()))
	case *fallback.AllRateLimitedError:
		c.Header("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, errorEnvelope(e.Error()))
	default:
		c.JSON(http.StatusBadGateway, errorEnvelope(err.Error()))
	}
}

func errorEnvelope(message string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": "invalid_request_error"}}
}
