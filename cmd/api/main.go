// Command api runs the ingress HTTP server (§6): POST /message, POST
// /webhook/<channel>, GET /health, GET /media/<id>. It wires the Persistent
// Store, Household Service, Context Manager, Embedding Provider, LLM
// Client, Tool Service, Prompt Catalog, and A/B Assigner into one
// Orchestrator and serves it over echo.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/familyassist/orchestrator/config"
	appcontext "github.com/familyassist/orchestrator/internal/context"
	"github.com/familyassist/orchestrator/internal/embedding"
	"github.com/familyassist/orchestrator/internal/household"
	"github.com/familyassist/orchestrator/internal/llm"
	"github.com/familyassist/orchestrator/internal/orchestrator"
	"github.com/familyassist/orchestrator/internal/prompt"
	"github.com/familyassist/orchestrator/internal/store"
	"github.com/familyassist/orchestrator/internal/telemetry"
	"github.com/familyassist/orchestrator/internal/toolservice"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:   "api",
		Short: "Run the ingress HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	logger := log.New(log.Writer(), "[api] ", log.LstdFlags)
	tel := telemetry.New(cfg.Telemetry, logger)

	households := household.New(st, cfg.Household)
	contexts := appcontext.New(st, households, logger)
	embeddings := embedding.New(cfg.Embedding)
	llmClient := llm.New(cfg.LLM)

	tools := toolservice.NewClient(cfg.ToolService)

	catalog, err := prompt.Load(cfg.Prompt.CatalogPath)
	if err != nil {
		return fmt.Errorf("load prompt catalog: %w", err)
	}
	assigner := prompt.NewAssigner(st, cfg.Experiment.ErrorWindow, cfg.Experiment.ErrorRatePause)

	orch := orchestrator.New(st, households, contexts, embeddings, llmClient, tools, catalog, assigner, tel, logger,
		cfg.Household, cfg.Prompt, cfg.LLM.MaxConcurrency)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		logger.Printf("%d %s %s: %v", code, c.Request().Method, c.Request().URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]string{"error": err.Error()})
		}
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &ingressHandler{orch: orch, store: st, tools: tools, llmClient: llmClient, media: cfg.Media}
	h.Register(e, cfg.Server)

	addr := cfg.Server.Address
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}

type ingressHandler struct {
	orch      *orchestrator.Orchestrator
	store     *store.Store
	tools     *toolservice.Client
	llmClient *llm.Client
	media     config.MediaConfig
}

func (h *ingressHandler) Register(e *echo.Echo, server config.ServerConfig) {
	e.GET("/health", h.health)
	e.GET("/media/:id", h.media_)

	guarded := e.Group("")
	if server.RequireJWT {
		guarded.Use(jwtMiddleware(server.JWTSecret))
	}
	guarded.POST("/message", h.postMessage)
	guarded.POST("/webhook/:channel", h.postWebhook)
}

// jwtMiddleware enforces a bearer token signed with the ingress signing
// secret on every direct (non-webhook-provider) caller of POST /message and
// POST /webhook/<channel> when server.require_jwt is set (§6, §11).
func jwtMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authz := c.Request().Header.Get("Authorization")
			raw := strings.TrimPrefix(authz, "Bearer ")
			if raw == "" || raw == authz {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			return next(c)
		}
	}
}

type messageRequest struct {
	Content     string                    `json:"content"`
	UserID      string                    `json:"user_id"`
	ThreadID    string                    `json:"thread_id"`
	Channel     string                    `json:"channel"`
	Attachments []orchestrator.Attachment `json:"attachments"`
}

type messageResponse struct {
	Response  string `json:"response"`
	TraceID   string `json:"trace_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (h *ingressHandler) postMessage(c echo.Context) error {
	start := time.Now()
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content and user_id are required")
	}

	traceID := newTraceID()
	msg := orchestrator.Message{
		Principal:   store.DerivePrincipalID(req.UserID),
		Channel:     req.Channel,
		ThreadID:    req.ThreadID,
		TraceID:     traceID,
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	reply, err := h.orch.Process(c.Request().Context(), msg)
	if err != nil {
		// The orchestrator never re-raises (§4.1 failure model); a non-nil
		// error here means the caller itself (e.g. a cancelled context) bailed.
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, messageResponse{Response: reply.Text, TraceID: traceID, ElapsedMs: time.Since(start).Milliseconds()})
}

type webhookPayload struct {
	ChannelUserID string                    `json:"channel_user_id"`
	Text          string                    `json:"text"`
	Attachments   []orchestrator.Attachment `json:"attachments"`
}

func (h *ingressHandler) postWebhook(c echo.Context) error {
	start := time.Now()
	channel := c.Param("channel")
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	userID, ok, err := h.store.ResolvePrincipalByChannel(ctx, channel, payload.ChannelUserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		userID = store.DerivePrincipalID(channel + ":" + payload.ChannelUserID)
		if err := h.store.EnsurePrincipal(ctx, userID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if err := h.store.BindChannel(ctx, userID, channel, payload.ChannelUserID, nil, true); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	traceID := newTraceID()
	reply, err := h.orch.Process(ctx, orchestrator.Message{
		Principal:   userID,
		Channel:     channel,
		TraceID:     traceID,
		Content:     payload.Text,
		Attachments: payload.Attachments,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, messageResponse{Response: reply.Text, TraceID: traceID, ElapsedMs: time.Since(start).Milliseconds()})
}

func (h *ingressHandler) health(c echo.Context) error {
	ctx := c.Request().Context()
	status := "healthy"
	components := map[string]string{"db": "ok", "tool_service": "ok", "llm": "ok"}

	if err := h.store.DB.PingContext(ctx); err != nil {
		components["db"] = "down"
		status = "degraded"
	}
	if _, err := h.tools.ListTools(ctx); err != nil {
		components["tool_service"] = "down"
		status = "degraded"
	}
	if err := h.llmClient.Ping(ctx); err != nil {
		components["llm"] = "down"
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": status, "components": components})
}

func (h *ingressHandler) media_(c echo.Context) error {
	id := c.Param("id")
	exp := c.QueryParam("exp")
	sig := c.QueryParam("sig")
	renderer := toolservice.NewChartRenderer(h.media)
	if !renderer.VerifySignedURL(id, exp, sig) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired media link")
	}
	return c.File(h.media.Root + "/" + id)
}

var traceCounter int64

// newTraceID produces a process-unique trace id for §4.1's "stable
// trace_id" logged by every orchestrator step.
func newTraceID() string {
	n := atomic.AddInt64(&traceCounter, 1)
	return store.DerivePrincipalID(fmt.Sprintf("trace:%d:%d", n, n^0x5bd1e995))
}
