package toolservice

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/familyassist/orchestrator/internal/errs"
)

// errorBody is the §6 error envelope: errors return HTTP 200 with
// {"error": {"kind": ..., "message": ...}} so callers never need to branch
// on transport status codes to find out what went wrong.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Handler exposes the Service over HTTP: GET /tools for the signed spec
// table, POST /tool/:name for dispatch.
type Handler struct {
	svc *Service
}

// NewHandler wraps a Service for HTTP registration.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the tool-service routes on an echo group. When apiKeyHash
// is non-empty, every route requires a matching X-Tool-Service-Key header.
func (h *Handler) Register(g *echo.Group, apiKeyHash string) {
	if apiKeyHash != "" {
		g.Use(apiKeyMiddleware(apiKeyHash))
	}
	g.GET("/tools", h.listTools)
	g.POST("/tool/:name", h.dispatch)
}

func (h *Handler) listTools(c echo.Context) error {
	body, err := h.svc.specsAsMap()
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"error": errorBody{Kind: string(errs.KindInternal), Message: err.Error()}})
	}
	return c.JSON(http.StatusOK, body)
}

type dispatchRequest struct {
	TraceID   string                 `json:"trace_id"`
	Principal string                 `json:"principal"`
	Args      map[string]interface{} `json:"args"`
}

func (h *Handler) dispatch(c echo.Context) error {
	name := c.Param("name")
	var req dispatchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"error": errorBody{Kind: string(errs.KindValidation), Message: err.Error()}})
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	result, err := h.svc.Dispatch(c.Request().Context(), req.TraceID, req.Principal, name, req.Args)
	if err != nil {
		kind := errs.KindToolExecution
		if e, ok := errs.As(err); ok {
			kind = e.Kind
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"error": errorBody{Kind: string(kind), Message: err.Error()}})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"result": result})
}
