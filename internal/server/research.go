package server

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

var researchTracer = telemetry.Tracer("server/research")

// ResearchHandler streams research runs over SSE.
type ResearchHandler struct {
	Lead     *research.Lead
	Store    *store.Store
	RunCache *store.RunCache
	Config   *config.Config
	Logger   *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("", h.stream)
	g.GET("/runs/:session_id", h.runStatus)
}

type researchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// stream runs one research session, emitting pipeline events as SSE
// until a terminal final_report or error event.
func (h *ResearchHandler) stream(c echo.Context) error {
	if !h.Config.Server.RunStreamEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "research stream disabled")
	}
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}

	ctx := c.Request().Context()
	ctx, span := researchTracer.Start(ctx, "ResearchHandler.stream")
	defer span.End()

	var history []llm.Message
	conversationID := req.ConversationID
	if conversationID != "" {
		if _, err := h.Store.GetConversation(ctx, conversationID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		loaded, err := h.Store.LoadHistory(ctx, conversationID)
		if err != nil {
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		history = loaded
	} else {
		id, err := h.Store.CreateConversation(ctx, conversationTitle(req.Query))
		if err != nil {
			// Persistence is best effort; the run proceeds without it.
			h.Logger.Printf("creating conversation failed: %v", err)
		} else {
			conversationID = id
		}
	}

	sessionID := uuid.NewString()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("conversation_id", conversationID),
	)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	var mu sync.Mutex
	emit := func(ev research.Event) {
		wire, err := research.FormatSSE(ev)
		if err != nil {
			h.Logger.Printf("session %s: dropping %s event: %v", sessionID, ev.Name, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := resp.Write([]byte(wire)); err != nil {
			h.Logger.Printf("session %s: client write failed: %v", sessionID, err)
			return
		}
		flusher.Flush()

		if batch, ok := ev.Data.(research.WorkerBatchData); ok {
			telemetry.SubagentTasks.WithLabelValues("ok").Add(float64(batch.Count - batch.Failed))
			telemetry.SubagentTasks.WithLabelValues("failed").Add(float64(batch.Failed))
		}
	}

	telemetry.ActiveRuns.Inc()
	defer telemetry.ActiveRuns.Dec()

	emit(research.SessionCreatedEvent(sessionID, conversationID))
	h.setRunStatus(c, sessionID, conversationID, string(research.StatePlanning), "")

	_, err := h.Lead.Run(ctx, research.RunParams{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Query:          req.Query,
		History:        history,
	}, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.setRunStatus(c, sessionID, conversationID, string(research.StateFailed), err.Error())
		// The terminal error event is already on the wire.
		return nil
	}
	h.setRunStatus(c, sessionID, conversationID, string(research.StateDone), "")
	return nil
}

// runStatus reports a run's cached lifecycle state for clients that poll
// instead of streaming.
func (h *ResearchHandler) runStatus(c echo.Context) error {
	if h.RunCache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run status cache not configured")
	}
	status, err := h.RunCache.GetStatus(c.Request().Context(), c.Param("session_id"))
	if errors.Is(err, store.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (h *ResearchHandler) setRunStatus(c echo.Context, sessionID, conversationID, state, detail string) {
	if h.RunCache == nil {
		return
	}
	err := h.RunCache.SetStatus(c.Request().Context(), store.RunStatus{
		SessionID:      sessionID,
		ConversationID: conversationID,
		State:          state,
		Detail:         detail,
	})
	if err != nil {
		h.Logger.Printf("session %s: recording run status failed: %v", sessionID, err)
	}
}

func conversationTitle(query string) string {
	query = strings.TrimSpace(query)
	if runes := []rune(query); len(runes) > 80 {
		return string(runes[:80])
	}
	return query
}
