package console

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/relay"
	"github.com/zhouzirui/paywatch/backend/internal/service/audit"
	"github.com/zhouzirui/paywatch/backend/internal/service/transaction"
	"github.com/zhouzirui/paywatch/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// Hub is the relay surface the console endpoints use.
type Hub interface {
	Connect(sink relay.Sink, remoteAddr, userAgent string, role session.Role) string
	Disconnect(connID string)
	Visitors(ctx context.Context) ([]session.VisitorRecord, error)
	Transactions(ctx context.Context) ([]session.TransactionView, error)
	Transaction(ctx context.Context, id string) (session.TransactionView, error)
	Decide(ctx context.Context, action relay.Action, transactionID, reason string) (session.TransactionView, error)
	Stats(ctx context.Context) (relay.Stats, error)
}

// History reads the audit trail of one transaction.
type History interface {
	History(ctx context.Context, transactionID string) ([]audit.Entry, error)
}

// Handler 操作台 REST 与 SSE 接口。
type Handler struct {
	hub       Hub
	history   History
	queueSize int
}

// New 创建操作台处理器。history 为 nil 时历史接口返回 503。
func New(hub Hub, history History, queueSize int) *Handler {
	return &Handler{hub: hub, history: history, queueSize: queueSize}
}

// RegisterRoutes 注册操作台相关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/visitors", h.listVisitors)
	r.Get("/stats", h.stats)
	r.Get("/console/events", h.streamEvents)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.listTransactions)
		r.Route("/{transactionID}", func(r chi.Router) {
			r.Get("/", h.getTransaction)
			r.Get("/history", h.getHistory)
			r.Post("/verify", h.decide(relay.ActionVerify))
			r.Post("/approve", h.decide(relay.ActionApprove))
			r.Post("/reject", h.decide(relay.ActionReject))
		})
	})
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) listVisitors(w http.ResponseWriter, r *http.Request) {
	visitors, err := h.hub.Visitors(r.Context())
	if err != nil {
		h.respondHubError(w, err)
		return
	}
	if visitors == nil {
		visitors = []session.VisitorRecord{}
	}
	utils.RespondJSON(w, http.StatusOK, visitors)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	views, err := h.hub.Transactions(r.Context())
	if err != nil {
		h.respondHubError(w, err)
		return
	}
	if views == nil {
		views = []session.TransactionView{}
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := h.hub.Transaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		h.respondHubError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "audit history unavailable")
		return
	}

	id := chi.URLParam(r, "transactionID")
	entries, err := h.history.History(r.Context(), id)
	if err != nil {
		log.Printf("[audit] history lookup failed transaction=%s: %v", id, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if len(entries) == 0 {
		utils.RespondErrorKind(w, http.StatusNotFound, relay.KindUnknownTarget, "no history for transaction")
		return
	}
	utils.RespondJSON(w, http.StatusOK, entries)
}

func (h *Handler) decide(action relay.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := utils.DecodeJSON(r, &req); err != nil {
			utils.RespondErrorKind(w, http.StatusBadRequest, relay.KindMalformed, err.Error())
			return
		}

		view, err := h.hub.Decide(r.Context(), action, chi.URLParam(r, "transactionID"), req.Reason)
		if err != nil {
			h.respondHubError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, view)
	}
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.hub.Stats(r.Context())
	if err != nil {
		h.respondHubError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, stats)
}

// streamEvents 以 SSE 推送操作台事件，连接本身注册为一个 console。
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := relay.NewQueueSink(h.queueSize)
	connID := h.hub.Connect(sink, r.RemoteAddr, r.UserAgent(), session.RoleConsole)
	defer h.hub.Disconnect(connID)
	defer sink.Close()

	log.Printf("[sse] console stream opened id=%s", connID)
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] console stream closed id=%s", connID)
			return
		case <-sink.Done():
			log.Printf("[sse] console stream dropped by hub id=%s", connID)
			return
		case msg := <-sink.Messages():
			if err := utils.SendSSEEvent(w, flusher, msg.Type, msg); err != nil {
				log.Printf("[sse] write failed id=%s: %v", connID, err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) respondHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transaction.ErrMalformed):
		utils.RespondErrorKind(w, http.StatusBadRequest, relay.KindMalformed, err.Error())
	case errors.Is(err, transaction.ErrUnknownTarget):
		utils.RespondErrorKind(w, http.StatusNotFound, relay.KindUnknownTarget, err.Error())
	case errors.Is(err, transaction.ErrInvalidTransition):
		utils.RespondErrorKind(w, http.StatusConflict, relay.KindInvalidTransition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the request ended before the hub accepted it; nothing was changed
		utils.RespondError(w, http.StatusServiceUnavailable, "request cancelled before it was applied")
	case errors.Is(err, relay.ErrHubStopped):
		utils.RespondError(w, http.StatusServiceUnavailable, "relay unavailable")
	default:
		log.Printf("[console] request failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
