package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"studysync/internal/replica"
)

const defaultHistoryLimit = 20

// Deps are the sync core components the handlers drive.
type Deps struct {
	Orchestrator *replica.Orchestrator
	Resolver     *replica.ConflictResolver
	Cloud        replica.CloudAdapter
	History      replica.History
	Logger       *slog.Logger
}

// Handler holds API route handlers.
type Handler struct {
	orch     *replica.Orchestrator
	resolver *replica.ConflictResolver
	cloud    replica.CloudAdapter
	history  replica.History
	logger   *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		orch:     d.Orchestrator,
		resolver: d.Resolver,
		cloud:    d.Cloud,
		history:  d.History,
		logger:   d.Logger,
	}
	if h.resolver == nil {
		h.resolver = replica.NewConflictResolver(h.orch)
	}
	if h.history == nil {
		h.history = replica.NopHistory{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handler) status() statusDTO {
	dto := statusDTO{
		Status:        h.orch.Status(),
		Dirty:         h.orch.Dirty(),
		Authenticated: h.cloud.AuthState().Authenticated,
		Resolving:     h.resolver.Resolving(),
		Conflict:      toConflictDTO(h.orch.Conflict()),
	}
	if err := h.orch.LastError(); err != nil {
		dto.LastError = err.Error()
	}
	return dto
}

func (h *Handler) connect(ctx context.Context) error {
	if h.cloud.AuthState().Authenticated {
		return nil
	}
	return h.cloud.SignIn(ctx)
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// SignIn handles POST /api/signin.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	if err := h.connect(r.Context()); err != nil {
		h.logger.Warn("sign-in failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// SignOut handles POST /api/signout.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.cloud.SignOut()
	writeJSON(w, http.StatusOK, h.status())
}

// Check handles POST /api/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.orch.CheckInitialState(r.Context()); err != nil {
		h.logger.Warn("check failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Backup handles POST /api/backup.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	if err := h.connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.orch.Backup(r.Context())
	if err != nil {
		h.logger.Warn("backup failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupDTO{
		Status:     res.Status,
		Uploaded:   res.Uploaded,
		ErrorCount: res.ErrorCount,
		SyncedAt:   res.SyncedAt,
	})
}

// Restore handles POST /api/restore.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if err := h.orch.Restore(r.Context()); err != nil {
		h.logger.Warn("restore failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Fetch handles POST /api/fetch.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	if err := h.connect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.orch.FetchPendingContent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fetchDTO{
		Downloaded: res.Downloaded,
		ErrorCount: res.ErrorCount,
		Skipped:    res.Skipped,
	})
}

// Resolve handles POST /api/resolve/{choice}.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	choice, err := replica.ParseChoice(chi.URLParam(r, "choice"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ran, err := h.resolver.Resolve(r.Context(), choice)
	if err != nil {
		h.logger.Warn("conflict resolution failed", "choice", string(choice), "error", err)
		writeError(w, err)
		return
	}
	if !ran {
		writeJSON(w, http.StatusConflict, errorBody("no conflict pending or resolution in progress"))
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// History handles GET /api/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}

	ops, err := h.history.ListOperations(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing history failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	items := make([]operationDTO, 0, len(ops))
	for _, op := range ops {
		items = append(items, toOperationDTO(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": items})
}
