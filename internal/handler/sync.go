package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/zipos-register/internal/model"
)

// GetSyncStatus возвращает количество записей очереди по статусам.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.SyncStatus(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// SyncNow выполняет один проход очереди синхронизации.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SyncNow(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type queueEntryResponse struct {
	Seq       int64            `json:"seq"`
	Type      model.EntityType `json:"type"`
	EntityID  string           `json:"entity_id"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt string           `json:"updated_at"`
}

// GetFailedSync возвращает записи, исчерпавшие повторы.
func (h *Handler) GetFailedSync(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.FailedSync(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]queueEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, queueEntryResponse{
			Seq:       e.Seq,
			Type:      e.Ref.Type,
			EntityID:  e.Ref.ID,
			Attempts:  e.Attempts,
			LastError: e.LastError,
			UpdatedAt: e.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryResponse struct {
	Requeued int `json:"requeued"`
}

// RetrySync возвращает записи Failed в очередь.
func (h *Handler) RetrySync(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RetrySync(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Requeued: n})
}

// CancelSync снимает запись с синхронизации. Дочерние записи будут помечены Failed при следующем проходе.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	ref := model.EntityRef{
		Type: model.EntityType(chi.URLParam(r, "type")),
		ID:   chi.URLParam(r, "entityID"),
	}
	if !ref.Type.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown entity type %q", model.ErrInvalidArgument, ref.Type))
		return
	}

	if err := h.service.CancelSync(r.Context(), ref); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
