package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/orchestrator"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// CampaignOperator is the part of the orchestrator exposed to operators.
type CampaignOperator interface {
	Ingest(ctx context.Context, in []contacts.NewContact) (orchestrator.IngestResult, error)
	FirstContact(ctx context.Context, contactID string) error
	StartCampaign(ctx context.Context, limit int) (int, error)
	MarkClosed(ctx context.Context, contactID, outcome, notes string) error
	Cancel(ctx context.Context, contactID string) error
}

type contactReader interface {
	Get(ctx context.Context, id string) (*contacts.Contact, error)
}

type transcriptReader interface {
	Get(ctx context.Context, sessionID string) (transcript.Transcript, error)
}

// AdminCampaignHandler serves the operator endpoints.
type AdminCampaignHandler struct {
	ops         CampaignOperator
	contacts    contactReader
	queue       handoff.Queue
	transcripts transcriptReader
	logger      *logging.Logger
}

type AdminCampaignConfig struct {
	Operator    CampaignOperator
	Contacts    contactReader
	Handoff     handoff.Queue
	Transcripts transcriptReader
	Logger      *logging.Logger
}

func NewAdminCampaignHandler(cfg AdminCampaignConfig) *AdminCampaignHandler {
	if cfg.Operator == nil || cfg.Contacts == nil || cfg.Handoff == nil || cfg.Transcripts == nil {
		panic("handlers: admin campaign handler is missing a dependency")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminCampaignHandler{
		ops:         cfg.Operator,
		contacts:    cfg.Contacts,
		queue:       cfg.Handoff,
		transcripts: cfg.Transcripts,
		logger:      cfg.Logger,
	}
}

type ingestRequest struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// IngestContacts handles POST /admin/contacts with a JSON array of contacts.
func (h *AdminCampaignHandler) IngestContacts(w http.ResponseWriter, r *http.Request) {
	var req []ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no contacts in request")
		return
	}
	batch := make([]contacts.NewContact, 0, len(req))
	for _, item := range req {
		batch = append(batch, contacts.NewContact{Phone: item.Phone, Name: item.Name, Fields: item.Fields})
	}
	res, err := h.ops.Ingest(r.Context(), batch)
	if err != nil {
		h.logger.Error("contact ingestion failed", "error", err)
		writeError(w, statusFor(err), "ingestion failed")
		return
	}
	status := http.StatusOK
	if len(res.Created) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// GetContact handles GET /admin/contacts/{id}.
func (h *AdminCampaignHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.contacts.Get(r.Context(), contactID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "get contact", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// StartContact handles POST /admin/contacts/{id}/start.
func (h *AdminCampaignHandler) StartContact(w http.ResponseWriter, r *http.Request) {
	id := contactID(chi.URLParam(r, "id"))
	if err := h.ops.FirstContact(r.Context(), id); err != nil {
		h.fail(w, "start contact", err)
		return
	}
	h.writeContact(w, r, id)
}

// CancelContact handles POST /admin/contacts/{id}/cancel.
func (h *AdminCampaignHandler) CancelContact(w http.ResponseWriter, r *http.Request) {
	id := contactID(chi.URLParam(r, "id"))
	if err := h.ops.Cancel(r.Context(), id); err != nil {
		h.fail(w, "cancel contact", err)
		return
	}
	h.writeContact(w, r, id)
}

// StartCampaign handles POST /admin/campaigns/start?limit=N.
func (h *AdminCampaignHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	started, err := h.ops.StartCampaign(r.Context(), limit)
	resp := map[string]any{"started": started}
	if err != nil {
		h.logger.Error("campaign start finished with errors", "started", started, "error", err)
		resp["error"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListHandoff handles GET /admin/handoff?priority=&limit=.
func (h *AdminCampaignHandler) ListHandoff(w http.ResponseWriter, r *http.Request) {
	var filter handoff.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("priority")); raw != "" {
		p, ok := contacts.ParsePriority(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "priority must be high, normal or low")
			return
		}
		filter.Priority = p
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit
	entries, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list hand-off queue", err)
		return
	}
	if entries == nil {
		entries = []handoff.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type closeRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

// CloseHandoff handles POST /admin/handoff/{id}/close.
func (h *AdminCampaignHandler) CloseHandoff(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Outcome != "" {
		if _, ok := contacts.ParseOutcome(req.Outcome); !ok {
			writeError(w, http.StatusBadRequest, "unknown outcome")
			return
		}
	}
	id := contactID(chi.URLParam(r, "id"))
	if err := h.ops.MarkClosed(r.Context(), id, req.Outcome, req.Notes); err != nil {
		h.fail(w, "close hand-off", err)
		return
	}
	h.writeContact(w, r, id)
}

// GetTranscript handles GET /admin/sessions/{id}/transcript.
func (h *AdminCampaignHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}
	tr, err := h.transcripts.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get transcript", err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (h *AdminCampaignHandler) writeContact(w http.ResponseWriter, r *http.Request, id string) {
	c, err := h.contacts.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "reload contact", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *AdminCampaignHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("admin request failed", "op", op, "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
