package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/orchestrator"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

type fakeOperator struct {
	ledger   *contacts.MemoryRepository
	started  []string
	closed   map[string]string
	limit    int
	startErr error
}

func (f *fakeOperator) Ingest(ctx context.Context, in []contacts.NewContact) (orchestrator.IngestResult, error) {
	var res orchestrator.IngestResult
	for _, nc := range in {
		c, created, err := f.ledger.Create(ctx, nc)
		if err != nil {
			res.Rejected = append(res.Rejected, orchestrator.IngestRejection{Phone: nc.Phone, Reason: err.Error()})
			continue
		}
		if created {
			res.Created = append(res.Created, c)
		} else {
			res.Existing = append(res.Existing, c)
		}
	}
	return res, nil
}

func (f *fakeOperator) FirstContact(ctx context.Context, id string) error {
	if _, err := f.ledger.Get(ctx, id); err != nil {
		return err
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeOperator) StartCampaign(_ context.Context, limit int) (int, error) {
	f.limit = limit
	return 2, f.startErr
}

func (f *fakeOperator) MarkClosed(ctx context.Context, id, outcome, notes string) error {
	c, err := f.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.State != contacts.StateReadyForHuman {
		return fmt.Errorf("%w: not awaiting a human", contacts.ErrInvalidTransition)
	}
	f.closed[id] = outcome + "|" + notes
	return nil
}

func (f *fakeOperator) Cancel(ctx context.Context, id string) error {
	_, err := f.ledger.Get(ctx, id)
	return err
}

type adminFixture struct {
	ops         *fakeOperator
	ledger      *contacts.MemoryRepository
	queue       *handoff.MemoryQueue
	transcripts *transcript.MemoryAssembler
	router      http.Handler
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	ledger := contacts.NewMemoryRepository()
	f := &adminFixture{
		ops:         &fakeOperator{ledger: ledger, closed: map[string]string{}},
		ledger:      ledger,
		queue:       handoff.NewMemoryQueue(),
		transcripts: transcript.NewMemoryAssembler(),
	}
	h := NewAdminCampaignHandler(AdminCampaignConfig{
		Operator:    f.ops,
		Contacts:    ledger,
		Handoff:     f.queue,
		Transcripts: f.transcripts,
		Logger:      logging.Discard(),
	})
	r := chi.NewRouter()
	r.Post("/admin/contacts", h.IngestContacts)
	r.Get("/admin/contacts/{id}", h.GetContact)
	r.Post("/admin/contacts/{id}/start", h.StartContact)
	r.Post("/admin/contacts/{id}/cancel", h.CancelContact)
	r.Post("/admin/campaigns/start", h.StartCampaign)
	r.Get("/admin/handoff", h.ListHandoff)
	r.Post("/admin/handoff/{id}/close", h.CloseHandoff)
	r.Get("/admin/sessions/{id}/transcript", h.GetTranscript)
	f.router = r
	return f
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminIngestContacts(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodPost, "/admin/contacts", `[{"phone":"(555) 000-1111","name":"Ana"},{"phone":"x"}]`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res orchestrator.IngestResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Created, 1)
	assert.Equal(t, "+15550001111", res.Created[0].ID)
	assert.Len(t, res.Rejected, 1)

	rec = f.do(http.MethodPost, "/admin/contacts", `[{"phone":"5550001111","name":"Ana"}]`)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/contacts", `[]`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/contacts", `{"phone":1}`).Code)
}

func TestAdminGetAndStartContact(t *testing.T) {
	f := newAdminFixture(t)
	_, _, err := f.ledger.Create(context.Background(), contacts.NewContact{Phone: "+15550001111", Name: "Ana"})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/admin/contacts/15550001111", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c contacts.Contact
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, contacts.StateInitial, c.State)

	rec = f.do(http.MethodPost, "/admin/contacts/+15550001111/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"+15550001111"}, f.ops.started)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/admin/contacts/+19990000000", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/contacts/+19990000000/cancel", "").Code)
}

func TestAdminStartCampaign(t *testing.T) {
	f := newAdminFixture(t)
	rec := f.do(http.MethodPost, "/admin/campaigns/start?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.ops.limit)
	assert.JSONEq(t, `{"started":2}`, rec.Body.String())

	f.ops.startErr = errors.New("one contact failed")
	rec = f.do(http.MethodPost, "/admin/campaigns/start", "")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/campaigns/start?limit=-1", "").Code)
}

func TestAdminListHandoff(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	_, err := f.queue.Enqueue(ctx, handoff.Entry{ContactID: "+15550001111", Priority: contacts.PriorityNormal, VerdictAt: now})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, handoff.Entry{ContactID: "+15550002222", Priority: contacts.PriorityHigh, VerdictAt: now.Add(time.Minute)})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/admin/handoff", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []handoff.Entry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "+15550002222", body.Entries[0].ContactID)

	rec = f.do(http.MethodGet, "/admin/handoff?priority=normal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "+15550001111", body.Entries[0].ContactID)

	rec = f.do(http.MethodGet, "/admin/handoff?priority=low", "")
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/admin/handoff?priority=urgent", "").Code)
}

func TestAdminCloseHandoff(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	c, _, err := f.ledger.Create(ctx, contacts.NewContact{Phone: "+15550001111", Name: "Ana"})
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/admin/handoff/+15550001111/close", `{"outcome":"interested","notes":"call back"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, s := range []contacts.State{contacts.StateWaitingConfirmation, contacts.StateScheduledCall, contacts.StateCallInProgress, contacts.StateCallCompleted, contacts.StateReadyForHuman} {
		from := c.State
		c.State = s
		require.NoError(t, f.ledger.Save(ctx, c, from))
	}
	rec = f.do(http.MethodPost, "/admin/handoff/+15550001111/close", `{"outcome":"interested","notes":"call back"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "interested|call back", f.ops.closed["+15550001111"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/handoff/+15550001111/close", `{"outcome":"maybe"}`).Code)
}

func TestAdminGetTranscript(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.transcripts.Append(ctx, "sess-1", transcript.Turn{Role: transcript.RoleAgent, Text: "Hello", Timestamp: time.Now()}))

	rec := f.do(http.MethodGet, "/admin/sessions/sess-1/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tr transcript.Transcript
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tr))
	require.Len(t, tr.Turns, 1)
	assert.Equal(t, "Hello", tr.Turns[0].Text)
}
