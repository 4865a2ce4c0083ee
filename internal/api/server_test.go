package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-summarizer/internal/jobs"
	"note-summarizer/internal/logging"
	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/ratelimit"
	"note-summarizer/internal/store"
)

const testSecret = "test-secret-test-secret"

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	keys     []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	l.keys = append(l.keys, key)
	return l.decision, l.err
}

type testAPI struct {
	handler http.Handler
	records *store.MemoryStore
	queue   *queue.RedisQueue
	mr      *miniredis.Miniredis
	auth    *Authenticator
	limiter *stubLimiter
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueueWithClient(client, queue.Options{Prefix: "test", Queue: "ai-queue"})
	records := store.NewMemoryStore()
	auth := NewAuthenticator(testSecret)
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: true}}
	svc := jobs.NewService(records, q, logging.Discard(), time.Minute)
	srv := New(records, svc, limiter, auth, logging.Discard())
	return &testAPI{handler: srv.Router(), records: records, queue: q, mr: mr, auth: auth, limiter: limiter}
}

func (a *testAPI) token(t *testing.T, owner, role string) string {
	t.Helper()
	tok, err := a.auth.Issue(owner, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) seed(t *testing.T, owner, body string) models.Record {
	t.Helper()
	rec, err := a.records.Create(context.Background(), models.Record{OwnerID: owner, Title: "Acme", Body: body})
	require.NoError(t, err)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/records", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/records", "garbage", nil).Code)

	other := NewAuthenticator("another-secret-another")
	forged, err := other.Issue("agent-1", RoleAgent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/records", forged, nil).Code)

	expired, err := a.auth.Issue("agent-1", RoleAgent, -time.Minute)
	require.NoError(t, err)
	rec := a.do(t, http.MethodGet, "/records", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")

	badRole, err := a.auth.Issue("agent-1", "GUEST", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/records", badRole, nil).Code)
}

func TestRecordCRUD(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "agent-1", RoleAgent)

	rec := a.do(t, http.MethodPost, "/records", tok, map[string]string{"title": "Acme", "body": "first call"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[models.Record](t, rec)
	assert.Equal(t, "agent-1", created.OwnerID)
	assert.Equal(t, models.RecordNew, created.Status)
	assert.Equal(t, "lead", created.Kind)

	rec = a.do(t, http.MethodPatch, "/records/1", tok, map[string]string{"body": "second call"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "second call", decodeBody[models.Record](t, rec).Body)

	rec = a.do(t, http.MethodGet, "/records", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct{ Items []models.Record }](t, rec)
	assert.Len(t, list.Items, 1)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/records/1", tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/records/1", tok, nil).Code)
}

func TestRecordInputValidation(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "agent-1", RoleAgent)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/records", tok, map[string]string{"body": "no title"}).Code)
	// status and summary are never accepted from callers
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/records", tok, map[string]string{"title": "x", "status": "done"}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/records/abc", tok, nil).Code)
}

func TestRecordsAreOwnerScoped(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "agent-1", "notes")
	a.seed(t, "agent-2", "notes")

	agent := a.token(t, "agent-2", RoleAgent)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/records/1", agent, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/records/1/summarize", agent, nil).Code)

	admin := a.token(t, "boss", RoleAdmin)
	rec := a.do(t, http.MethodGet, "/records", admin, nil)
	list := decodeBody[struct{ Items []models.Record }](t, rec)
	assert.Len(t, list.Items, 2)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/records/1", admin, nil).Code)
}

func TestSummarizeAndPoll(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "agent-1", "met the buyer")
	tok := a.token(t, "agent-1", RoleAgent)

	rec := a.do(t, http.MethodPost, "/records/1/summarize", tok, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decodeBody[submitResponse](t, rec).JobID
	require.NotEmpty(t, jobID)
	assert.Equal(t, []string{"agent-1"}, a.limiter.keys)

	rec = a.do(t, http.MethodPost, "/records/1/summarize", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/jobs/"+jobID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_id":"`+jobID+`","status":"queued","result":null}`, rec.Body.String())

	ctx := context.Background()
	_, _, err := a.queue.Dequeue(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, a.queue.Finish(ctx, jobID, "buyer met"))

	rec = a.do(t, http.MethodGet, "/jobs/"+jobID, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"job_id":"`+jobID+`","status":"finished","result":"buyer met"}`, rec.Body.String())
}

func TestSummarizeErrors(t *testing.T) {
	a := newTestAPI(t)
	tok := a.token(t, "agent-1", RoleAgent)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/records/99/summarize", tok, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/jobs/unknown", tok, nil).Code)

	a.seed(t, "agent-1", "notes")
	a.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}
	rec := a.do(t, http.MethodPost, "/records/1/summarize", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	a.limiter.decision = ratelimit.Decision{Allowed: true}
	a.mr.Close()
	rec = a.do(t, http.MethodPost, "/records/1/summarize", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	got, err := a.records.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RecordNew, got.Status)
}

func TestLimiterErrorIsInternal(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "agent-1", "notes")
	a.limiter.err = errors.New("redis down")
	rec := a.do(t, http.MethodPost, "/records/1/summarize", a.token(t, "agent-1", RoleAgent), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFailedJobsIsAdminOnly(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "agent-1", "notes")
	agent := a.token(t, "agent-1", RoleAgent)
	admin := a.token(t, "boss", RoleAdmin)

	rec := a.do(t, http.MethodPost, "/records/1/summarize", agent, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody[submitResponse](t, rec).JobID

	ctx := context.Background()
	_, _, err := a.queue.Dequeue(ctx, "w-0")
	require.NoError(t, err)
	require.NoError(t, a.queue.Fail(ctx, jobID, "summarize: boom"))

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/jobs/failed", agent, nil).Code)

	rec = a.do(t, http.MethodGet, "/jobs/failed", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct{ Items []jobs.FailedJob }](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, jobID, list.Items[0].JobID)
	assert.Equal(t, "summarize: boom", list.Items[0].Error)
}
