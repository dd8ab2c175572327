package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratalabs/strata/pkg/atom"
	"github.com/stratalabs/strata/pkg/crypto"
	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/link"
	"github.com/stratalabs/strata/pkg/membrane"
	"github.com/stratalabs/strata/pkg/policy"
	"github.com/stratalabs/strata/pkg/projection"
	"github.com/stratalabs/strata/pkg/stream"
)

type testEnv struct {
	server  *Server
	store   *ledger.MemoryStore
	engine  *ledger.Engine
	signer  *crypto.Ed25519Signer
	permits *membrane.PermitIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := ledger.NewMemoryStore()
	reg := policy.NewRegistry()
	reg.Register("jobs/*", nil, policy.NewTransitionRule(nil))

	permits, err := membrane.NewPermitIssuer([]byte("test-key"))
	require.NoError(t, err)

	mem := membrane.New(membrane.Config{
		Policies: reg,
		Permits:  permits,
		Reader:   store,
	})
	engine := ledger.NewEngine(store, mem)
	t.Cleanup(engine.Stop)

	hub := stream.NewHub(store, stream.WithKeepAliveInterval(50*time.Millisecond))
	timeline := projection.NewTimelineProjection()
	jobs := projection.NewJobsProjection()
	presence := projection.NewPresenceProjection()
	projEngine := projection.NewEngine(store, nil)
	projEngine.Register(timeline)
	projEngine.Register(jobs)
	projEngine.Register(presence)
	engine.Subscribe(hub.Notify)
	engine.Subscribe(projEngine.Notify)

	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	server := NewServer(ServerConfig{
		Engine: engine,
		Store:  store,
		Hub:    hub,
		Projections: ProjectionSet{
			Engine:   projEngine,
			Timeline: timeline,
			Jobs:     jobs,
			Presence: presence,
		},
		Permits: permits,
	})
	return &testEnv{server: server, store: store, engine: engine, signer: signer, permits: permits}
}

func (env *testEnv) draft(t *testing.T, container string, payload any) *link.Draft {
	t.Helper()
	head, err := env.store.Head(context.Background(), container)
	require.NoError(t, err)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	atomHash, err := atom.Hash(json.RawMessage(raw))
	require.NoError(t, err)

	d := &link.Draft{
		Version:          link.Version,
		ContainerID:      container,
		ExpectedSequence: head.NextSequence,
		PreviousHash:     head.HeadHash,
		AtomHash:         atomHash,
		IntentClass:      link.Observation,
		PhysicsDelta:     link.NewDelta(0),
		Atom:             raw,
	}
	require.NoError(t, d.Sign(env.signer))
	return d
}

func commitPath(container string) string {
	return "/v1/containers/" + url.PathEscape(container) + "/commit"
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func TestCommitAndState(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"text": "hi"}})
	w := postJSON(t, h, commitPath("chat/main"), d)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var receipt link.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	require.Equal(t, uint64(0), receipt.Sequence)
	require.Len(t, receipt.EntryHash, 64)

	w = get(t, h, "/v1/containers/"+url.PathEscape("chat/main"))
	require.Equal(t, http.StatusOK, w.Code)
	var state struct {
		NextSequence uint64 `json:"next_sequence"`
		HeadHash     string `json:"head_hash"`
		Empty        bool   `json:"empty"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Equal(t, uint64(1), state.NextSequence)
	require.Equal(t, receipt.EntryHash, state.HeadHash)
	require.False(t, state.Empty)
}

func TestCommitCausalityMismatchProblem(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"n": 1}})
	require.Equal(t, http.StatusOK, postJSON(t, h, commitPath("chat/main"), d).Code)

	// Replaying the same draft now mismatches the advanced head.
	w := postJSON(t, h, commitPath("chat/main"), d)
	require.Equal(t, http.StatusConflict, w.Code)
	p := decodeProblem(t, w)
	require.Equal(t, CodeCausalityMismatch, p.Code)
	require.False(t, p.Retryable)
}

func TestCommitPolicyViolationProblem(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "jobs/1", map[string]any{
		"type":    "job.state_changed",
		"payload": map[string]any{"job_id": "1", "from": "draft", "to": "completed"},
	})
	w := postJSON(t, h, commitPath("jobs/1"), d)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	p := decodeProblem(t, w)
	require.Equal(t, CodePolicyViolation+".illegal_transition", p.Code)
}

func TestCommitSignatureInvalidProblem(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{}})
	d.Signature = strings.Repeat("ab", 64)

	w := postJSON(t, h, commitPath("chat/main"), d)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeSignatureInvalid, decodeProblem(t, w).Code)
}

func TestCommitContainerPathMismatch(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{}})
	w := postJSON(t, h, commitPath("chat/other"), d)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntriesRange(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	for i := 0; i < 3; i++ {
		d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"n": i}})
		require.Equal(t, http.StatusOK, postJSON(t, h, commitPath("chat/main"), d).Code)
	}

	w := get(t, h, "/v1/containers/"+url.PathEscape("chat/main")+"/entries?from=1&limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	require.Equal(t, uint64(1), resp.Entries[0].Sequence)
}

func TestAtomFetch(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"text": "x"}})
	require.Equal(t, http.StatusOK, postJSON(t, h, commitPath("chat/main"), d).Code)

	w := get(t, h, "/v1/atoms/"+d.AtomHash)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, string(d.Atom), w.Body.String())

	w = get(t, h, "/v1/atoms/"+strings.Repeat("0", 64))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, CodeNotFound, decodeProblem(t, w).Code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	for i := 0; i < 2; i++ {
		d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"n": i}})
		require.Equal(t, http.StatusOK, postJSON(t, h, commitPath("chat/main"), d).Code)
	}

	w := get(t, h, "/v1/containers/"+url.PathEscape("chat/main")+"/verify")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Verified uint64 `json:"verified"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, uint64(2), resp.Verified)
}

func TestProjectionQuery(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"text": "hello"}})
	require.Equal(t, http.StatusOK, postJSON(t, h, commitPath("chat/main"), d).Code)

	require.Eventually(t, func() bool {
		return len(env.server.projections.Timeline.Timeline("chat/main")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := get(t, h, "/v1/projections/timeline?container="+url.QueryEscape("chat/main"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "eventual", w.Header().Get("X-Consistency"))
	var resp struct {
		Messages []projection.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)

	w = get(t, h, "/v1/projections/unknown")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPermitEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	w := postJSON(t, h, "/v1/permits", membrane.PermitRequest{
		ContainerID: "mint/main",
		AtomHash:    strings.Repeat("a", 64),
		IntentClass: link.Entropy,
		Actor:       "agent-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var grant membrane.Grant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	require.NotEmpty(t, grant.Token)

	// Malformed request.
	w = postJSON(t, h, "/v1/permits", membrane.PermitRequest{})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodePermitDenied, decodeProblem(t, w).Code)
}

func TestTailSSE(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		d := env.draft(t, "chat/main", map[string]any{"type": "message.sent", "payload": map[string]any{"n": i}})
		_, err := env.engine.Commit(context.Background(), d)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/containers/"+url.PathEscape("chat/main")+"/tail?cursor=0", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() && len(events) < 1 {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: entry") {
			events = append(events, line)
		}
	}
	require.Len(t, events, 1, "replay after cursor=0 must deliver entry 1")
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)
	env.server.limiter = NewRateLimiter(1, 1)
	h := env.server.Handler()

	path := "/v1/containers/" + url.PathEscape("chat/main")
	first := get(t, h, path)
	require.Equal(t, http.StatusOK, first.Code)

	var limited bool
	for i := 0; i < 5; i++ {
		if w := get(t, h, path); w.Code == http.StatusTooManyRequests {
			limited = true
			require.NotEmpty(t, w.Header().Get("Retry-After"))
			break
		}
	}
	require.True(t, limited, "burst of requests never hit the limiter")
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/containers/"+url.PathEscape("chat/main"), nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := Chain(panicky, RequestID, Recover(testLogger()))

	w := get(t, h, "/anything")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func testLogger() *slog.Logger { return slog.Default() }
