package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"docgate/internal/opencode"
	"docgate/internal/storage"
)

// fakeProcess replays scripted stdout and stderr content.
type fakeProcess struct {
	stdout  io.Reader
	stderr  io.Reader
	waitErr error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait() error       { return p.waitErr }

type fakeRunner struct {
	mu       sync.Mutex
	stdout   string
	stderr   string
	waitErr  error
	startErr error
	calls    []opencode.Invocation
}

func (r *fakeRunner) Start(inv opencode.Invocation) (opencode.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	return &fakeProcess{
		stdout:  strings.NewReader(r.stdout),
		stderr:  strings.NewReader(r.stderr),
		waitErr: r.waitErr,
	}, nil
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type memCredStore struct {
	keys    map[string]string
	getErr  error
	saveErr error
}

func (s *memCredStore) GetCredential(subjectUserID, callerUserID string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	key, ok := s.keys[subjectUserID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return key, nil
}

func (s *memCredStore) SaveCredential(userID, secret string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.keys == nil {
		s.keys = map[string]string{}
	}
	s.keys[userID] = secret
	return nil
}

type memDocWriter struct {
	mu   sync.Mutex
	docs []storage.Document
	err  error
}

func (w *memDocWriter) SaveDocument(doc storage.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.docs = append(w.docs, doc)
	return nil
}

func (w *memDocWriter) saved() []storage.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.Document(nil), w.docs...)
}

func newTestDeps(runner *fakeRunner) (Deps, *memCredStore, *memDocWriter) {
	store := &memCredStore{keys: map[string]string{}}
	docs := &memDocWriter{}
	return Deps{
		Store:     store,
		Documents: docs,
		Runner:    runner,
		Port:      3001,
	}, store, docs
}

func doStream(t *testing.T, deps Deps, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/generate/stream?"+query, nil)
	rec := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rec, req)
	return rec
}

func TestGenerateStream_MissingParams(t *testing.T) {
	runner := &fakeRunner{}
	deps, _, _ := newTestDeps(runner)

	for _, query := range []string{"", "prompt=hallo", "userId=u1"} {
		rec := doStream(t, deps, query)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("query %q: invalid JSON error body: %v", query, err)
		}
		if body["error"] != "prompt and userId are required" {
			t.Errorf("query %q: error = %q", query, body["error"])
		}
	}
	if runner.startCount() != 0 {
		t.Errorf("runner started %d times for rejected requests", runner.startCount())
	}
}

func TestGenerateStream_NoUsableKey(t *testing.T) {
	runner := &fakeRunner{}
	deps, _, _ := newTestDeps(runner)

	rec := doStream(t, deps, "prompt=hallo&userId=anonymous")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OpenAI API key required") {
		t.Errorf("body = %q, want key-required message", rec.Body.String())
	}
	if runner.startCount() != 0 {
		t.Error("subprocess started without a usable key")
	}
}

func TestGenerateStream_PlaceholderKeyRejected(t *testing.T) {
	runner := &fakeRunner{}
	deps, store, _ := newTestDeps(runner)
	store.keys["u1"] = "REPLACE_WITH_YOUR_OPENAI_API_KEY"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if runner.startCount() != 0 {
		t.Error("subprocess started with a placeholder key")
	}
}

func TestGenerateStream_UnauthorizedCredential(t *testing.T) {
	runner := &fakeRunner{}
	deps, store, _ := newTestDeps(runner)
	store.getErr = storage.ErrUnauthorized

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unauthorized access to API key") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGenerateStream_StreamsOutputAndMarker(t *testing.T) {
	runner := &fakeRunner{stdout: "Erster Teil. Zweiter Teil."}
	deps, store, _ := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "Erster Teil. Zweiter Teil.") {
		t.Errorf("body does not start with generator output: %q", body)
	}
	if !strings.HasSuffix(body, "\n\n[✔ User u1 - Fertig!]") {
		t.Errorf("body missing completion marker: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	if runner.startCount() != 1 {
		t.Fatalf("runner started %d times, want 1", runner.startCount())
	}
	inv := runner.calls[0]
	if inv.APIKey != "sk-test" {
		t.Errorf("invocation key = %q, want stored key", inv.APIKey)
	}
	if inv.Model != opencode.DefaultModel {
		t.Errorf("invocation model = %q, want default", inv.Model)
	}
	if inv.HomeDir == "" {
		t.Error("invocation has no isolated home directory")
	}
}

func TestGenerateStream_UserKeyParamWinsOverStore(t *testing.T) {
	runner := &fakeRunner{stdout: "ok"}
	deps, store, _ := newTestDeps(runner)
	store.keys["u1"] = "sk-stored"

	doStream(t, deps, "prompt=hallo&userId=u1&userKey=sk-param&model=gpt-4o")

	if runner.startCount() != 1 {
		t.Fatalf("runner started %d times, want 1", runner.startCount())
	}
	inv := runner.calls[0]
	if inv.APIKey != "sk-param" {
		t.Errorf("invocation key = %q, want the userKey parameter", inv.APIKey)
	}
	if inv.Model != "openai/gpt-4o" {
		t.Errorf("invocation model = %q, want openai/gpt-4o", inv.Model)
	}
}

func TestGenerateStream_FallbackKeyForAnonymous(t *testing.T) {
	runner := &fakeRunner{stdout: "ok"}
	deps, _, _ := newTestDeps(runner)
	deps.FallbackAPIKey = "sk-env"

	rec := doStream(t, deps, "prompt=hallo&userId=anonymous")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.calls[0].APIKey != "sk-env" {
		t.Errorf("invocation key = %q, want env fallback", runner.calls[0].APIKey)
	}
}

func TestGenerateStream_BannerSuppressedAndStderrPrefixed(t *testing.T) {
	runner := &fakeRunner{
		stdout: "Inhalt",
		stderr: "█▀▀█ █░░█ ▀▀▀▀ logo",
	}
	deps, store, _ := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	if strings.Contains(rec.Body.String(), "█") {
		t.Errorf("banner leaked into response: %q", rec.Body.String())
	}

	runner2 := &fakeRunner{stderr: "model not found"}
	deps2, store2, _ := newTestDeps(runner2)
	store2.keys["u1"] = "sk-test"

	rec2 := doStream(t, deps2, "prompt=hallo&userId=u1")
	if !strings.Contains(rec2.Body.String(), "[ERR] model not found") {
		t.Errorf("stderr not forwarded with prefix: %q", rec2.Body.String())
	}
}

func TestGenerateStream_SpawnError(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("exec: opencode not found")}
	deps, store, docs := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	body := rec.Body.String()
	if !strings.Contains(body, "\n[ERROR] exec: opencode not found") {
		t.Errorf("body = %q, want spawn error line", body)
	}
	if strings.Contains(body, "Fertig!") {
		t.Error("completion marker written after spawn failure")
	}
	if len(docs.saved()) != 0 {
		t.Error("document persisted after spawn failure")
	}
}

func TestGenerateStream_PersistProjectDocument(t *testing.T) {
	runner := &fakeRunner{stdout: "Generierter Inhalt"}
	deps, store, docs := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	doStream(t, deps, "prompt=hallo&userId=u1&recordId=rec-1&projectId=proj-1")

	saved := docs.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d documents, want 1", len(saved))
	}
	doc := saved[0]
	if doc.ProjectID != "proj-1" || doc.UserID != "u1" {
		t.Errorf("doc = %+v, want project/user set", doc)
	}
	if doc.DocumentType != "leistungsbeschreibung" {
		t.Errorf("DocumentType = %q, want leistungsbeschreibung", doc.DocumentType)
	}
	if !doc.GeneratedByAI {
		t.Error("GeneratedByAI not set")
	}
	if doc.ID == "" || doc.ID == "rec-1" {
		t.Errorf("project document should get a fresh id, got %q", doc.ID)
	}
	if doc.Content != "Generierter Inhalt" {
		t.Errorf("Content = %q", doc.Content)
	}
	if !strings.HasPrefix(doc.Title, "AI-Generiert: ") {
		t.Errorf("Title = %q", doc.Title)
	}
}

func TestGenerateStream_PersistRequestDocument(t *testing.T) {
	runner := &fakeRunner{stdout: "Inhalt"}
	deps, store, docs := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	doStream(t, deps, "prompt=hallo&userId=u1&recordId=rec-1")

	saved := docs.saved()
	if len(saved) != 1 {
		t.Fatalf("saved %d documents, want 1", len(saved))
	}
	doc := saved[0]
	if doc.ID != "rec-1" || doc.RequestID != "rec-1" {
		t.Errorf("doc ids = (%q, %q), want record id for both", doc.ID, doc.RequestID)
	}
	if doc.Type != "leistung" {
		t.Errorf("Type = %q, want leistung", doc.Type)
	}
	if doc.CreatedBy != "u1" {
		t.Errorf("CreatedBy = %q, want u1", doc.CreatedBy)
	}
}

func TestGenerateStream_NoIdentifiersNoPersistence(t *testing.T) {
	runner := &fakeRunner{stdout: "Inhalt"}
	deps, store, docs := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(docs.saved()) != 0 {
		t.Errorf("saved %d documents, want 0", len(docs.saved()))
	}
}

func TestGenerateStream_PersistFailureStillCompletes(t *testing.T) {
	runner := &fakeRunner{stdout: "Inhalt"}
	deps, store, docs := newTestDeps(runner)
	store.keys["u1"] = "sk-test"
	docs.err = errors.New("disk full")

	rec := doStream(t, deps, "prompt=hallo&userId=u1&recordId=rec-1")
	if !strings.Contains(rec.Body.String(), "[✔ User u1 - Fertig!]") {
		t.Error("completion marker missing after persistence failure")
	}
}

func TestGenerateStream_ProcessExitErrorStillCompletes(t *testing.T) {
	runner := &fakeRunner{stdout: "Teilausgabe", waitErr: errors.New("exit status 1")}
	deps, store, _ := newTestDeps(runner)
	store.keys["u1"] = "sk-test"

	rec := doStream(t, deps, "prompt=hallo&userId=u1")
	body := rec.Body.String()
	if !strings.Contains(body, "Teilausgabe") {
		t.Errorf("partial output missing: %q", body)
	}
	if !strings.Contains(body, "[✔ User u1 - Fertig!]") {
		t.Errorf("completion marker missing: %q", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	deps, _, _ := newTestDeps(&fakeRunner{})

	req := httptest.NewRequest(http.MethodOptions, "/generate/stream", nil)
	rec := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q", got)
	}
}
