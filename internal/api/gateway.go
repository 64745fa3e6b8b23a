// Package api implements the Gateway HTTP surface: the streaming generation
// endpoint, the credential endpoints, and the health check.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"docgate/internal/composer"
	"docgate/internal/opencode"
	"docgate/internal/storage"
)

// Document types fixed per persistence call site.
const (
	docTypeProject = "leistungsbeschreibung"
	docTypeRequest = "leistung"
)

// bannerMarkers identify the CLI's decorative logo output on stderr. Chunks
// containing any of them are suppressed from the response and the buffer.
// Cosmetic only; real errors never carry box-drawing runes.
var bannerMarkers = []string{"█▀▀█", "█░░█", "▀▀▀▀"}

// CredentialStore is the credential surface the Gateway depends on.
type CredentialStore interface {
	GetCredential(subjectUserID, callerUserID string) (string, error)
	SaveCredential(userID, secret string) error
}

// DocumentWriter persists generated documents.
type DocumentWriter interface {
	SaveDocument(doc storage.Document) error
}

// Deps holds the Gateway's dependencies.
type Deps struct {
	Store          CredentialStore
	Documents      DocumentWriter
	Runner         opencode.Runner
	FallbackAPIKey string // process-wide fallback secret (OPENAI_API_KEY)
	Port           int    // reported by /health
}

// NewHandler returns the Gateway HTTP handler with CORS on all routes.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(CORS)

	r.Get("/generate/stream", handleGenerateStream(deps))
	r.Post("/save-key", handleSaveKey(deps))
	r.Get("/load-key", handleLoadKey(deps))
	r.Get("/health", handleHealth(deps))

	return r
}

func handleGenerateStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		prompt := q.Get("prompt")
		userID := q.Get("userId")
		recordID := q.Get("recordId")
		projectID := q.Get("projectId")

		if prompt == "" || userID == "" {
			httpError(w, http.StatusBadRequest, "prompt and userId are required")
			return
		}

		slog.Info("generation request", "user", userID, "prompt_len", len(prompt))

		// Credential resolution: userKey param > stored credential > env fallback.
		apiKey := q.Get("userKey")
		if apiKey == "" && userID != storage.AnonymousUser {
			key, err := deps.Store.GetCredential(userID, userID)
			switch {
			case errors.Is(err, storage.ErrUnauthorized):
				httpError(w, http.StatusForbidden, "Forbidden: Unauthorized access to API key")
				return
			case errors.Is(err, storage.ErrNotFound):
				// fall through to env fallback
			case err != nil:
				slog.Error("credential lookup failed", "user", userID, "error", err)
			default:
				apiKey = key
			}
		}
		if apiKey == "" {
			apiKey = deps.FallbackAPIKey
		}

		if !opencode.UsableKey(apiKey) {
			httpError(w, http.StatusBadRequest,
				"OpenAI API key required. Please add your API key in the dashboard or set OPENAI_API_KEY environment variable.")
			return
		}

		// Isolated home directory so CLI config and credentials never bleed
		// between concurrent requests of different users.
		tmpHome, err := os.MkdirTemp("", "oc-"+userID+"-")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "creating temp directory: %v", err)
			return
		}
		defer os.RemoveAll(tmpHome)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		out := newStreamWriter(w)

		proc, err := deps.Runner.Start(opencode.Invocation{
			Prompt:  prompt,
			Model:   opencode.FormatModel(q.Get("model")),
			APIKey:  apiKey,
			HomeDir: tmpHome,
		})
		if err != nil {
			slog.Error("process start failed", "user", userID, "error", err)
			out.write(fmt.Sprintf("\n[ERROR] %v", err))
			return
		}

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			forwardChunks(proc.Stdout(), func(txt string) {
				out.record(txt)
				out.write(txt)
			})
		}()

		go func() {
			defer wg.Done()
			forwardChunks(proc.Stderr(), func(txt string) {
				if isBanner(txt) {
					return
				}
				out.record("\n[ERR] " + txt)
				out.write("[ERR] " + txt)
			})
		}()

		wg.Wait()
		if err := proc.Wait(); err != nil {
			slog.Warn("generation process exited with error", "user", userID, "error", err)
		} else {
			slog.Info("generation finished", "user", userID)
		}

		persistResult(deps, userID, recordID, projectID, out.collected())

		out.write("\n\n[✔ User " + userID + " - Fertig!]")
	}
}

// persistResult writes the accumulated output as a document row. Which insert
// shape is used depends on the identifiers the caller supplied; with neither
// present nothing is persisted. Failures are logged, never surfaced.
func persistResult(deps Deps, userID, recordID, projectID, output string) {
	output = strings.TrimSpace(output)

	switch {
	case recordID != "" && projectID != "":
		doc := storage.Document{
			ID:            storage.NewDocumentID(),
			Title:         composer.AutoTitle(time.Now()),
			Content:       output,
			ProjectID:     projectID,
			UserID:        userID,
			DocumentType:  docTypeProject,
			GeneratedByAI: true,
		}
		if err := deps.Documents.SaveDocument(doc); err != nil {
			slog.Error("saving project document failed", "project", projectID, "error", err)
		} else {
			slog.Info("saved document", "project", projectID, "doc", doc.ID)
		}

	case recordID != "":
		doc := storage.Document{
			ID:        recordID,
			Title:     composer.AutoTitle(time.Now()),
			Content:   output,
			RequestID: recordID,
			Type:      docTypeRequest,
			CreatedBy: userID,
		}
		if err := deps.Documents.SaveDocument(doc); err != nil {
			slog.Error("saving request document failed", "record", recordID, "error", err)
		} else {
			slog.Info("saved document", "record", recordID)
		}
	}
}

// streamWriter serializes chunk writes from the stdout and stderr readers and
// accumulates everything forwarded to the client.
type streamWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	buf     strings.Builder
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	sw := &streamWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (s *streamWriter) write(txt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, txt)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *streamWriter) record(txt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.WriteString(txt)
}

func (s *streamWriter) collected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// forwardChunks reads r chunk by chunk and hands each to fn as it arrives,
// preserving arrival order and byte content.
func forwardChunks(r io.Reader, fn func(txt string)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func isBanner(txt string) bool {
	for _, m := range bannerMarkers {
		if strings.Contains(txt, m) {
			return true
		}
	}
	return false
}

// httpError writes a flat JSON error body, matching what the dashboard
// expects from every endpoint.
func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
