// Package poller runs the fixed-interval loop that turns queued
// generate_documents commands into persisted documents.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"docgate/internal/composer"
	"docgate/internal/generate"
	"docgate/internal/queue"
	"docgate/internal/storage"
)

// DefaultPollInterval matches the dashboard's expectation of near-immediate
// command pickup.
const DefaultPollInterval = 3 * time.Second

// generationModel is the model the poller requests for document generation.
const generationModel = "openai/gpt-4.1-mini"

// CommandQueue abstracts the PocketBase command collections.
type CommandQueue interface {
	ListPendingCommands(ctx context.Context) ([]queue.Command, error)
	UpdateCommand(ctx context.Context, id, status, errText string) error
	UpdateGenerationRequest(ctx context.Context, id, status string) error
}

// NeedStore abstracts the database reads and writes of the workflow.
type NeedStore interface {
	GetUserNeed(id string) (storage.UserNeed, error)
	ListActiveSystemPrompts() ([]storage.SystemPrompt, error)
	SaveDocument(doc storage.Document) error
}

// Generator abstracts the Gateway's streaming endpoint.
type Generator interface {
	Generate(ctx context.Context, p generate.Params) (string, error)
}

// Worker polls for pending commands and processes them sequentially.
type Worker struct {
	queue     CommandQueue
	store     NeedStore
	generator Generator
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, DefaultPollInterval
// is used.
func NewWorker(q CommandQueue, store NeedStore, g Generator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		queue:     q,
		store:     store,
		generator: g,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for commands until ctx is cancelled. A failing tick is logged
// and never stops the loop. Ticks run back to back on the same goroutine, so
// a command is never processed twice concurrently.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("command poller started", "interval", w.poll)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunTick(ctx); err != nil {
				w.logger.Error("processing commands failed", "error", err)
			}
		}
	}
}

// RunTick lists all pending commands and processes them one at a time in
// creation order. One command's failure is recorded on its row and never
// aborts its siblings.
func (w *Worker) RunTick(ctx context.Context) error {
	commands, err := w.queue.ListPendingCommands(ctx)
	if err != nil {
		return fmt.Errorf("listing pending commands: %w", err)
	}

	for _, cmd := range commands {
		w.logger.Info("processing command", "command", cmd.Command, "id", cmd.ID)

		switch cmd.Command {
		case queue.CommandGenerateDocuments:
			w.processDocumentGeneration(ctx, cmd)
		default:
			// Unknown commands fail directly without entering processing.
			if err := w.queue.UpdateCommand(ctx, cmd.ID, queue.StatusFailed, "Unknown command: "+cmd.Command); err != nil {
				w.logger.Error("marking unknown command failed", "id", cmd.ID, "error", err)
			}
		}
	}
	return nil
}

// generateDocumentsParams is the typed payload of a generate_documents
// command. Both fields are required; a payload missing either is rejected at
// parse time instead of failing somewhere mid-workflow.
type generateDocumentsParams struct {
	RequestID  string `json:"request_id"`
	UserNeedID string `json:"user_need_id"`
}

func parseGenerateDocumentsParams(raw string) (generateDocumentsParams, error) {
	if raw == "" {
		raw = "{}"
	}
	var p generateDocumentsParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return generateDocumentsParams{}, fmt.Errorf("parsing command parameters: %w", err)
	}
	if p.RequestID == "" {
		return generateDocumentsParams{}, errors.New("command parameters missing request_id")
	}
	if p.UserNeedID == "" {
		return generateDocumentsParams{}, errors.New("command parameters missing user_need_id")
	}
	return p, nil
}

func (w *Worker) processDocumentGeneration(ctx context.Context, cmd queue.Command) {
	if err := w.queue.UpdateCommand(ctx, cmd.ID, queue.StatusProcessing, ""); err != nil {
		w.logger.Error("marking command processing", "id", cmd.ID, "error", err)
	}

	requestID, err := w.runDocumentGeneration(ctx, cmd)
	if err == nil {
		return
	}

	w.logger.Error("document generation failed", "id", cmd.ID, "error", err)
	if updErr := w.queue.UpdateCommand(ctx, cmd.ID, queue.StatusFailed, err.Error()); updErr != nil {
		w.logger.Error("marking command failed", "id", cmd.ID, "error", updErr)
	}
	if requestID != "" {
		if updErr := w.queue.UpdateGenerationRequest(ctx, requestID, queue.StatusFailed); updErr != nil {
			w.logger.Error("marking generation request failed", "request", requestID, "error", updErr)
		}
	}
}

// runDocumentGeneration executes the happy path of the workflow. It returns
// the parsed request id (when available) so the caller can fail the
// generation request row alongside the command.
func (w *Worker) runDocumentGeneration(ctx context.Context, cmd queue.Command) (string, error) {
	params, err := parseGenerateDocumentsParams(cmd.Parameters)
	if err != nil {
		return "", err
	}

	w.logger.Info("generating documents", "request", params.RequestID, "user_need", params.UserNeedID)

	need, err := w.store.GetUserNeed(params.UserNeedID)
	if errors.Is(err, storage.ErrNotFound) {
		return params.RequestID, fmt.Errorf("user need not found: %s", params.UserNeedID)
	}
	if err != nil {
		return params.RequestID, fmt.Errorf("loading user need %s: %w", params.UserNeedID, err)
	}

	prompts, err := w.store.ListActiveSystemPrompts()
	if err != nil {
		return params.RequestID, fmt.Errorf("loading system prompts: %w", err)
	}
	if len(prompts) == 0 {
		return params.RequestID, errors.New("no system prompts available")
	}

	generated := 0
	for _, docType := range composer.DocumentTypes {
		prompt, ok := findPrompt(prompts, docType)
		if !ok {
			continue
		}

		w.logger.Info("generating document", "type", docType, "request", params.RequestID)
		content := w.generateDocument(ctx, need, prompt)

		doc := storage.Document{
			ID:            storage.NewDocumentID(),
			Title:         composer.DocumentTitle(docType, need.Topic),
			Content:       content,
			ProjectID:     need.ProjectID,
			UserID:        need.UserID,
			DocumentType:  docType,
			Type:          docType,
			RequestID:     params.RequestID,
			CreatedBy:     need.UserID,
			GeneratedByAI: true,
		}
		if err := w.store.SaveDocument(doc); err != nil {
			return params.RequestID, fmt.Errorf("saving %s document: %w", docType, err)
		}
		generated++
		w.logger.Info("document saved", "type", docType, "doc", doc.ID)
	}

	if err := w.queue.UpdateGenerationRequest(ctx, params.RequestID, queue.StatusCompleted); err != nil {
		return params.RequestID, fmt.Errorf("completing generation request: %w", err)
	}
	if err := w.queue.UpdateCommand(ctx, cmd.ID, queue.StatusCompleted, fmt.Sprintf("Generated %d documents", generated)); err != nil {
		return params.RequestID, fmt.Errorf("completing command: %w", err)
	}

	w.logger.Info("document generation completed", "request", params.RequestID, "count", generated)
	return params.RequestID, nil
}

// generateDocument calls the Gateway and returns the cleaned result. It never
// fails: when the call errors or produces a too-short result, the raw
// template text becomes a placeholder document with the failure noted.
func (w *Worker) generateDocument(ctx context.Context, need storage.UserNeed, prompt storage.SystemPrompt) string {
	userPrompt := composer.BuildPrompt(prompt.PromptText, need)

	raw, err := w.generator.Generate(ctx, generate.Params{
		Prompt:    userPrompt,
		Model:     generationModel,
		UserID:    need.UserID,
		RecordID:  need.ID,
		ProjectID: need.ProjectID,
	})
	if err == nil {
		content := generate.CleanOutput(raw)
		if utf8.RuneCountInString(content) >= composer.MinDocumentLength {
			w.logger.Info("generated document", "type", prompt.PromptType, "chars", utf8.RuneCountInString(content))
			return content
		}
		err = errors.New("generated content too short or empty")
	}

	w.logger.Warn("generation fell back to template", "type", prompt.PromptType, "error", err)
	return composer.FallbackDocument(prompt.PromptType, prompt.PromptText, need, err)
}

func findPrompt(prompts []storage.SystemPrompt, docType string) (storage.SystemPrompt, bool) {
	for _, p := range prompts {
		if p.PromptType == docType {
			return p, true
		}
	}
	return storage.SystemPrompt{}, false
}
