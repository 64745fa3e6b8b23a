package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"docgate/internal/opencode"
	"docgate/internal/storage"
)

// DocumentReader lists stored documents for the MCP resource.
type DocumentReader interface {
	ListRecentDocuments(limit int) ([]storage.Document, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store          CredentialStore
	Documents      DocumentReader
	Runner         opencode.Runner
	FallbackAPIKey string
}

// NewMCPServer creates an MCP server exposing the generation pipeline and the
// credential store to local agents over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docgate",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docgate — document generation gateway for procurement documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_document",
			mcp.WithDescription("Run the generation CLI with a prompt and return the produced text."),
			mcp.WithString("prompt", mcp.Description("The generation prompt"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name; bare names get the provider prefix")),
			mcp.WithString("user_id", mcp.Description("User whose stored API key should be used (default anonymous)")),
		),
		mcpGenerateDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("save_api_key",
			mcp.WithDescription("Store an API key for a user."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("api_key", mcp.Description("The API key to store"), mcp.Required()),
		),
		mcpSaveAPIKey(deps),
	)

	s.AddTool(
		mcp.NewTool("load_api_key",
			mcp.WithDescription("Load the stored API key of a user."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpLoadAPIKey(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docgate://documents/recent",
			"Recent Documents",
			mcp.WithResourceDescription("Last 10 generated documents (titles and metadata)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentDocuments(deps),
	)

	return s
}

func mcpGenerateDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		model := req.GetString("model", "")
		userID := req.GetString("user_id", storage.AnonymousUser)

		apiKey := ""
		if userID != storage.AnonymousUser {
			key, err := deps.Store.GetCredential(userID, userID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("credential lookup failed: %v", err)), nil
			}
			apiKey = key
		}
		if apiKey == "" {
			apiKey = deps.FallbackAPIKey
		}
		if !opencode.UsableKey(apiKey) {
			return mcpError("no usable API key: store one with save_api_key or set OPENAI_API_KEY"), nil
		}

		output, err := collectGeneration(deps.Runner, opencode.Invocation{
			Prompt: prompt,
			Model:  opencode.FormatModel(model),
			APIKey: apiKey,
		}, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		return mcpText(output), nil
	}
}

// collectGeneration runs one generation to completion and returns the
// combined output, applying the same banner suppression and [ERR] prefixing
// as the streaming endpoint. The temp home is removed on every exit path.
func collectGeneration(runner opencode.Runner, inv opencode.Invocation, userID string) (string, error) {
	tmpHome, err := os.MkdirTemp("", "oc-"+userID+"-")
	if err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpHome)
	inv.HomeDir = tmpHome

	proc, err := runner.Start(inv)
	if err != nil {
		return "", err
	}

	var mu sync.Mutex
	var buf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		forwardChunks(proc.Stdout(), func(txt string) {
			mu.Lock()
			buf.WriteString(txt)
			mu.Unlock()
		})
	}()
	go func() {
		defer wg.Done()
		forwardChunks(proc.Stderr(), func(txt string) {
			if isBanner(txt) {
				return
			}
			mu.Lock()
			buf.WriteString("\n[ERR] " + txt)
			mu.Unlock()
		})
	}()

	wg.Wait()
	if err := proc.Wait(); err != nil {
		return "", fmt.Errorf("generation process: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func mcpSaveAPIKey(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		apiKey, err := req.RequireString("api_key")
		if err != nil {
			return mcpError("api_key is required"), nil
		}

		if err := deps.Store.SaveCredential(userID, apiKey); err != nil {
			return mcpError(fmt.Sprintf("failed to save API key: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("API key saved for user %s", userID)), nil
	}
}

func mcpLoadAPIKey(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		key, err := deps.Store.GetCredential(userID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText("no API key stored"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load API key: %v", err)), nil
		}
		return mcpText(key), nil
	}
}

func mcpResourceRecentDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Documents.ListRecentDocuments(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			ID           string `json:"id"`
			Title        string `json:"title"`
			DocumentType string `json:"document_type,omitempty"`
			ProjectID    string `json:"project_id,omitempty"`
			Created      string `json:"created"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				ID:           d.ID,
				Title:        d.Title,
				DocumentType: d.DocumentType,
				ProjectID:    d.ProjectID,
				Created:      d.Created.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
