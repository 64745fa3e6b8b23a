package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListPendingCommands(t *testing.T) {
	var gotPath, gotFilter, gotSort string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFilter = r.URL.Query().Get("filter")
		gotSort = r.URL.Query().Get("sort")

		json.NewEncoder(w).Encode(recordList{
			Page:       1,
			PerPage:    30,
			TotalItems: 2,
			Items: []Command{
				{ID: "cmd-1", Command: CommandGenerateDocuments, Parameters: `{"request_id":"r1","user_need_id":"n1"}`, Status: StatusPending},
				{ID: "cmd-2", Command: "other", Status: StatusPending},
			},
		})
	}))
	defer srv.Close()

	commands, err := NewClient(srv.URL).ListPendingCommands(context.Background())
	if err != nil {
		t.Fatalf("ListPendingCommands: %v", err)
	}

	if gotPath != "/api/collections/cli_commands/records" {
		t.Errorf("path = %q", gotPath)
	}
	if gotFilter != "status='pending'" {
		t.Errorf("filter = %q", gotFilter)
	}
	if gotSort != "created" {
		t.Errorf("sort = %q", gotSort)
	}
	if len(commands) != 2 || commands[0].ID != "cmd-1" || commands[0].Command != CommandGenerateDocuments {
		t.Errorf("commands = %+v", commands)
	}
}

func TestListPendingCommands_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).ListPendingCommands(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestUpdateCommand(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	if err := client.UpdateCommand(context.Background(), "cmd-1", StatusProcessing, ""); err != nil {
		t.Fatalf("UpdateCommand: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %q, want PATCH", gotMethod)
	}
	if gotPath != "/api/collections/cli_commands/records/cmd-1" {
		t.Errorf("path = %q", gotPath)
	}
	if len(gotBody) != 1 || gotBody["status"] != StatusProcessing {
		t.Errorf("body = %v, want status only", gotBody)
	}

	if err := client.UpdateCommand(context.Background(), "cmd-1", StatusFailed, "user need not found: n1"); err != nil {
		t.Fatalf("UpdateCommand with error: %v", err)
	}
	if gotBody["status"] != StatusFailed || gotBody["error"] != "user need not found: n1" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestUpdateGenerationRequest(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).UpdateGenerationRequest(context.Background(), "req-1", StatusCompleted); err != nil {
		t.Fatalf("UpdateGenerationRequest: %v", err)
	}
	if gotPath != "/api/collections/generation_requests/records/req-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["status"] != StatusCompleted {
		t.Errorf("body = %v", gotBody)
	}
}

func TestUpdateCommand_PatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).UpdateCommand(context.Background(), "missing", StatusCompleted, ""); err == nil {
		t.Fatal("expected error on HTTP 404")
	}
}
