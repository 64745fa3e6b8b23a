package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when a caller tries to read another user's
// credential. No query is executed in that case.
var ErrUnauthorized = errors.New("unauthorized: cannot access credential for different user")

// Credential is a stored per-user API key for the generation CLI.
type Credential struct {
	ID       string
	UserID   string
	Provider string
	Secret   string
	Name     string
	Active   bool
	Created  time.Time
	Updated  time.Time
}

// Document is a generated document row. Rows are written once and never
// updated by this service.
type Document struct {
	ID            string
	Title         string
	Content       string
	ProjectID     string
	UserID        string
	DocumentType  string
	Type          string
	RequestID     string
	CreatedBy     string
	GeneratedByAI bool
	Created       time.Time
	Updated       time.Time
}

// UserNeed describes the subject a document should be generated about.
// Rows are owned by the dashboard; docgate only reads them. Column names
// follow the upstream PocketBase schema (thema, beschreibung).
type UserNeed struct {
	ID          string
	Topic       string
	Description string
	UserID      string
	ProjectID   string
	Status      string
	Created     string
	Updated     string
}

// SystemPrompt is an active prompt template for one document type.
type SystemPrompt struct {
	ID          string
	PromptType  string
	PromptText  string
	Description string
	Version     int
	Active      bool
}
