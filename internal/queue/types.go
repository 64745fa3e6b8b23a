package queue

// Command status values. A command only ever moves forward:
// pending -> processing -> completed | failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// CommandGenerateDocuments is the only command name the poller understands.
const CommandGenerateDocuments = "generate_documents"

// Command is a queued unit of work from the cli_commands collection.
// Parameters is the raw JSON payload; each command name defines its own
// typed parameter struct (see poller).
type Command struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Parameters string `json:"parameters"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Created    string `json:"created"`
}

type recordList struct {
	Page       int       `json:"page"`
	PerPage    int       `json:"perPage"`
	TotalItems int       `json:"totalItems"`
	Items      []Command `json:"items"`
}
