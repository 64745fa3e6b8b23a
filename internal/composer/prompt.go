// Package composer assembles generation prompts and fallback documents for
// the procurement document types.
package composer

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"docgate/internal/storage"
)

// DocumentTypes lists the document types generated per request, in the order
// they are produced. A missing template for a type skips that type silently.
var DocumentTypes = []string{"leistung", "eignung", "zuschlag"}

// MinDocumentLength is the minimum number of characters a generated document
// must have after cleanup. Shorter results are treated as failed generations.
const MinDocumentLength = 100

const noDescription = "Keine detaillierte Beschreibung verfügbar."

// BuildPrompt combines a prompt template with the project fields of a user
// need and the fixed generation instructions. The instruction block is German
// because the produced documents must follow German procurement standards.
func BuildPrompt(promptText string, need storage.UserNeed) string {
	description := need.Description
	if description == "" {
		description = noDescription
	}
	projectID := need.ProjectID
	if projectID == "" {
		projectID = "Nicht zugeordnet"
	}
	status := need.Status
	if status == "" {
		status = "Neu"
	}
	created := need.Created
	if created == "" {
		created = time.Now().UTC().Format(time.RFC3339)
	}

	var sb strings.Builder
	sb.WriteString(promptText)
	sb.WriteString("\n\n## Projektdaten für die Erstellung:\n\n")
	fmt.Fprintf(&sb, "**Projekttitel:** %s\n\n", need.Topic)
	fmt.Fprintf(&sb, "**Projektbeschreibung:** %s\n\n", description)
	sb.WriteString("**Projektkontext:** \n")
	fmt.Fprintf(&sb, "- Projekt-ID: %s\n", projectID)
	fmt.Fprintf(&sb, "- Status: %s\n", status)
	fmt.Fprintf(&sb, "- Erstellt am: %s\n", created)
	sb.WriteString(`
WICHTIG:
1. Verwende KEINE Rückfragen - erstelle das Dokument direkt basierend auf den verfügbaren Projektdaten
2. Führe eine umfassende Webrecherche durch bevor du das Dokument erstellst
3. Das Dokument muss vollständig und einsatzbereit sein
4. Verwende professionelle deutsche Sprache entsprechend Vergabestandards
5. Berücksichtige aktuelle Marktgegebenheiten in deiner Analyse`)
	return sb.String()
}

// FallbackDocument renders a placeholder document from the raw template text
// when generation fails. The {description} marker in templates is replaced
// with the project topic, and the failure cause is noted for the reader.
func FallbackDocument(promptType, promptText string, need storage.UserNeed, cause error) string {
	description := need.Description
	if description == "" {
		description = noDescription
	}

	return fmt.Sprintf(`# %s: %s

## Projektbeschreibung
%s

## Hinweis
Dieses Dokument konnte nicht vollständig generiert werden aufgrund eines technischen Problems: %s

Bitte verwenden Sie die folgenden Basis-Informationen als Ausgangspunkt:

%s

*Automatisch erstellt am: %s*`,
		Capitalize(promptType), need.Topic, description, cause,
		strings.ReplaceAll(promptText, "{description}", need.Topic),
		DateLabel(time.Now()),
	)
}

// DocumentTitle builds the title of a generated document, e.g.
// "Leistung: Neubau Kita".
func DocumentTitle(promptType, topic string) string {
	return Capitalize(promptType) + ": " + topic
}

// AutoTitle is the title used for documents saved directly by the streaming
// endpoint.
func AutoTitle(now time.Time) string {
	return "AI-Generiert: " + DateLabel(now)
}

// DateLabel formats a time as a German date label (dd.mm.yyyy).
func DateLabel(t time.Time) string {
	return t.Format("02.01.2006")
}

// Capitalize upper-cases the first rune of s.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
