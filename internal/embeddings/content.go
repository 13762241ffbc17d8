package embeddings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"growthscript/internal/storage"
)

const notSpecified = "Not specified"

// ClientContent renders the profile text that represents a client.
func ClientContent(c storage.Client) string {
	return fmt.Sprintf("Client: %s\nIndustry: %s\nAudience: %s\nProduct Types: %s\nBrand Tone/Notes: %s",
		c.Name,
		orNotSpecified(c.Industry),
		orNotSpecified(c.Audience),
		orNotSpecified(c.ProductTypes),
		orNotSpecified(NotesText(c.BrandToneNotes)),
	)
}

// NotesText flattens stored brand notes back to the text a user typed.
// Notes wrapped as {"notes": "..."} yield the inner text; other JSON is
// returned compacted.
func NotesText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var wrapped map[string]any
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped) == 1 {
		if s, ok := wrapped["notes"].(string); ok {
			return s
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return trimmed
	}
	return compact.String()
}

// FrameworkContent renders the searchable text of a framework.
func FrameworkContent(f storage.Framework) string {
	parts := []string{"Framework: " + f.Title}
	add := func(label, v string) {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("Author", f.Author)
	add("Category", f.Category)
	add("Summary", f.Summary)
	add("Use When", f.UseWhen)
	add("Example", f.Example)
	add("Tags", strings.Join(f.Tags, ", "))
	add("Keywords", strings.Join(f.Keywords, ", "))
	return strings.Join(parts, "\n")
}

func orNotSpecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return notSpecified
	}
	return v
}
