package directory

import (
	"encoding/json"
	"strings"

	"growthscript/internal/storage"
)

// CanAddClient reports whether another client fits under limit. A limit of
// zero never allows one.
func CanAddClient(limit, count int) bool {
	return limit > 0 && count < limit
}

// NameTaken reports whether name matches an existing client name, ignoring
// case and surrounding whitespace. The client with exceptID is skipped so a
// record can keep its own name on rename.
func NameTaken(clients []storage.Client, name, exceptID string) bool {
	want := normalizeName(name)
	for _, c := range clients {
		if exceptID != "" && c.ID == exceptID {
			continue
		}
		if normalizeName(c.Name) == want {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseBrandNotes stores JSON text as-is and wraps anything else as
// {"notes": text}. Empty input becomes an empty object.
func ParseBrandNotes(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if text == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	wrapped, _ := json.Marshal(map[string]string{"notes": text})
	return wrapped
}
