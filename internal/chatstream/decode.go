package chatstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

const doneMarker = "[DONE]"

// replyFields are checked in order when a payload decodes to an object.
var replyFields = []string{"response", "content", "text"}

// sseFields are event-stream metadata lines that never carry reply text.
var sseFields = []string{"event:", "id:", "retry:"}

type lineKind int

const (
	lineSkip lineKind = iota
	lineDone
	lineText
)

// parseLine turns one complete line of the reply stream into a fragment.
func parseLine(raw string) (string, lineKind) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", lineSkip
	}
	for _, f := range sseFields {
		if strings.HasPrefix(line, f) {
			return "", lineSkip
		}
	}

	payload := line
	if strings.HasPrefix(line, "data:") {
		payload = strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			return "", lineSkip
		}
	}
	if payload == doneMarker {
		return "", lineDone
	}

	text, ok := decodePayload([]byte(payload))
	if !ok {
		return "", lineSkip
	}
	return text, lineText
}

// decodePayload extracts reply text from a payload. Payloads that are not
// JSON are returned verbatim. JSON scalars other than strings are returned as
// their literal text. Objects without a reply field, arrays and null carry no
// text and report ok=false.
func decodePayload(payload []byte) (string, bool) {
	trimmed := bytes.TrimSpace(payload)
	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(payload), len(payload) > 0
	}

	switch t := v.(type) {
	case string:
		return t, t != ""
	case map[string]any:
		return replyText(t)
	case json.Number, bool:
		return string(trimmed), true
	default:
		return "", false
	}
}

func replyText(obj map[string]any) (string, bool) {
	for _, key := range replyFields {
		if s, ok := obj[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// decodeReply reads a single complete JSON reply document.
func decodeReply(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any:
		if text, ok := replyText(t); ok {
			return text, nil
		}
		for _, key := range replyFields {
			if s, ok := t[key].(string); ok {
				return s, nil
			}
		}
		return "", errNoReplyText
	default:
		return "", errNoReplyText
	}
}

// chunkRunes splits text into slices of at most size runes.
func chunkRunes(text string, size int) []string {
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
