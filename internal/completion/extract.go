package completion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// parseContent decodes message content as JSON. Content wrapped in a json
// (or untagged) code fence is unwrapped first; providers that ignore the
// response format often do this.
func parseContent(content string) (any, error) {
	text := strings.TrimSpace(content)
	if unwrapped, ok := unwrapFence(text); ok {
		text = unwrapped
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(text)))
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("unexpected data after JSON value at offset %d", decoder.InputOffset())
	}
	return payload, nil
}

// unwrapFence strips an opening fence line and everything from the last
// closing fence on. Fences inside the payload (code blocks in a document
// string) stay part of the body.
func unwrapFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	newline := strings.IndexByte(text, '\n')
	if newline < 0 {
		return "", false
	}
	lang := strings.ToLower(strings.TrimSpace(text[3:newline]))
	if lang != "" && lang != "json" {
		return "", false
	}
	body := text[newline+1:]
	closing := strings.LastIndex(body, "```")
	if closing < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:closing]), true
}
