package gemini

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Source is one structured search result.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// FormatStructured pretty-prints raw CLI output when it is JSON, optionally
// wrapped in a markdown code fence. Anything else is returned unchanged.
func FormatStructured(raw string) string {
	body := stripFence(raw)
	if !json.Valid([]byte(body)) {
		return raw
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(body), "", "  "); err != nil {
		return raw
	}
	return out.String()
}

// ParseSources decodes structured search output into sources.
func ParseSources(raw string) ([]Source, error) {
	var sources []Source
	if err := json.Unmarshal([]byte(stripFence(raw)), &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// stripFence removes a surrounding ```json ... ``` or ``` ... ``` block.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	// Drop the info string ("json") on the opening line.
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		inner = inner[nl+1:]
	} else {
		inner = strings.TrimPrefix(inner, "json")
	}
	return strings.TrimSpace(inner)
}
