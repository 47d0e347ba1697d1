package gemini

import (
	"fmt"
	"strings"
)

// SearchParams are the inputs of the web-search verb.
type SearchParams struct {
	Query   string
	Limit   int
	Raw     bool
	Sandbox bool
	Yolo    bool
	Model   string
}

// ChatParams are the inputs of the conversational verb.
type ChatParams struct {
	Message string
	Sandbox bool
	Yolo    bool
	Model   string
}

// SearchArgs builds the CLI argument vector for a web search.
func SearchArgs(p SearchParams) []string {
	return append(flags(p.Model, p.Sandbox, p.Yolo), "-p", searchPrompt(p))
}

// ChatArgs builds the CLI argument vector for a chat message.
func ChatArgs(p ChatParams) []string {
	return append(flags(p.Model, p.Sandbox, p.Yolo), "-p", p.Message)
}

func flags(model string, sandbox, yolo bool) []string {
	var args []string
	if model != "" {
		args = append(args, "-m", model)
	}
	if sandbox {
		args = append(args, "-s")
	}
	if yolo {
		args = append(args, "-y")
	}
	return args
}

func searchPrompt(p SearchParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Use the web search tool to research: %s\n", strings.TrimSpace(p.Query))

	if !p.Raw {
		b.WriteString("Summarize the most relevant findings and cite each source with its URL.")
		if p.Limit > 0 {
			fmt.Fprintf(&b, " Use at most %d sources.", p.Limit)
		}
		return b.String()
	}

	b.WriteString(`Respond with JSON only: an array of objects with the string fields "title", "url" and "snippet".`)
	if p.Limit > 0 {
		fmt.Fprintf(&b, " Include at most %d sources.", p.Limit)
	}
	b.WriteString(" Do not add any text before or after the JSON.")
	return b.String()
}
