package domain

// Mode selects which CLI verb a request maps to.
type Mode string

const (
	ModeSearch Mode = "search"
	ModeChat   Mode = "chat"
)

// Request is the protocol-neutral call that the MCP and HTTP adapters build.
type Request struct {
	Mode    Mode   `json:"mode"`
	Content string `json:"content"`
	Limit   int    `json:"limit,omitempty"`
	Raw     bool   `json:"raw,omitempty"`
	Sandbox bool   `json:"sandbox,omitempty"`
	Yolo    bool   `json:"yolo,omitempty"`
	Model   string `json:"model,omitempty"`
	WorkDir string `json:"workdir,omitempty"`
	APIKey  string `json:"-"`
}

// Validate checks the fields every verb needs.
func (r Request) Validate() error {
	switch r.Mode {
	case ModeSearch, ModeChat:
	default:
		return NewDomainError("Request.Validate", ErrInvalidInput, "unknown mode "+string(r.Mode))
	}
	if r.Content == "" {
		return NewDomainError("Request.Validate", ErrInvalidInput, "content is required")
	}
	if r.Limit < 0 {
		return NewDomainError("Request.Validate", ErrInvalidInput, "limit must not be negative")
	}
	return nil
}
