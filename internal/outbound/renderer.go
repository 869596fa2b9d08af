package outbound

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MarkdownRenderer turns long content into a Markdown document.
type MarkdownRenderer struct {
	// Prefix starts every generated filename. Defaults to "message".
	Prefix string
}

// Render returns a uniquely named .md file holding content.
func (r MarkdownRenderer) Render(content string) (string, []byte, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil, fmt.Errorf("nothing to render")
	}
	prefix := r.Prefix
	if prefix == "" {
		prefix = "message"
	}

	body := content
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return fmt.Sprintf("%s-%s.md", prefix, uuid.NewString()), []byte(body), nil
}
