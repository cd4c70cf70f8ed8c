// Package attachment converts uploaded documents into plain text usable as
// conversation context.
//
// Extraction is a pure function of (bytes, content type): no wall clock, no
// environment, so re-processing the same upload always yields the same text
// and results are safely cacheable.
package attachment

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/luminara-labs/deskflow/core"
)

// Config holds processor limits.
type Config struct {
	// MaxBytes rejects larger attachments before any processing.
	MaxBytes int64
}

// DefaultConfig allows attachments up to 5 MiB.
func DefaultConfig() Config {
	return Config{MaxBytes: 5 << 20}
}

// Processor extracts text from an explicit allow-list of content types.
type Processor struct {
	cfg      Config
	handlers map[string]func([]byte) (string, error)
}

// NewProcessor constructs a processor with the built-in allow-list:
// text/plain, text/markdown, text/csv, text/html, application/json.
func NewProcessor(cfg Config) *Processor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	return &Processor{
		cfg: cfg,
		handlers: map[string]func([]byte) (string, error){
			"text/plain":       extractPlain,
			"text/markdown":    extractPlain,
			"text/csv":         extractCSV,
			"text/html":        extractHTML,
			"application/json": extractJSON,
		},
	}
}

// Supported reports whether contentType is on the allow-list.
func (p *Processor) Supported(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := p.handlers[mediaType]
	return ok
}

// ExtractText converts the attachment bytes to plain text.
//
// Errors map to the taxonomy: core.ErrAttachmentTooLarge,
// core.ErrUnsupportedAttachmentType, core.ErrAttachmentProcessing. All are
// per-attachment and non-fatal to the turn.
func (p *Processor) ExtractText(data []byte, contentType string) (string, error) {
	if int64(len(data)) > p.cfg.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", core.ErrAttachmentTooLarge, len(data), p.cfg.MaxBytes)
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedAttachmentType, contentType)
	}
	handler, ok := p.handlers[mediaType]
	if !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedAttachmentType, mediaType)
	}

	text, err := handler(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", core.ErrAttachmentProcessing, mediaType, err)
	}
	return text, nil
}

func extractPlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("not valid UTF-8")
	}
	return strings.TrimSpace(string(data)), nil
}

// extractCSV renders rows as comma-joined lines, validating the structure
// on the way.
func extractCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", err
	}
	lines := make([]string, len(records))
	for i, record := range records {
		lines[i] = strings.Join(record, ", ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

// extractJSON validates and pretty-prints the document.
func extractJSON(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractHTML strips tags and collapses whitespace. Script and style
// bodies are dropped entirely.
func extractHTML(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("not valid UTF-8")
	}

	var b strings.Builder
	inTag := false
	skipDepth := 0
	src := string(data)
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '<':
			rest := strings.ToLower(src[i:])
			if strings.HasPrefix(rest, "<script") || strings.HasPrefix(rest, "<style") {
				skipDepth++
			} else if strings.HasPrefix(rest, "</script") || strings.HasPrefix(rest, "</style") {
				if skipDepth > 0 {
					skipDepth--
				}
			}
			inTag = true
		case c == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag && skipDepth == 0:
			b.WriteByte(c)
		}
		i++
	}

	return strings.Join(strings.Fields(b.String()), " "), nil
}
