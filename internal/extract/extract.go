package extract

import (
	"context"
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

// Document is the plain text pulled out of a file plus format specific
// metadata.
type Document struct {
	Text        string
	ContentType string
	Metadata    Metadata
}

// Extractor turns raw bytes of the content types it declares into text.
// Implementations must not perform I/O beyond reading data.
type Extractor interface {
	ContentTypes() []string
	Extract(ctx context.Context, data []byte) (*Document, error)
}

type Registry struct {
	mu     sync.RWMutex
	byType map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Extractor)}
}

func (r *Registry) Register(e Extractor) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ct := range e.ContentTypes() {
		key := NormalizeContentType(ct)
		if key == "" {
			continue
		}
		r.byType[key] = e
	}
}

func (r *Registry) Supports(contentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[NormalizeContentType(contentType)]
	return ok
}

func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for ct := range r.byType {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Extract(ctx context.Context, data []byte, contentType string) (*Document, error) {
	key := NormalizeContentType(contentType)
	r.mu.RLock()
	e := r.byType[key]
	r.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %q", appErr.ErrUnsupportedContentType, contentType)
	}
	doc, err := e.Extract(ctx, data)
	if err != nil {
		return nil, err
	}
	doc.ContentType = key
	doc.Text = sanitize(doc.Text)
	return doc, nil
}

var defaultRegistry = NewRegistry()

// Register adds an extractor to the package registry. Built-in formats
// register themselves from init.
func Register(e Extractor) {
	defaultRegistry.Register(e)
}

func Default() *Registry {
	return defaultRegistry
}

// NormalizeContentType lowercases the media type and drops parameters such as
// charset.
func NormalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return strings.ToLower(mediaType)
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// sanitize makes text safe to store: valid UTF-8, no NUL bytes, LF newlines.
func sanitize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text
}

// invalidUTF8Ratio returns the share of bytes that are not part of a valid
// UTF-8 sequence.
func invalidUTF8Ratio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	invalid := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			invalid++
			i++
			continue
		}
		i += size
	}
	return float64(invalid) / float64(len(data))
}
