// Package clipboard turns what a platform clipboard holds into the content
// types and description announced to other devices.
package clipboard

import (
	"strings"
	"sync"
)

// Content types announced on the wire.
const (
	TypePNG  = "image/png"
	TypeBMP  = "image/bmp"
	TypePath = "text/path"
	TypeHTML = "text/html"
	TypeText = "text/plain"
)

// NoDescription is announced when nothing textual describes the content.
const NoDescription = "Unable to find text description."

var formatTypes = map[string]string{
	"PNG":                     TypePNG,
	"DeviceIndependentBitmap": TypeBMP,
	"FileName":                TypePath,
	"FileDrop":                TypePath,
	"HTML Format":             TypeHTML,
	"text/html":               TypeHTML,
	"Text":                    TypeText,
	"UnicodeText":             TypeText,
	"System.String":           TypeText,
	"text/plain":              TypeText,
}

// Snapshot is one clipboard change as reported by the platform.
type Snapshot struct {
	// Formats are the platform format names on offer, in platform order.
	Formats []string
	Text    string
	HTML    string
	Files   []string
}

// TextSnapshot is a snapshot of plain text only.
func TextSnapshot(text string) Snapshot {
	return Snapshot{Formats: []string{"text/plain"}, Text: text}
}

// ContentTypes maps platform format names to content types, in first-seen
// order without duplicates. Unknown formats are dropped.
func ContentTypes(formats []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(formats))
	for _, f := range formats {
		t, ok := formatTypes[f]
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Coerce returns the content types and the description for s. Paths win
// over plain text, which wins over HTML.
func Coerce(s Snapshot) (types []string, description string) {
	types = ContentTypes(s.Formats)
	description = NoDescription
	switch {
	case has(types, TypePath):
		var b strings.Builder
		for _, f := range s.Files {
			b.WriteString(f)
			b.WriteByte(';')
		}
		description = b.String()
	case has(types, TypeText):
		description = s.Text
	case has(types, TypeHTML):
		description = s.HTML
	}
	return types, description
}

func has(types []string, t string) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// DefaultRecent is how many descriptions echo suppression remembers.
const DefaultRecent = 5

// Recent remembers the last few descriptions seen, so that content just
// synced from another device is not announced back when it lands on the
// local clipboard.
type Recent struct {
	mu   sync.Mutex
	size int
	ring []string
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecent
	}
	return &Recent{size: size}
}

// Add records d, forgetting the oldest entry past the size.
func (r *Recent) Add(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = append(r.ring, d)
	if len(r.ring) > r.size {
		r.ring = append(r.ring[:0], r.ring[len(r.ring)-r.size:]...)
	}
}

func (r *Recent) Contains(d string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.ring {
		if x == d {
			return true
		}
	}
	return false
}

// List returns the remembered descriptions, oldest first.
func (r *Recent) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ring...)
}
