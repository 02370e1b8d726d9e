package bus

import (
	"context"
	"html"
	"regexp"
	"strings"
)

// allowedTags is the small tag allow-list for HTML delivered over the
// bus. Anything else is escaped rather than stripped, so a subscriber
// sees the literal text instead of silently losing content.
var allowedTags = map[string]bool{
	"a": true, "b": true, "blockquote": true, "br": true, "code": true,
	"em": true, "i": true, "li": true, "ol": true, "p": true,
	"pre": true, "strong": true, "ul": true,
}

var (
	tagPattern  = regexp.MustCompile(`(?s)<[^>]*>`)
	namePattern = regexp.MustCompile(`(?i)^</?\s*([a-z0-9]+)`)
	hrefPattern = regexp.MustCompile(`(?i)\shref="(https?://[^"<>]*)"`)
)

// SanitizeHTML reduces markup to the allow-list above. Allowed tags are
// re-emitted bare (an <a> keeps only an http/https href); every other
// tag is entity-escaped in place.
func SanitizeHTML(in string) string {
	return tagPattern.ReplaceAllStringFunc(in, func(tag string) string {
		m := namePattern.FindStringSubmatch(tag)
		if m == nil {
			return html.EscapeString(tag)
		}
		name := strings.ToLower(m[1])
		if !allowedTags[name] {
			return html.EscapeString(tag)
		}
		closing := strings.HasPrefix(tag, "</")
		if closing {
			return "</" + name + ">"
		}
		if name == "a" {
			if href := hrefPattern.FindStringSubmatch(tag); href != nil {
				return `<a href="` + href[1] + `">`
			}
			return "<a>"
		}
		if name == "br" {
			return "<br/>"
		}
		return "<" + name + ">"
	})
}

// ResponseChunk streams one sanitized partial-response fragment
// ("response_chunk {chunk}" — server-sanitized HTML). Sanitization
// happens here, at emission, so no producer can push raw markup onto
// the bus.
func (e *Emitter) ResponseChunk(ctx context.Context, chunkHTML string) {
	e.emit(ctx, Event{
		Type:  EventResponseChunk,
		Extra: map[string]any{"chunk": SanitizeHTML(chunkHTML)},
	})
}
