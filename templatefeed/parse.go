package templatefeed

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/net/html"

	"github.com/fragserve/fragserve/template"
)

const (
	fragmentTagName = "fragment"
	slotTagName     = "slot"
)

// Parse tokenizes raw into a template.Token stream, recognizing `<fragment
// .../>` and `<slot name="..."/>` tags (spec.md §5.1's `src`, `primary`,
// `async`, `public`, `fallback-url`, `timeout`, `id`, `return-headers`
// attribute surface); everything else passes through as raw bytes verbatim,
// grouped between recognized tags. Parse implements template.ParseTemplate.
func Parse(raw []byte) ([]template.Token, error) {
	z := html.NewTokenizer(newByteReader(raw))

	var tokens []template.Token

	flushRaw := func(end []byte) {
		if len(end) == 0 {
			return
		}
		tokens = append(tokens, template.Token{Kind: template.Raw, Raw: append([]byte(nil), end...)})
	}

	var pending []byte

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				flushRaw(pending)
				return tokens, fmt.Errorf("templatefeed: tokenize: %w", err)
			}
			flushRaw(pending)
			return tokens, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tagName := string(name)
			if tagName != fragmentTagName && tagName != slotTagName {
				pending = append(pending, z.Raw()...)
				continue
			}

			attrs := readAttrs(z, hasAttr)

			switch tagName {
			case fragmentTagName:
				flushRaw(pending)
				pending = nil
				fa, err := attrsToFragment(attrs)
				if err != nil {
					return tokens, err
				}
				tokens = append(tokens, template.Token{Kind: template.FragmentTag, Fragment: fa})
			case slotTagName:
				flushRaw(pending)
				pending = nil
				tokens = append(tokens, template.Token{Kind: template.Slot, SlotName: attrs["name"]})
			}

		default:
			pending = append(pending, z.Raw()...)
		}
	}
}

func readAttrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := make(map[string]string, 8)
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		attrs[string(key)] = string(val)
	}
	return attrs
}

func attrsToFragment(attrs map[string]string) (template.FragmentAttrs, error) {
	fa := template.FragmentAttrs{
		URL:           attrs["src"],
		ID:            attrs["id"],
		Primary:       parseBoolAttr(attrs, "primary"),
		Async:         parseBoolAttr(attrs, "async"),
		Public:        parseBoolAttr(attrs, "public"),
		FallbackURL:   attrs["fallback-url"],
		ReturnHeaders: parseBoolAttr(attrs, "return-headers"),
	}
	if fa.URL == "" {
		return fa, fmt.Errorf("templatefeed: <fragment> missing required %q attribute", "src")
	}
	if raw, ok := attrs["timeout"]; ok && raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return fa, fmt.Errorf("templatefeed: <fragment src=%q> invalid timeout %q: %w", fa.URL, raw, err)
		}
		fa.TimeoutMS = ms
	}
	return fa, nil
}

// parseBoolAttr treats a present-but-empty attribute (HTML boolean-attribute
// shorthand, e.g. `<fragment async>`) and an explicit "true" the same way.
func parseBoolAttr(attrs map[string]string, name string) bool {
	v, ok := attrs[name]
	if !ok {
		return false
	}
	return v == "" || v == "true"
}

// byteReader avoids pulling in strings/bytes.Reader just for this, matching
// the tokenizer's io.Reader requirement with zero extra copies.
type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
