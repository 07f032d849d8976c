// Package template defines the token stream contract between the external
// template parser and the Template Processor (C4): the three token kinds
// spec.md §4.4 enumerates, the fragment-tag attribute set spec.md §3
// defines, and the FetchTemplate/ParseTemplate/FetchContext collaborator
// signatures spec.md treats as external.
package template

import "context"

// TokenKind discriminates the three token shapes a template parser emits.
type TokenKind int

const (
	// Raw is literal template bytes to emit verbatim.
	Raw TokenKind = iota
	// FragmentTag is a placeholder for one fragment.
	FragmentTag
	// Slot is a reserved named insertion point resolved from the request
	// context.
	Slot
)

// FragmentAttrs is the immutable record parsed from a fragment placeholder
// tag (spec.md §3).
type FragmentAttrs struct {
	// URL is the upstream endpoint. Required, absolute.
	URL string
	// ID is an optional stable identifier for logging/perf correlation.
	ID string
	// Primary marks the fragment whose status/headers promote to the page
	// response. At most one per template.
	Primary bool
	// Async routes the fragment's body through the Async Stream instead of
	// inline.
	Async bool
	// Public, when false, means upstream request headers are scrubbed to a
	// minimal allow-list.
	Public bool
	// FallbackURL is used if the primary URL fails.
	FallbackURL string
	// TimeoutMS is the per-fragment timeout in milliseconds; zero means the
	// handler's configured default applies.
	TimeoutMS int
	// ReturnHeaders opts the fragment into response header propagation
	// (the `link` header feeding preload-hint composition).
	ReturnHeaders bool
}

// Token is one unit of the parsed template stream.
type Token struct {
	Kind TokenKind

	// Raw is populated when Kind == Raw.
	Raw []byte

	// Fragment is populated when Kind == FragmentTag.
	Fragment FragmentAttrs

	// SlotName is populated when Kind == Slot.
	SlotName string
}

// Context is the per-request data resolved by FetchContext and consulted
// when a Slot token is processed. It is opaque to the Template Processor
// beyond the Resolve lookup.
type Context interface {
	// Resolve returns the HTML for the named slot, or false if the slot has
	// no value (in which case the processor writes nothing).
	Resolve(name string) (string, bool)
}

// EmptyContext is substituted whenever FetchContext fails; every Resolve
// call returns nothing, matching the "missing: write empty" rule in
// spec.md §4.4.
type EmptyContext struct{}

// Resolve always reports no value.
func (EmptyContext) Resolve(string) (string, bool) { return "", false }

// FetchTemplate retrieves and parses the template for the given request
// path, returning the token stream. It is provided by the hosting
// application; TEMPLATE_NOT_FOUND and all other failures are distinguished
// by the returned error (respond.Code).
type FetchTemplate func(ctx context.Context, path string, parse ParseTemplate) ([]Token, error)

// ParseTemplate is a pure transformation from raw template bytes to a token
// stream.
type ParseTemplate func(raw []byte) ([]Token, error)

// FetchContext resolves the per-request Context. Failures are non-fatal:
// callers substitute EmptyContext and continue.
type FetchContext func(ctx context.Context, path string) (Context, error)
