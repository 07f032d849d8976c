// Package templatefeed provides the default template.ParseTemplate
// implementation: an HTML tokenizer (golang.org/x/net/html) that recognizes
// the fragment-placeholder and slot tag surface described in spec.md §3 and
// §5. compose and handler depend only on the template package's function
// types, never on templatefeed directly (SPEC_FULL.md §E4), so a deployment
// can substitute a different template source format without touching the
// composition core.
package templatefeed
