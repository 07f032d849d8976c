// Package compose implements the Template Processor (spec.md §4.4, the C4
// component): it walks a parsed token stream, materializes each fragment
// token into a fragment.Fragment, and produces the assembled output byte
// stream — inline fragment bytes interleaved in template order, async
// fragment placeholders emitted inline with their bodies attached to the
// trailing Async Stream section.
package compose
