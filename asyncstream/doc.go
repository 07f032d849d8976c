// Package asyncstream implements the Async Stream (spec.md §4.2, the C2
// component): a single multi-producer byte stream that collects the bodies
// of async fragments and appends them, in arrival order, after the main
// document. It is sealed with Plug once the Template Processor has finished
// walking the template, and closes once every attached sub-stream has ended.
package asyncstream
