package handler

import (
	"time"

	"github.com/fragserve/fragserve/fragment"
)

// Observer receives the handler-level events spec.md §6 enumerates for
// observability: start, response, end, error, context:error, and every
// fragment:<event> re-emitted verbatim from a Fragment's Sink. This is the
// push-only event-sink contract spec.md §9's design notes call for to break
// the handler/processor/fragment reference cycle: fragments and the
// processor talk to a Sink, never back to the Handler itself.
//
// Implementations must return promptly — Handler invokes these inline on
// whichever goroutine observed the event: the request goroutine, an
// individual fragment's own goroutine (fragment:* events, and a primary
// fragment's response/error), or the goroutine streaming the body (end).
type Observer interface {
	OnStart(requestID, path string)
	OnResponse(requestID string, status int)
	OnEnd(requestID string, bytes int64, duration time.Duration)
	OnError(requestID string, err error)
	OnContextError(requestID string, err error)
	OnFragmentEvent(requestID string, e fragment.Event)
}

type nopObserver struct{}

func (nopObserver) OnStart(string, string)                {}
func (nopObserver) OnResponse(string, int)                {}
func (nopObserver) OnEnd(string, int64, time.Duration)    {}
func (nopObserver) OnError(string, error)                 {}
func (nopObserver) OnContextError(string, error)          {}
func (nopObserver) OnFragmentEvent(string, fragment.Event) {}

// NopObserver discards every event.
var NopObserver Observer = nopObserver{}
