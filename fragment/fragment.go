package fragment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fragserve/fragserve/respond"
	"github.com/fragserve/fragserve/template"
)

// Config tunes behavior shared by every Fragment constructed by the
// Template Processor for one request.
type Config struct {
	// DefaultTimeout applies when a fragment tag omits `timeout`.
	DefaultTimeout time.Duration
	// AllowedRequestHeaders is the allow-list forwarded upstream when a
	// fragment is not `public`.
	AllowedRequestHeaders []string
}

// Fragment is the state machine for one upstream fragment request
// (spec.md §4.3, the C3 component). Fetch starts the request in the
// background and returns immediately with a stream that begins producing
// bytes once the body phase starts.
type Fragment struct {
	attrs   template.FragmentAttrs
	index   int
	fetcher Fetcher
	sink    Sink
	cfg     Config
	logger  *zap.Logger

	mu            sync.Mutex
	state         State
	terminalFired bool
}

// New constructs a Fragment for one template placeholder. index is the
// handler-assigned slot index (spec.md §3's monotonically increasing,
// step = maxAssetLinks sequence).
func New(attrs template.FragmentAttrs, index int, fetcher Fetcher, sink Sink, cfg Config, logger *zap.Logger) *Fragment {
	if sink == nil {
		sink = NopSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fragment{
		attrs:   attrs,
		index:   index,
		fetcher: fetcher,
		sink:    sink,
		cfg:     cfg,
		logger: logger.With(
			zap.String("component", "fragment"),
			zap.Int("index", index),
			zap.String("fragment_id", attrs.ID),
		),
		state: StatePending,
	}
}

// Index returns this fragment's handler-assigned slot index.
func (f *Fragment) Index() int { return f.index }

// Attrs returns the fragment's immutable template attributes.
func (f *Fragment) Attrs() template.FragmentAttrs { return f.attrs }

// State returns the fragment's current lifecycle state.
func (f *Fragment) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fragment) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Fetch dispatches the upstream request in a background goroutine and
// returns a reader that begins yielding bytes once the body phase starts;
// reading before then simply blocks. reqHeader is the incoming request's
// header set, from which this fragment's forwarded headers are derived
// per its `public` attribute. The returned ReadCloser's Close cancels the
// fetch if it has not yet completed.
func (f *Fragment) Fetch(ctx context.Context, reqHeader http.Header) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	go func() {
		defer cancel()
		f.run(ctx, reqHeader, pw)
	}()

	return &cancelOnCloseReader{PipeReader: pr, cancel: cancel}
}

type cancelOnCloseReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}

func (f *Fragment) run(ctx context.Context, reqHeader http.Header, pw *io.PipeWriter) {
	f.emit(Event{Kind: EventStart})
	f.setState(StateRequesting)

	timeout := time.Duration(f.attrs.TimeoutMS) * time.Millisecond
	if f.attrs.TimeoutMS <= 0 {
		timeout = f.cfg.DefaultTimeout
	}

	resp, err, timedOut, release := f.attemptWithDeadline(ctx, f.attrs.URL, reqHeader, timeout)
	if err == nil && is2xx(resp.StatusCode) {
		f.setState(StateResponding)
		f.emit(Event{Kind: EventResponse, Status: resp.StatusCode, Header: resp.Header})
		f.setState(StateStreaming)
		n, copyErr := io.Copy(pw, resp.Body)
		resp.Body.Close()
		release()
		if copyErr != nil {
			f.fail(pw, copyErr)
			return
		}
		f.setState(StateEnded)
		f.emit(Event{Kind: EventEnd, BytesRead: n})
		pw.Close()
		return
	}

	primaryErr := classifyErr(err, resp)
	if timedOut {
		f.emit(Event{Kind: EventTimeout, Err: primaryErr})
	}
	if resp != nil {
		resp.Body.Close()
	}
	release()

	if f.attrs.FallbackURL == "" {
		f.fail(pw, primaryErr)
		return
	}

	f.setState(StateRequesting)

	fresp, ferr, _, frelease := f.attemptWithDeadline(ctx, f.attrs.FallbackURL, reqHeader, timeout)
	if ferr == nil && is2xx(fresp.StatusCode) {
		f.setState(StateResponding)
		f.emit(Event{Kind: EventResponse, Status: fresp.StatusCode, Header: fresp.Header, Attempt: 1})
		f.setState(StateStreaming)
		n, copyErr := io.Copy(pw, fresp.Body)
		fresp.Body.Close()
		frelease()
		if copyErr != nil {
			f.fail(pw, copyErr)
			return
		}
		f.setState(StateFallback)
		f.emit(Event{Kind: EventFallback, BytesRead: n, Err: primaryErr})
		pw.Close()
		return
	}

	if fresp != nil {
		fresp.Body.Close()
	}
	frelease()
	f.fail(pw, fmt.Errorf("fallback request failed: %w", classifyErr(ferr, fresp)))
}

// attemptWithDeadline performs one upstream attempt (primary or fallback
// URL) with a deadline that covers only dispatch-to-first-byte, per
// spec.md §5: "Each fragment has an independent timeout measured from
// dispatch to first-byte." Once resp is obtained, the deadline is
// disarmed so a slow-but-successful body transfer is never retroactively
// cancelled mid-stream; release must be called once the caller is done
// reading resp.Body, to free the attempt's context.
func (f *Fragment) attemptWithDeadline(ctx context.Context, url string, reqHeader http.Header, timeout time.Duration) (resp *Response, err error, timedOut bool, release func()) {
	attemptCtx, cancel := context.WithCancel(ctx)

	var expired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		cancel()
	})

	resp, err = f.attempt(attemptCtx, url, reqHeader)
	timer.Stop()

	if err != nil {
		cancel()
		return resp, err, expired.Load(), func() {}
	}
	return resp, nil, false, cancel
}

func (f *Fragment) fail(pw *io.PipeWriter, err error) {
	f.setState(StateErrored)
	wrapped := respond.New(respond.CodeFragmentUpstreamError, "fragment fetch failed").WithCause(err)
	f.emit(Event{Kind: EventError, Err: wrapped})
	pw.CloseWithError(wrapped)
}

func (f *Fragment) attempt(ctx context.Context, url string, reqHeader http.Header) (*Response, error) {
	if f.fetcher == nil {
		return nil, errors.New("fragment: no fetcher configured")
	}
	return f.fetcher.Do(ctx, Request{URL: url, Header: f.forwardedHeaders(reqHeader)})
}

func (f *Fragment) forwardedHeaders(reqHeader http.Header) http.Header {
	if f.attrs.Public {
		return reqHeader.Clone()
	}
	out := make(http.Header, len(f.cfg.AllowedRequestHeaders))
	for _, name := range f.cfg.AllowedRequestHeaders {
		if v := reqHeader.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

func (f *Fragment) emit(e Event) {
	e.FragmentID = f.attrs.ID
	e.Index = f.index
	if e.Kind == EventEnd || e.Kind == EventError || e.Kind == EventFallback {
		f.mu.Lock()
		if f.terminalFired {
			f.mu.Unlock()
			f.logger.Warn("ignoring duplicate terminal event", zap.String("kind", e.Kind.String()))
			return
		}
		f.terminalFired = true
		f.mu.Unlock()
	}
	f.sink.Emit(e)
}

func is2xx(status int) bool { return status >= 200 && status < 300 }

func classifyErr(err error, resp *Response) error {
	if err != nil {
		return err
	}
	if resp != nil {
		return fmt.Errorf("non-2xx upstream status %d", resp.StatusCode)
	}
	return errors.New("unknown fragment fetch failure")
}
