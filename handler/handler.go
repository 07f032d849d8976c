// Package handler implements the Request Handler (C5): the top-level
// pipeline that fetches a page's template and context in parallel, wires
// the Template Processor, recognizes the primary fragment to govern the
// response head, and streams the assembled document through the
// Content-Length Meter into the HTTP response (spec.md §4.5).
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fragserve/fragserve/asyncstream"
	"github.com/fragserve/fragserve/compose"
	"github.com/fragserve/fragserve/fragment"
	"github.com/fragserve/fragserve/internal/metrics"
	"github.com/fragserve/fragserve/meter"
	"github.com/fragserve/fragserve/respond"
	"github.com/fragserve/fragserve/template"
)

// Config wires every external collaborator spec.md §6 enumerates, plus the
// composition limits every fragment inherits unless its own tag overrides
// them.
type Config struct {
	// FetchTemplate retrieves and parses the page template for a request.
	// Failure is fatal (spec.md §6, §7).
	FetchTemplate template.FetchTemplate
	// FetchContext resolves the request's slot-fill context. Failure is
	// non-fatal; EmptyContext is substituted.
	FetchContext template.FetchContext
	// ParseTemplate is passed through to FetchTemplate.
	ParseTemplate template.ParseTemplate
	// Fetcher performs every fragment's upstream HTTP call.
	Fetcher fragment.Fetcher
	// FilterResponseHeaders projects the primary fragment's upstream
	// response headers before they merge into the page response. Defaults
	// to stripping hop-by-hop headers.
	FilterResponseHeaders func(attrs template.FragmentAttrs, headers http.Header) http.Header

	// MaxAssetLinks is the index generator's step (spec.md §3).
	MaxAssetLinks int
	// DefaultFragmentTimeout applies to any fragment tag omitting `timeout`.
	DefaultFragmentTimeout time.Duration
	// AllowedRequestHeaders is forwarded to every non-public fragment.
	AllowedRequestHeaders []string
	// FallbackHTML substitutes for an inline fragment's body once its
	// stream ends in error with no fallback-url configured.
	FallbackHTML string

	// Metrics records Prometheus counters/histograms; nil disables metrics.
	Metrics *metrics.Collector
	// Tracer starts one span per request; nil uses the global OpenTelemetry
	// tracer provider's tracer.
	Tracer trace.Tracer
	// Observer receives every handler/fragment lifecycle event; nil
	// discards them.
	Observer Observer
	// Logger is the base logger every request-scoped logger derives from.
	Logger *zap.Logger
}

// Handler is the Request Handler (C5).
type Handler struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Handler. FetchTemplate, ParseTemplate, FetchContext, and
// Fetcher must be non-nil; New panics otherwise, since a Handler with no
// way to retrieve a template or fetch a fragment cannot serve any request.
func New(cfg Config) *Handler {
	if cfg.FetchTemplate == nil || cfg.ParseTemplate == nil || cfg.FetchContext == nil || cfg.Fetcher == nil {
		panic("handler: FetchTemplate, ParseTemplate, FetchContext, and Fetcher are required")
	}
	if cfg.FilterResponseHeaders == nil {
		cfg.FilterResponseHeaders = defaultFilterResponseHeaders
	}
	if cfg.MaxAssetLinks <= 0 {
		cfg.MaxAssetLinks = 1
	}
	if cfg.DefaultFragmentTimeout <= 0 {
		cfg.DefaultFragmentTimeout = 3 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/fragserve/fragserve/handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger.With(zap.String("component", "handler"))}
}

var hopByHopHeaders = []string{"Connection", "Content-Length", "Transfer-Encoding", "Keep-Alive", "Link"}

func defaultFilterResponseHeaders(_ template.FragmentAttrs, headers http.Header) http.Header {
	out := headers.Clone()
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	return out
}

// primaryState tracks every fragment that declared primary. spec.md §3
// says at most one fragment per template carries primary and that a
// duplicate is "degraded to non-primary with a warning", but spec.md §9's
// open question is explicit about which one: the source's latch naturally
// picks whichever primary candidate's upstream responds *first*, not the
// first one declared in template order, and implementations should follow
// that and warn on the later ones. So every primary-declared fragment is
// kept as a candidate here; the race itself is resolved by whichever
// candidate's sink event reaches decideOnce.Do first (see ServeHTTP).
type primaryState struct {
	mu         sync.Mutex
	candidates map[int]template.FragmentAttrs
}

func newPrimaryState() *primaryState {
	return &primaryState{candidates: make(map[int]template.FragmentAttrs)}
}

func (p *primaryState) add(index int, attrs template.FragmentAttrs) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates[index] = attrs
}

func (p *primaryState) lookup(index int) (template.FragmentAttrs, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.candidates[index]
	return attrs, ok
}

// ServeHTTP implements the C5 pipeline (spec.md §4.5).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	logger := h.logger.With(zap.String("request_id", requestID), zap.String("path", r.URL.Path))
	reqStart := time.Now()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var span trace.Span
	ctx, span = h.cfg.Tracer.Start(ctx, "fragserve.request")
	defer span.End()

	h.cfg.Observer.OnStart(requestID, r.URL.Path)

	var tmplCtx template.Context = template.EmptyContext{}
	var tokens []template.Token

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := h.cfg.FetchContext(gctx, r.URL.Path)
		if err != nil {
			h.cfg.Observer.OnContextError(requestID, err)
			logger.Warn("context fetch failed, continuing with empty context", zap.Error(err))
			return nil
		}
		tmplCtx = c
		return nil
	})
	g.Go(func() error {
		toks, err := h.cfg.FetchTemplate(gctx, r.URL.Path, h.cfg.ParseTemplate)
		if err != nil {
			return err
		}
		tokens = toks
		return nil
	})
	if err := g.Wait(); err != nil {
		h.writeFatalError(w, requestID, err, logger, reqStart)
		return
	}

	hasPrimary := false
	for _, tok := range tokens {
		if tok.Kind == template.FragmentTag && tok.Fragment.Primary {
			hasPrimary = true
			break
		}
	}

	headWriter := respond.NewHeadWriter(w)
	primary := newPrimaryState()

	var fragmentStartsMu sync.Mutex
	fragmentStarts := make(map[int]time.Time)

	var bodyOnceSet sync.Once
	var body io.Reader
	bodyReady := make(chan struct{})
	setBody := func(r io.Reader) {
		bodyOnceSet.Do(func() {
			body = r
			close(bodyReady)
		})
	}
	getBody := func() io.Reader {
		<-bodyReady
		return body
	}

	done := make(chan struct{})
	var decideOnce sync.Once

	pipeBody := func(status int) {
		b := getBody()
		mtr := meter.New(headWriter.Unwrap(), func(total int64) {
			dur := time.Since(reqStart)
			h.cfg.Observer.OnEnd(requestID, total, dur)
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.RecordRequest(status, dur, total)
			}
		})
		if _, err := io.Copy(mtr, b); err != nil {
			logger.Warn("downstream write failed, cancelling in-flight fragments", zap.Error(err))
			cancel()
		}
		mtr.Close()
		close(done)
	}

	// decideSuccess and decidePrimaryError report whether this call was the
	// one that actually ran (decideOnce's first caller) — a losing call
	// from a second primary candidate's event gets a warn instead.
	decideSuccess := func(status int, headers http.Header) bool {
		ran := false
		decideOnce.Do(func() {
			ran = true
			headWriter.WriteHead(status, headers)
			h.cfg.Observer.OnResponse(requestID, status)
			go pipeBody(status)
		})
		return ran
	}

	decidePrimaryError := func() bool {
		ran := false
		decideOnce.Do(func() {
			ran = true
			headWriter.WriteHead(http.StatusInternalServerError, nil)
			h.cfg.Observer.OnResponse(requestID, http.StatusInternalServerError)
			h.cfg.Observer.OnError(requestID, respond.New(respond.CodePrimaryFragmentError, "primary fragment errored"))
			cancel()
			go io.Copy(io.Discard, getBody()) //nolint:errcheck // best-effort drain so the processor's goroutine does not block forever on an unread pipe
			dur := time.Since(reqStart)
			h.cfg.Observer.OnEnd(requestID, 0, dur)
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.RecordRequest(http.StatusInternalServerError, dur, 0)
			}
			close(done)
		})
		return ran
	}

	warnLatePrimary := func(e fragment.Event) {
		logger.Warn("primary fragment settled after another primary candidate already claimed the response head",
			zap.Int("index", e.Index), zap.String("fragment_id", e.FragmentID))
		h.cfg.Observer.OnFragmentEvent(requestID, fragment.Event{Kind: fragment.EventWarn, Index: e.Index, FragmentID: e.FragmentID})
	}

	sink := fragment.SinkFunc(func(e fragment.Event) {
		h.cfg.Observer.OnFragmentEvent(requestID, e)
		h.recordFragmentMetric(e, &fragmentStartsMu, fragmentStarts)

		attrs, isPrimary := primary.lookup(e.Index)
		if !isPrimary {
			return
		}

		switch e.Kind {
		case fragment.EventResponse:
			if e.Attempt != 0 {
				// This response came from the fallback URL (case (b)): the
				// head is a 500, claimed now so the processor can stream the
				// fallback body; case (a) is reserved for the primary URL's
				// own response.
				if !decideSuccess(http.StatusInternalServerError, nil) {
					warnLatePrimary(e)
				}
				return
			}
			headers := h.cfg.FilterResponseHeaders(attrs, e.Header)
			if attrs.ReturnHeaders {
				if hints := buildPreloadHints(e.Header.Get("Link"), r.Host); len(hints) > 0 {
					headers.Set("Link", strings.Join(hints, ", "))
				}
			}
			if !decideSuccess(e.Status, headers) {
				warnLatePrimary(e)
			}
		case fragment.EventFallback:
			// The head was already claimed, or the late-primary warning
			// emitted, at this fragment's fallback-URL EventResponse.
		case fragment.EventError:
			if !decidePrimaryError() {
				warnLatePrimary(e)
			}
		}
	})

	onFound := func(index int, attrs template.FragmentAttrs) {
		if attrs.Primary {
			primary.add(index, attrs)
		}
	}

	async := asyncstream.New(&metricsAsyncObserver{metrics: h.cfg.Metrics, logger: logger}, logger)
	proc := compose.New(compose.Config{
		MaxAssetLinks:          h.cfg.MaxAssetLinks,
		DefaultFragmentTimeout: h.cfg.DefaultFragmentTimeout,
		AllowedRequestHeaders:  h.cfg.AllowedRequestHeaders,
		FallbackHTML:           h.cfg.FallbackHTML,
		Fetcher:                h.cfg.Fetcher,
		Sink:                   sink,
		OnFound:                onFound,
		Logger:                 h.cfg.Logger,
	}, async)

	setBody(proc.Run(ctx, r.Header, tmplCtx, tokens))

	if !hasPrimary {
		// spec.md §4.5 step 6(d): no primary fragment can ever claim the
		// head, so nothing gates it — write it immediately rather than
		// waiting on a "finish" signal that would otherwise stall every
		// byte of a primary-less page behind its slowest fragment.
		decideSuccess(http.StatusOK, nil)
	}

	<-done
}

func (h *Handler) recordFragmentMetric(e fragment.Event, mu *sync.Mutex, starts map[int]time.Time) {
	switch e.Kind {
	case fragment.EventStart:
		mu.Lock()
		starts[e.Index] = time.Now()
		mu.Unlock()
	case fragment.EventEnd, fragment.EventError, fragment.EventFallback:
		mu.Lock()
		start, ok := starts[e.Index]
		delete(starts, e.Index)
		mu.Unlock()
		if h.cfg.Metrics == nil {
			return
		}
		var dur time.Duration
		if ok {
			dur = time.Since(start)
		}
		h.cfg.Metrics.RecordFragmentTerminal(e.Kind.String(), dur)
		if e.Kind == fragment.EventFallback {
			h.cfg.Metrics.RecordFragmentFallback(e.FragmentID)
		}
	case fragment.EventTimeout:
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.RecordFragmentTimeout(e.FragmentID)
		}
	}
}

// writeFatalError handles a FetchTemplate failure (spec.md §7): TEMPLATE_NOT_FOUND
// maps to 404, everything else to 500, and a respond.Error's Presentable
// body (if any) is written verbatim in place of an empty body.
func (h *Handler) writeFatalError(w http.ResponseWriter, requestID string, err error, logger *zap.Logger, reqStart time.Time) {
	status := http.StatusInternalServerError
	var body string

	var rerr *respond.Error
	if errors.As(err, &rerr) {
		status = rerr.HTTPStatus
		body = rerr.Presentable
	}

	h.cfg.Observer.OnError(requestID, err)
	logger.Error("fatal request error before head write", zap.Error(err))

	for k, v := range respond.BaselineHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	var n int
	if body != "" {
		n, _ = io.WriteString(w, body)
	}

	dur := time.Since(reqStart)
	h.cfg.Observer.OnEnd(requestID, int64(n), dur)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordRequest(status, dur, int64(n))
	}
}

type metricsAsyncObserver struct {
	metrics *metrics.Collector
	logger  *zap.Logger
}

func (o *metricsAsyncObserver) OnAttach(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordAsyncAttachment(outcome)
	}
}

func (o *metricsAsyncObserver) OnSubStreamError(fragmentID string, err error) {
	o.logger.Warn("async sub-stream failed", zap.String("fragment_id", fragmentID), zap.Error(err))
}
