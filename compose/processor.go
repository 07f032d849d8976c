package compose

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fragserve/fragserve/asyncstream"
	"github.com/fragserve/fragserve/fragment"
	"github.com/fragserve/fragserve/template"
)

// Config tunes a Processor for one request.
type Config struct {
	// MaxAssetLinks is the index generator's step (spec.md §3).
	MaxAssetLinks int
	// DefaultFragmentTimeout applies to any fragment tag omitting `timeout`.
	DefaultFragmentTimeout time.Duration
	// AllowedRequestHeaders is forwarded to every non-public fragment.
	AllowedRequestHeaders []string
	// FallbackHTML substitutes for an inline fragment's body once its
	// stream ends in error (spec.md §4.4: "substitute a configured fallback
	// HTML snippet").
	FallbackHTML string
	// Fetcher performs every fragment's upstream HTTP call.
	Fetcher fragment.Fetcher
	// Sink receives every fragment's lifecycle events, tagged by Index/
	// FragmentID; the handler distinguishes fragments by those fields
	// rather than one Sink per fragment.
	Sink fragment.Sink
	// OnFound is invoked synchronously the moment a fragment token is
	// materialized, before its fetch is dispatched — this is the
	// `fragment:found` notification point (spec.md §4.4 step 1, §4.5
	// step 4) letting the handler register a primary-fragment subscriber.
	OnFound func(index int, attrs template.FragmentAttrs)
	Logger  *zap.Logger
}

// Processor is the Template Processor (C4): it consumes a parsed token
// stream and produces the assembled output, dispatching one fragment.Fragment
// per fragment token and attaching async fragments to the given Async
// Stream.
type Processor struct {
	cfg    Config
	async  *asyncstream.Stream
	idxGen *IndexGenerator
	logger *zap.Logger
}

// New constructs a Processor. async is the request's Async Stream (already
// created at request start per spec.md §3); the Processor plugs it once the
// token stream is exhausted.
func New(cfg Config, async *asyncstream.Stream) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = fragment.NopSink
	}
	if cfg.DefaultFragmentTimeout <= 0 {
		cfg.DefaultFragmentTimeout = 3 * time.Second
	}
	return &Processor{
		cfg:    cfg,
		async:  async,
		idxGen: NewIndexGenerator(cfg.MaxAssetLinks),
		logger: cfg.Logger.With(zap.String("component", "compose")),
	}
}

// Run consumes tokens and returns a reader yielding the assembled output:
// inline bytes in template order, followed by the Async Stream's trailing
// section once plugged and drained. reqHeader is the incoming request's
// header set, forwarded to fragment.Fragment.Fetch for each fragment.
func (p *Processor) Run(ctx context.Context, reqHeader http.Header, tmplCtx template.Context, tokens []template.Token) io.Reader {
	pr, pw := io.Pipe()
	go p.run(ctx, reqHeader, tmplCtx, tokens, pw)
	return pr
}

func (p *Processor) run(ctx context.Context, reqHeader http.Header, tmplCtx template.Context, tokens []template.Token, pw *io.PipeWriter) {
	readers := make([]io.ReadCloser, len(tokens))
	indices := make([]int, len(tokens))

	// Dispatch every fragment's fetch before emitting any inline bytes: a
	// fragment's upstream request starts the moment its token is seen, not
	// when its turn to write comes around (spec.md §5: "does not wait for
	// fragment N to start fragment N+1").
	for i, tok := range tokens {
		if tok.Kind != template.FragmentTag {
			continue
		}
		idx := p.idxGen.Next()
		indices[i] = idx

		// Every fragment that declares primary is materialized as a primary
		// candidate; spec.md §9's open question decides the race between
		// them at response time ("first to respond wins"), not here at
		// template-order materialization — see handler.primaryState.
		attrs := tok.Fragment

		frag := fragment.New(attrs, idx, p.cfg.Fetcher, p.cfg.Sink, fragment.Config{
			DefaultTimeout:        p.cfg.DefaultFragmentTimeout,
			AllowedRequestHeaders: p.cfg.AllowedRequestHeaders,
		}, p.cfg.Logger)

		if p.cfg.OnFound != nil {
			p.cfg.OnFound(idx, attrs)
		}

		readers[i] = frag.Fetch(ctx, reqHeader)

		if tok.Fragment.Async {
			subID := tok.Fragment.ID
			if subID == "" {
				subID = strconv.Itoa(idx)
			}
			if err := p.async.Attach(subID, readers[i]); err != nil {
				p.logger.Warn("could not attach async fragment", zap.String("fragment_id", subID), zap.Error(err))
			}
		}
	}

	abort := func(cause error) {
		for i, r := range readers {
			if r == nil || tokens[i].Fragment.Async {
				continue
			}
			r.Close()
		}
		p.async.Abort(cause)
		pw.CloseWithError(cause)
	}

	for i, tok := range tokens {
		switch tok.Kind {
		case template.Raw:
			if _, err := pw.Write(tok.Raw); err != nil {
				abort(err)
				return
			}

		case template.Slot:
			if tmplCtx == nil {
				continue
			}
			if v, ok := tmplCtx.Resolve(tok.SlotName); ok {
				if _, err := pw.Write([]byte(v)); err != nil {
					abort(err)
					return
				}
			}

		case template.FragmentTag:
			idx := indices[i]
			if tok.Fragment.Async {
				if err := writePlaceholderMarker(pw, idx); err != nil {
					abort(err)
					return
				}
				continue
			}

			if err := writeStartMarker(pw, idx, tok.Fragment); err != nil {
				abort(err)
				return
			}
			_, copyErr := io.Copy(pw, readers[i])
			readers[i].Close()
			if copyErr != nil {
				if _, err := pw.Write([]byte(p.cfg.FallbackHTML)); err != nil {
					abort(err)
					return
				}
			}
			if err := writeEndMarker(pw, idx, tok.Fragment); err != nil {
				abort(err)
				return
			}
		}
	}

	p.async.Plug()
	if _, err := io.Copy(pw, p.async.Reader()); err != nil {
		pw.CloseWithError(err)
		return
	}
	pw.Close()
}
