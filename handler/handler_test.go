package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragserve/fragserve/fragment"
	"github.com/fragserve/fragserve/respond"
	"github.com/fragserve/fragserve/template"
)

func fetcherFor(bodies map[string]string, statuses map[string]int, headers map[string]http.Header) fragment.FetcherFunc {
	return func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		status := 200
		if s, ok := statuses[req.URL]; ok {
			status = s
		}
		var hdr http.Header
		if h, ok := headers[req.URL]; ok {
			hdr = h
		} else {
			hdr = http.Header{}
		}
		return &fragment.Response{
			StatusCode: status,
			Header:     hdr,
			Body:       io.NopCloser(strings.NewReader(bodies[req.URL])),
		}, nil
	}
}

func staticTemplate(tokens []template.Token) template.FetchTemplate {
	return func(ctx context.Context, path string, parse template.ParseTemplate) ([]template.Token, error) {
		return tokens, nil
	}
}

func emptyContext(ctx context.Context, path string) (template.Context, error) {
	return template.EmptyContext{}, nil
}

func noopParse(raw []byte) ([]template.Token, error) { return nil, nil }

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	if cfg.ParseTemplate == nil {
		cfg.ParseTemplate = noopParse
	}
	if cfg.FetchContext == nil {
		cfg.FetchContext = emptyContext
	}
	if cfg.MaxAssetLinks == 0 {
		cfg.MaxAssetLinks = 1
	}
	if cfg.DefaultFragmentTimeout == 0 {
		cfg.DefaultFragmentTimeout = time.Second
	}
	return New(cfg)
}

func doRequest(h *Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_S1_SimplePage(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.Raw, Raw: []byte("<a>")},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/1"}},
		{Kind: template.Raw, Raw: []byte("<b>")},
	}
	h := newTestHandler(t, Config{
		FetchTemplate: staticTemplate(tokens),
		Fetcher:       fetcherFor(map[string]string{"http://x/1": "HELLO"}, nil, nil),
	})

	rec := doRequest(h, "/page")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "<a><script>Pipe.start(0,"))
	assert.Contains(t, body, "HELLO")
	assert.Contains(t, body, "Pipe.end(0,")
	assert.True(t, strings.HasSuffix(body, "<b>"))
	assert.Empty(t, rec.Header().Get("Link"))
}

func TestHandler_S2_PrimaryGovernsStatus(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/side"}},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/main", Primary: true, ReturnHeaders: true}},
	}
	mainHeaders := http.Header{
		"Location": []string{"/x"},
		"Link":     []string{`<http://cdn/a.css>; rel="stylesheet"`},
	}
	h := newTestHandler(t, Config{
		FetchTemplate: staticTemplate(tokens),
		Fetcher: fetcherFor(
			map[string]string{"http://x/side": "SIDE", "http://x/main": "MAIN"},
			map[string]int{"http://x/main": 301},
			map[string]http.Header{"http://x/main": mainHeaders},
		),
	})

	rec := doRequest(h, "/page")

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/x", rec.Header().Get("Location"))
	assert.Equal(t, `<http://cdn/a.css>; rel="preload"; as="style"; nopush`, rec.Header().Get("Link"))
}

func TestHandler_S5_TemplateNotFound(t *testing.T) {
	h := newTestHandler(t, Config{
		FetchTemplate: func(ctx context.Context, path string, parse template.ParseTemplate) ([]template.Token, error) {
			return nil, respond.New(respond.CodeTemplateNotFound, "no such template").WithPresentable("not found")
		},
		Fetcher: fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
			t.Fatal("no fragment should be fetched when the template is missing")
			return nil, nil
		}),
	})

	rec := doRequest(h, "/missing")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", rec.Body.String())
}

// headSignalRecorder closes headWritten the first time WriteHeader is
// called, so tests can observe head-write timing precisely instead of
// relying on httptest.ResponseRecorder's Code field, which defaults to 200
// even before any WriteHeader call.
type headSignalRecorder struct {
	*httptest.ResponseRecorder
	headWritten chan struct{}
	once        bool
}

func newHeadSignalRecorder() *headSignalRecorder {
	return &headSignalRecorder{ResponseRecorder: httptest.NewRecorder(), headWritten: make(chan struct{})}
}

func (r *headSignalRecorder) WriteHeader(code int) {
	r.ResponseRecorder.WriteHeader(code)
	if !r.once {
		r.once = true
		close(r.headWritten)
	}
}

func TestHandler_NoPrimary_WritesHeadImmediately(t *testing.T) {
	release := make(chan struct{})
	fetcher := fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		<-release
		return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("SLOW"))}, nil
	})
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/slow"}},
	}
	h := newTestHandler(t, Config{
		FetchTemplate: staticTemplate(tokens),
		Fetcher:       fetcher,
	})

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	rec := newHeadSignalRecorder()

	serveDone := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(serveDone)
	}()

	select {
	case <-rec.headWritten:
	case <-time.After(time.Second):
		t.Fatal("head should commit without waiting on the slow fragment")
	}
	require.Equal(t, http.StatusOK, rec.Code)

	close(release)
	<-serveDone
	assert.Contains(t, rec.Body.String(), "SLOW")
}

func TestHandler_DuplicatePrimary_FirstToRespondWins(t *testing.T) {
	// spec.md §9's open question: when two fragments both declare primary,
	// the one whose upstream responds first governs the head, regardless
	// of template order; the other is warned, not erroring the request.
	slowRelease := make(chan struct{})
	fetcher := fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		if req.URL == "http://x/slow" {
			<-slowRelease
			return &fragment.Response{StatusCode: 301, Header: http.Header{"Location": {"/slow"}}, Body: io.NopCloser(strings.NewReader("SLOW"))}, nil
		}
		return &fragment.Response{StatusCode: 200, Header: http.Header{"Location": {"/fast"}}, Body: io.NopCloser(strings.NewReader("FAST"))}, nil
	})
	tokens := []template.Token{
		// Declared first in template order, but its upstream answers last.
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/slow", ID: "slow", Primary: true}},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/fast", ID: "fast", Primary: true}},
	}
	h := newTestHandler(t, Config{
		FetchTemplate: staticTemplate(tokens),
		Fetcher:       fetcher,
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- doRequest(h, "/page")
	}()

	select {
	case rec := <-done:
		t.Fatalf("request completed before the slow fragment was released: %d", rec.Code)
	case <-time.After(50 * time.Millisecond):
	}

	close(slowRelease)
	rec := <-done

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/fast", rec.Header().Get("Location"))
}

func TestHandler_PrimaryFallback_Writes500(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{
			URL: "http://x/down", FallbackURL: "http://x/fb", Primary: true, TimeoutMS: 20,
		}},
	}
	fetcher := fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		if req.URL == "http://x/down" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("FB"))}, nil
	})
	h := newTestHandler(t, Config{
		FetchTemplate: staticTemplate(tokens),
		Fetcher:       fetcher,
	})

	rec := doRequest(h, "/page")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "FB")
}
