package compose

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragserve/fragserve/asyncstream"
	"github.com/fragserve/fragserve/fragment"
	"github.com/fragserve/fragserve/template"
)

func fetcherFor(bodies map[string]string, statuses map[string]int) fragment.FetcherFunc {
	return func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		status := 200
		if s, ok := statuses[req.URL]; ok {
			status = s
		}
		body := bodies[req.URL]
		return &fragment.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

// jitteredFetcher responds immediately for most URLs but briefly delays the
// ones in delayed, so tests can vary upstream arrival order without any
// fragment taking long enough to risk a real timeout.
func jitteredFetcher(bodies map[string]string, delayed map[string]bool) fragment.FetcherFunc {
	return func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		if delayed[req.URL] {
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(bodies[req.URL]))}, nil
	}
}

func readOutput(t *testing.T, r io.Reader) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(r)
		done <- string(b)
	}()
	select {
	case s := <-done:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading processor output")
		return ""
	}
}

func TestProcessor_S1_SimplePage(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.Raw, Raw: []byte("<a>")},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/1"}},
		{Kind: template.Raw, Raw: []byte("<b>")},
	}

	cfg := Config{
		MaxAssetLinks: 2,
		Fetcher:       fetcherFor(map[string]string{"http://x/1": "HELLO"}, nil),
	}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)

	out := readOutput(t, p.Run(context.Background(), http.Header{}, nil, tokens))

	assert.True(t, strings.HasPrefix(out, "<a><script>Pipe.start(0,"))
	assert.Contains(t, out, "HELLO")
	assert.Contains(t, out, "Pipe.end(0,")
	assert.True(t, strings.HasSuffix(out, "<b>"))
}

func TestProcessor_IndexStepsByMaxAssetLinks(t *testing.T) {
	var found []int
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/1"}},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/2"}},
	}
	cfg := Config{
		MaxAssetLinks: 3,
		Fetcher:       fetcherFor(map[string]string{"http://x/1": "A", "http://x/2": "B"}, nil),
		OnFound: func(index int, attrs template.FragmentAttrs) {
			found = append(found, index)
		},
	}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)
	readOutput(t, p.Run(context.Background(), http.Header{}, nil, tokens))

	assert.Equal(t, []int{0, 3}, found)
}

func TestProcessor_AsyncPlacementAfterInlineSection(t *testing.T) {
	releaseAsync := make(chan struct{})
	fetcher := fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		if req.URL == "http://x/async" {
			<-releaseAsync
			return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ASYNCBODY"))}, nil
		}
		return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("INLINEBODY"))}, nil
	})

	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/async", ID: "b", Async: true}},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/inline", ID: "a"}},
	}
	cfg := Config{MaxAssetLinks: 1, Fetcher: fetcher}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)

	r := p.Run(context.Background(), http.Header{}, nil, tokens)

	readDone := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(r)
		readDone <- string(b)
	}()

	select {
	case <-readDone:
		t.Fatal("output should not finish before the async fragment releases")
	case <-time.After(30 * time.Millisecond):
	}

	close(releaseAsync)

	var out string
	select {
	case out = <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("output should finish once async fragment completes")
	}

	placeholderPos := strings.Index(out, "Pipe.placeholder(0)")
	inlineEndPos := strings.Index(out, "INLINEBODY")
	asyncBodyPos := strings.Index(out, "ASYNCBODY")

	require.GreaterOrEqual(t, placeholderPos, 0)
	require.GreaterOrEqual(t, inlineEndPos, 0)
	require.GreaterOrEqual(t, asyncBodyPos, 0)
	assert.Less(t, placeholderPos, inlineEndPos)
	assert.Less(t, inlineEndPos, asyncBodyPos)
}

func TestProcessor_FragmentErrorSubstitutesFallbackHTML(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/broken"}},
	}
	cfg := Config{
		MaxAssetLinks: 1,
		FallbackHTML:  "<!-- oops -->",
		Fetcher: fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
			return &fragment.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(""))}, nil
		}),
	}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)
	out := readOutput(t, p.Run(context.Background(), http.Header{}, nil, tokens))

	assert.Contains(t, out, "<!-- oops -->")
}

func TestProcessor_SlotResolvesFromContext(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.Raw, Raw: []byte("<p>")},
		{Kind: template.Slot, SlotName: "greeting"},
		{Kind: template.Raw, Raw: []byte("</p>")},
	}
	ctxVal := slotContext{"greeting": "hi there"}
	async := asyncstream.New(nil, nil)
	p := New(Config{MaxAssetLinks: 1}, async)
	out := readOutput(t, p.Run(context.Background(), http.Header{}, ctxVal, tokens))

	assert.Equal(t, "<p>hi there</p>", out)
}

func TestProcessor_SlotMissingWritesEmpty(t *testing.T) {
	tokens := []template.Token{
		{Kind: template.Raw, Raw: []byte("<p>")},
		{Kind: template.Slot, SlotName: "missing"},
		{Kind: template.Raw, Raw: []byte("</p>")},
	}
	async := asyncstream.New(nil, nil)
	p := New(Config{MaxAssetLinks: 1}, async)
	out := readOutput(t, p.Run(context.Background(), http.Header{}, template.EmptyContext{}, tokens))

	assert.Equal(t, "<p></p>", out)
}

func TestProcessor_OnFoundCalledBeforeBodyArrives(t *testing.T) {
	var mu sync.Mutex
	var calledBefore bool

	release := make(chan struct{})
	fetcher := fragment.FetcherFunc(func(ctx context.Context, req fragment.Request) (*fragment.Response, error) {
		<-release
		return &fragment.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("X"))}, nil
	})
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/1"}},
	}
	cfg := Config{
		MaxAssetLinks: 1,
		Fetcher:       fetcher,
		OnFound: func(index int, attrs template.FragmentAttrs) {
			mu.Lock()
			calledBefore = true
			mu.Unlock()
		},
	}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)
	r := p.Run(context.Background(), http.Header{}, nil, tokens)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.True(t, calledBefore)
	mu.Unlock()

	close(release)
	readOutput(t, r)
}

func TestProcessor_DuplicatePrimaryBothMaterialized(t *testing.T) {
	// The processor materializes every fragment that declares primary as a
	// candidate; it does not pick a winner itself. spec.md §9's open
	// question resolves the race at the handler, by whichever candidate's
	// upstream responds first — see handler.primaryState.
	var found []template.FragmentAttrs
	tokens := []template.Token{
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/1", ID: "first", Primary: true}},
		{Kind: template.FragmentTag, Fragment: template.FragmentAttrs{URL: "http://x/2", ID: "second", Primary: true}},
	}
	cfg := Config{
		MaxAssetLinks: 1,
		Fetcher:       fetcherFor(map[string]string{"http://x/1": "A", "http://x/2": "B"}, nil),
		OnFound: func(index int, attrs template.FragmentAttrs) {
			found = append(found, attrs)
		},
	}
	async := asyncstream.New(nil, nil)
	p := New(cfg, async)
	readOutput(t, p.Run(context.Background(), http.Header{}, nil, tokens))

	require.Len(t, found, 2)
	assert.True(t, found[0].Primary)
	assert.True(t, found[1].Primary)
}

type slotContext map[string]string

func (c slotContext) Resolve(name string) (string, bool) {
	v, ok := c[name]
	return v, ok
}
