package templatefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fragserve/fragserve/template"
)

func TestParse_SimplePageS1(t *testing.T) {
	toks, err := Parse([]byte(`<a><fragment src="http://x/1"/><b>`))
	require.NoError(t, err)
	require.Len(t, toks, 3)

	assert.Equal(t, template.Raw, toks[0].Kind)
	assert.Equal(t, "<a>", string(toks[0].Raw))

	assert.Equal(t, template.FragmentTag, toks[1].Kind)
	assert.Equal(t, "http://x/1", toks[1].Fragment.URL)

	assert.Equal(t, template.Raw, toks[2].Kind)
	assert.Equal(t, "<b>", string(toks[2].Raw))
}

func TestParse_AllFragmentAttributes(t *testing.T) {
	toks, err := Parse([]byte(`<fragment src="http://x/1" id="hero" primary async public fallback-url="http://fb/1" timeout="250" return-headers/>`))
	require.NoError(t, err)
	require.Len(t, toks, 1)

	fa := toks[0].Fragment
	assert.Equal(t, "http://x/1", fa.URL)
	assert.Equal(t, "hero", fa.ID)
	assert.True(t, fa.Primary)
	assert.True(t, fa.Async)
	assert.True(t, fa.Public)
	assert.Equal(t, "http://fb/1", fa.FallbackURL)
	assert.Equal(t, 250, fa.TimeoutMS)
	assert.True(t, fa.ReturnHeaders)
}

func TestParse_DefaultsWhenAttributesOmitted(t *testing.T) {
	toks, err := Parse([]byte(`<fragment src="http://x/1"/>`))
	require.NoError(t, err)
	fa := toks[0].Fragment
	assert.False(t, fa.Primary)
	assert.False(t, fa.Async)
	assert.False(t, fa.Public)
	assert.Empty(t, fa.FallbackURL)
	assert.Equal(t, 0, fa.TimeoutMS)
}

func TestParse_MissingSrcIsError(t *testing.T) {
	_, err := Parse([]byte(`<fragment id="hero"/>`))
	assert.Error(t, err)
}

func TestParse_SlotResolvesName(t *testing.T) {
	toks, err := Parse([]byte(`<div><slot name="greeting"/></div>`))
	require.NoError(t, err)
	require.Len(t, toks, 3)
	assert.Equal(t, template.Slot, toks[1].Kind)
	assert.Equal(t, "greeting", toks[1].SlotName)
}

func TestParse_MultipleFragmentsInOrder(t *testing.T) {
	toks, err := Parse([]byte(`<fragment src="http://x/a" id="a"/><fragment src="http://x/b" id="b"/>`))
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "a", toks[0].Fragment.ID)
	assert.Equal(t, "b", toks[1].Fragment.ID)
}

func TestParse_NonSelfClosingFragmentTagAccepted(t *testing.T) {
	toks, err := Parse([]byte(`<fragment src="http://x/1">`))
	require.NoError(t, err)
	require.Len(t, toks, 1)
	assert.Equal(t, template.FragmentTag, toks[0].Kind)
}

func TestParse_EmptyTemplateYieldsNoTokens(t *testing.T) {
	toks, err := Parse([]byte(``))
	require.NoError(t, err)
	assert.Empty(t, toks)
}
