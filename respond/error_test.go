package respond

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SetsStatusFromCode(t *testing.T) {
	err := New(CodeTemplateNotFound, "template missing")
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus)
	assert.Equal(t, "TEMPLATE_NOT_FOUND", string(err.Code))
}

func TestError_String(t *testing.T) {
	err := New(CodeFragmentTimeout, "upstream too slow")
	assert.Equal(t, "[FRAGMENT_TIMEOUT] upstream too slow", err.Error())

	wrapped := err.WithCause(errors.New("dial tcp: timeout"))
	assert.Contains(t, wrapped.Error(), "dial tcp: timeout")
}

func TestError_WithHTTPStatusOverride(t *testing.T) {
	err := New(CodeTemplateFetchError, "boom").WithHTTPStatus(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, err.HTTPStatus)
}

func TestError_Is(t *testing.T) {
	a := New(CodeFragmentUpstreamError, "a")
	b := New(CodeFragmentUpstreamError, "b")
	c := New(CodePrimaryFragmentError, "c")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(CodeDownstreamWriteError, "write failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(CodeTemplateNotFound))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(CodeTemplateFetchError))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(CodePrimaryFragmentError))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(Code("UNKNOWN")))
}

func TestCodeOf(t *testing.T) {
	err := New(CodeFragmentTimeout, "slow")
	assert.Equal(t, CodeFragmentTimeout, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain error")))
}

func TestIsRetryable(t *testing.T) {
	retryable := New(CodeFragmentUpstreamError, "x").WithRetryable(true)
	notRetryable := New(CodeFragmentUpstreamError, "y")

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(notRetryable))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestError_WithPresentable(t *testing.T) {
	err := New(CodeTemplateNotFound, "missing").WithPresentable("<h1>Not found</h1>")
	assert.Equal(t, "<h1>Not found</h1>", err.Presentable)
}
