package resilience

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Unavailable(eris.New("rate limited"), 429)))
	assert.True(t, IsTransient(eris.Wrap(Unavailable(eris.New("overloaded"), 529), "extract: call model")))
	assert.True(t, IsTransient(eris.New("read tcp 10.0.0.1: connection reset by peer")))
	assert.True(t, IsTransient(eris.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(ErrInvalidResponse))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(eris.New("field catalog missing key")))
}

func TestProviderUnavailableUnwraps(t *testing.T) {
	inner := eris.New("503 from upstream")
	pu := Unavailable(inner, 503)

	assert.Equal(t, inner.Error(), pu.Error())
	assert.ErrorIs(t, pu, inner)
	assert.Equal(t, 503, pu.StatusCode)
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
