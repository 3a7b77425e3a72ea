package provider

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{429, KindProviderRateLimit},
		{401, KindProviderAuth},
		{403, KindProviderAuth},
		{500, KindProviderTransient},
		{503, KindProviderTransient},
		{400, KindProviderValidation},
		{404, KindProviderValidation},
		{422, KindProviderValidation},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			e := Normalize("openai", "gpt-4o", tc.status, "boom", nil)
			assert.Equal(t, tc.want, e.Kind)
			assert.Equal(t, "openai", e.Provider)
			assert.Equal(t, "gpt-4o", e.Model)
		})
	}
}

func TestNormalize_RetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	e := Normalize("zai", "glm-4", 429, "rate limited", h)
	require.Equal(t, KindProviderRateLimit, e.Kind)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
	assert.Equal(t, 3*time.Second, RetryAfterOf(e))
}

func TestNormalize_RetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(5*time.Second).UTC().Format(http.TimeFormat))
	e := Normalize("zai", "glm-4", 429, "", h)
	assert.Greater(t, e.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, e.RetryAfter, 5*time.Second)
}

func TestNormalize_TruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	e := Normalize("p", "m", 500, string(long), nil)
	assert.Less(t, len(e.Message), 400)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(KindProviderRateLimit, "429")))
	assert.True(t, IsRetryable(NewError(KindProviderTransient, "502")))
	assert.True(t, IsRetryable(NewError(KindStageTimeout, "deadline")))

	assert.False(t, IsRetryable(NewError(KindProviderAuth, "401")))
	assert.False(t, IsRetryable(NewError(KindProviderValidation, "400")))
	assert.False(t, IsRetryable(NewError(KindBudgetExceeded, "cap")))
	assert.False(t, IsRetryable(NewError(KindCancelled, "bye")))
	assert.False(t, IsRetryable(errors.New("foreign")))
}

func TestKindOf_UnwrapsChains(t *testing.T) {
	inner := NewError(KindProviderAuth, "no key")
	outer := fmt.Errorf("stage 2: %w", inner)
	assert.Equal(t, KindProviderAuth, KindOf(outer))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestWrapError_PreservesChain(t *testing.T) {
	base := errors.New("connection reset")
	e := WrapError(KindProviderTransient, base, "request to %s failed", "zai")
	assert.ErrorIs(t, e, base)
	assert.Contains(t, e.Error(), "provider_transient")
}
