package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/token"
)

// mockClient scripts Complete and Validate outcomes.
type mockClient struct {
	completeFn func(ctx context.Context, req Request) (*Response, error)
	validateFn func(ctx context.Context) error
	calls      int
}

func (m *mockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls++
	if m.completeFn != nil {
		return m.completeFn(ctx, req)
	}
	return &Response{Text: "ok", Model: req.Model, InputTokens: 10, OutputTokens: 5, Latency: time.Millisecond}, nil
}

func (m *mockClient) Validate(ctx context.Context) error {
	if m.validateFn != nil {
		return m.validateFn(ctx)
	}
	return nil
}

func newTestRegistry() *Registry {
	return NewRegistry(token.NewEstimator())
}

func register(r *Registry, name string, client Client) {
	r.Register(name, ClientConfig{Name: name, BaseURL: "http://test"}, Descriptor{
		Capabilities:    NewCapabilities(CapTools),
		MaxOutputTokens: 4096,
	}, map[string]Pricing{
		"m1": {InputPer1K: 0.01, OutputPer1K: 0.03},
	}, client)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	register(r, "zai", &mockClient{})
	register(r, "zai", &mockClient{})

	assert.Len(t, r.Names(), 1)
	require.NotNil(t, r.Get("zai"))
	assert.Nil(t, r.Get("missing"))
}

func TestRegistry_ValidateRecordsOutcome(t *testing.T) {
	r := newTestRegistry()
	register(r, "good", &mockClient{})
	register(r, "bad", &mockClient{validateFn: func(ctx context.Context) error {
		return NewError(KindProviderAuth, "401")
	}})

	assert.True(t, r.Validate(context.Background(), "good"))
	assert.False(t, r.Validate(context.Background(), "bad"))
	assert.False(t, r.Validate(context.Background(), "missing"))

	assert.Equal(t, []string{"good"}, r.ValidNames())
}

func TestRegistry_InvokeAuthFailureMarksInvalid(t *testing.T) {
	r := newTestRegistry()
	register(r, "zai", &mockClient{completeFn: func(ctx context.Context, req Request) (*Response, error) {
		return nil, NewError(KindProviderAuth, "revoked")
	}})
	require.True(t, r.Validate(context.Background(), "zai"))

	_, err := r.Invoke(context.Background(), "zai", Request{Model: "m1", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindProviderAuth, KindOf(err))
	assert.False(t, r.Get("zai").Valid)
}

func TestRegistry_InvokeUnknownProvider(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Invoke(context.Background(), "ghost", Request{})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRegistry_PricingFor(t *testing.T) {
	r := newTestRegistry()
	register(r, "zai", &mockClient{})

	p, ok := r.PricingFor("zai", "m1")
	require.True(t, ok)
	assert.Equal(t, 0.01, p.InputPer1K)

	_, ok = r.PricingFor("zai", "unpriced")
	assert.False(t, ok)
	_, ok = r.PricingFor("ghost", "m1")
	assert.False(t, ok)
}

func TestRegistry_SnapshotReadsSurviveConcurrentRegister(t *testing.T) {
	r := newTestRegistry()
	register(r, "zai", &mockClient{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			register(r, "zai", &mockClient{})
		}
	}()
	for i := 0; i < 200; i++ {
		_ = r.Get("zai")
		_ = r.Names()
	}
	<-done
}
