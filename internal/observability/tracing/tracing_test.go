package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), "", true)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "anchor")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), "127.0.0.1:4318", true)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "publish")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// nothing listens on the endpoint; only check it returns
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
