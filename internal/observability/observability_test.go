package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationID(t *testing.T) {
	ctx := EnsureCorrelationID(context.Background())
	id := ExtractCorrelationID(ctx)
	require.NotEmpty(t, id)

	assert.Equal(t, id, ExtractCorrelationID(EnsureCorrelationID(ctx)))
	assert.NotEqual(t, id, GenerateCorrelationID())
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "warden-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	span, ctx := NewSpan(context.Background(), "moderation.issue")
	span.SetError(assert.AnError)
	RecordErrorInContext(ctx, assert.AnError)
	span.End()
}

func TestTrackGatewayCall(t *testing.T) {
	before := testutil.CollectAndCount(GatewayCallLatency)
	TrackGatewayCall("observability_test")()
	assert.Equal(t, before+1, testutil.CollectAndCount(GatewayCallLatency))
}
