package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("scope", "stk_callback"),
		attribute.String("order_id", "ord-1"),
		attribute.String("phone", "0712345678"),
		attribute.String("outcome", "replay"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("scope"))
	assert.Contains(t, keys, attribute.Key("outcome"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSTKInitiation(context.Background(), "accepted")
	m.RecordTransition(context.Background(), "initiated", "paid", "callback")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "duka"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordCallback(context.Background(), "mpesa", "stk_callback", "processed")
	m.RecordIdempotency(context.Background(), "stk_callback", "replay")
}
