package kafka

import (
	"context"
	"net/url"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbolytics/tabulator/internal/pipeline"
)

func TestNewNotifier(t *testing.T) {
	u, err := url.Parse("kafka://localhost:9092/tabulator.events?acks=1&linger.ms=20")
	require.NoError(t, err)

	n, err := NewNotifier(u)
	require.NoError(t, err)
	assert.Equal(t, "tabulator.events", n.Topic())
	assert.Equal(t, kafka.ConfigValue("localhost:9092"), n.config["bootstrap.servers"])
	assert.Equal(t, kafka.ConfigValue("1"), n.config["acks"])
	assert.Equal(t, kafka.ConfigValue("20"), n.config["linger.ms"])
	assert.Equal(t, kafka.ConfigValue("snappy"), n.config["compression.type"])
}

func TestNewNotifierInvalid(t *testing.T) {
	for _, raw := range []string{"kafka://localhost:9092", "kafka:///events"} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		_, err = NewNotifier(u)
		assert.Error(t, err, raw)
	}
}

func TestNotifyRequiresConnect(t *testing.T) {
	u, err := url.Parse("kafka://localhost:9092/events")
	require.NoError(t, err)
	n, err := NewNotifier(u)
	require.NoError(t, err)
	assert.Error(t, n.Notify(context.Background(), pipeline.Event{DatasetID: "1"}))
	assert.NoError(t, n.Close(context.Background()))
}
