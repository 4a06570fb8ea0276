package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpdatesLatestAndHistory(t *testing.T) {
	c := New(prometheus.NewRegistry(), 2)

	_, ok := c.Latest()
	assert.False(t, ok)

	c.Record(EpochSnapshot{Epoch: 1, MeanLoss: 2.0, RecordedAt: time.Unix(1, 0)}, time.Second)
	c.Record(EpochSnapshot{Epoch: 2, MeanLoss: 1.5, RecordedAt: time.Unix(2, 0)}, time.Second)
	c.Record(EpochSnapshot{Epoch: 3, MeanLoss: 1.0, RecordedAt: time.Unix(3, 0)}, time.Second)

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 3, latest.Epoch)

	hist := c.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 2, hist[0].Epoch)
	assert.Equal(t, 3, hist[1].Epoch)
}

func TestObserversFireOnRecord(t *testing.T) {
	c := New(prometheus.NewRegistry(), 0)
	var got EpochSnapshot
	c.Observe(func(s EpochSnapshot) { got = s })

	c.Record(EpochSnapshot{Epoch: 7, RecordedAt: time.Unix(1, 0)}, time.Millisecond)
	assert.Equal(t, 7, got.Epoch)
}
