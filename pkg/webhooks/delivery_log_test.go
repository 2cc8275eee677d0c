package webhooks

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDeliveryLogStore(t *testing.T) {
	tests := []struct {
		name     string
		maxLogs  int
		expected int
	}{
		{"positive max logs", 500, 500},
		{"zero max logs defaults to 1000", 0, 1000},
		{"negative max logs defaults to 1000", -10, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewDeliveryLogStore(tt.maxLogs)
			assert.Equal(t, tt.expected, store.maxLogs)
			assert.NotNil(t, store.logs)
		})
	}
}

func TestDeliveryLogStore_AddStoresCopy(t *testing.T) {
	store := NewDeliveryLogStore(10)

	log := DeliveryLog{ID: "log1", IntegrationID: 1, Status: DeliveryStatusSuccess, CreatedAt: time.Now()}
	store.Add(log)
	log.Status = DeliveryStatusFailed

	got, ok := store.Get("log1")
	assert.True(t, ok)
	assert.Equal(t, DeliveryStatusSuccess, got.Status)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestDeliveryLogStore_ByIntegrationNewestFirst(t *testing.T) {
	store := NewDeliveryLogStore(100)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		store.Add(DeliveryLog{
			ID:            fmt.Sprintf("a%d", i),
			IntegrationID: 1,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}
	store.Add(DeliveryLog{ID: "b0", IntegrationID: 2, CreatedAt: base})

	logs := store.ByIntegration(1, 0)
	assert.Len(t, logs, 5)
	assert.Equal(t, "a4", logs[0].ID)
	assert.Equal(t, "a0", logs[4].ID)

	logs = store.ByIntegration(1, 2)
	assert.Len(t, logs, 2)
	assert.Equal(t, "a3", logs[1].ID)

	assert.Empty(t, store.ByIntegration(3, 10))
	assert.NotNil(t, store.ByIntegration(3, 10))
}

func TestDeliveryLogStore_ByEvent(t *testing.T) {
	store := NewDeliveryLogStore(10)
	store.Add(DeliveryLog{ID: "1", IntegrationID: 1, EventID: "evt"})
	store.Add(DeliveryLog{ID: "2", IntegrationID: 2, EventID: "evt"})
	store.Add(DeliveryLog{ID: "3", IntegrationID: 2, EventID: "other"})

	assert.Len(t, store.ByEvent("evt"), 2)
}

func TestDeliveryLogStore_EvictsOldest(t *testing.T) {
	store := NewDeliveryLogStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		store.Add(DeliveryLog{ID: fmt.Sprintf("log%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	store.Add(DeliveryLog{ID: "log10", CreatedAt: base.Add(time.Hour)})

	_, ok := store.Get("log0")
	assert.False(t, ok, "oldest log should be evicted")
	_, ok = store.Get("log1")
	assert.True(t, ok)
	_, ok = store.Get("log10")
	assert.True(t, ok)
	assert.Len(t, store.logs, 10)
}

func TestDeliveryLogStore_Stats(t *testing.T) {
	store := NewDeliveryLogStore(100)
	now := time.Now()

	store.Add(DeliveryLog{ID: "1", IntegrationID: 7, Status: DeliveryStatusSuccess, Attempts: 1, Duration: 100 * time.Millisecond, CreatedAt: now})
	store.Add(DeliveryLog{ID: "2", IntegrationID: 7, Status: DeliveryStatusSuccess, Attempts: 2, Duration: 300 * time.Millisecond, CreatedAt: now})
	store.Add(DeliveryLog{ID: "3", IntegrationID: 7, Status: DeliveryStatusFailed, Attempts: 3, CreatedAt: now})
	store.Add(DeliveryLog{ID: "4", IntegrationID: 7, Status: DeliveryStatusDeadLettered, Attempts: 3, CreatedAt: now})
	store.Add(DeliveryLog{ID: "5", IntegrationID: 8, Status: DeliveryStatusSuccess, Attempts: 1, CreatedAt: now})

	stats := store.Stats(7)
	assert.Equal(t, int64(7), stats.IntegrationID)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 9, stats.TotalAttempts)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 200*time.Millisecond, stats.AverageDuration)

	empty := store.Stats(99)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}
