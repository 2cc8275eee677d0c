package webhooks

import (
	"sort"
	"sync"
	"time"
)

// DeliveryStatus represents the final status of a delivery
type DeliveryStatus string

const (
	DeliveryStatusSuccess      DeliveryStatus = "success"
	DeliveryStatusFailed       DeliveryStatus = "failed"
	DeliveryStatusDeadLettered DeliveryStatus = "dead_lettered"
)

// DeliveryLog records one delivery of one envelope to one integration
type DeliveryLog struct {
	ID            string         `json:"id"`
	IntegrationID int64          `json:"integration_id"`
	EventID       string         `json:"event_id"`
	Event         Event          `json:"event"`
	URL           string         `json:"url"`
	Status        DeliveryStatus `json:"status"`
	StatusCode    int            `json:"status_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Attempts      int            `json:"attempts"`
	Signed        bool           `json:"signed"`
	Replayed      bool           `json:"replayed,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Duration      time.Duration  `json:"duration"`
}

// DeliveryLogStore is a bounded in-memory delivery history
type DeliveryLogStore struct {
	logs    map[string]*DeliveryLog
	mutex   sync.RWMutex
	maxLogs int
}

// NewDeliveryLogStore creates a new delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add stores a copy of log, evicting the oldest entries when full
func (s *DeliveryLogStore) Add(log DeliveryLog) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.logs) >= s.maxLogs {
		s.evictOldest()
	}
	s.logs[log.ID] = &log
}

// Get retrieves a delivery log by ID
func (s *DeliveryLogStore) Get(id string) (DeliveryLog, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return DeliveryLog{}, false
	}
	return *log, true
}

// ByIntegration returns the newest deliveries for an integration
func (s *DeliveryLogStore) ByIntegration(integrationID int64, limit int) []DeliveryLog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := []DeliveryLog{}
	for _, log := range s.logs {
		if log.IntegrationID == integrationID {
			result = append(result, *log)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ByEvent returns every delivery of one envelope
func (s *DeliveryLogStore) ByEvent(eventID string) []DeliveryLog {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []DeliveryLog
	for _, log := range s.logs {
		if log.EventID == eventID {
			result = append(result, *log)
		}
	}
	return result
}

// evictOldest removes the oldest 10% of logs
func (s *DeliveryLogStore) evictOldest() {
	logs := make([]*DeliveryLog, 0, len(s.logs))
	for _, log := range s.logs {
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})

	evictCount := len(logs) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(logs); i++ {
		delete(s.logs, logs[i].ID)
	}
}

// Stats returns delivery statistics for an integration
func (s *DeliveryLogStore) Stats(integrationID int64) DeliveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := DeliveryStats{IntegrationID: integrationID}
	var successDuration time.Duration

	for _, log := range s.logs {
		if log.IntegrationID != integrationID {
			continue
		}

		stats.Total++
		stats.TotalAttempts += log.Attempts
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			successDuration += log.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusDeadLettered:
			stats.Failed++
			stats.DeadLettered++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = successDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats summarizes deliveries for an integration
type DeliveryStats struct {
	IntegrationID   int64         `json:"integration_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	DeadLettered    int           `json:"dead_lettered"`
	TotalAttempts   int           `json:"total_attempts"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}
