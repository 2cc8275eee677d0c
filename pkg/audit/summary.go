package audit

import (
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/bastion/pkg/protection"
)

const topUsersLimit = 10

func isFailedAction(action string) bool {
	return strings.HasSuffix(action, "_failed")
}

func summarize(facts []Fact) *ActivitySummary {
	s := &ActivitySummary{
		ActionsByType:     make(map[string]int),
		ResourcesAccessed: make(map[string]int),
	}

	for i := range facts {
		f := &facts[i]
		s.TotalActions++
		s.ActionsByType[f.Action]++
		s.ResourcesAccessed[f.ResourceType]++
		if f.Sensitivity.AtLeast(protection.Confidential) {
			s.SensitiveActions++
		}
		if isFailedAction(f.Action) {
			s.FailedActions++
		}
		if s.LastActivity == nil || f.Timestamp.After(*s.LastActivity) {
			ts := f.Timestamp
			s.LastActivity = &ts
		}
	}
	return s
}

func aggregate(facts []Fact, days int) *Stats {
	s := &Stats{
		PeriodDays:      days,
		ActionsByType:   make(map[string]int),
		ResourcesByType: make(map[string]int),
		SensitivityBreakdown: map[string]int{
			string(protection.Public):       0,
			string(protection.Internal):     0,
			string(protection.Confidential): 0,
			string(protection.Restricted):   0,
		},
		HourlyDistribution: make(map[string]int, 24),
	}
	for h := 0; h < 24; h++ {
		s.HourlyDistribution[strconv.Itoa(h)] = 0
	}

	perUser := make(map[int64]int)
	for i := range facts {
		f := &facts[i]
		s.TotalActions++
		s.ActionsByType[f.Action]++
		s.ResourcesByType[f.ResourceType]++
		s.SensitivityBreakdown[strings.ToLower(string(f.Sensitivity))]++
		if isFailedAction(f.Action) {
			s.FailedActions++
		}
		if f.UserID != nil {
			perUser[*f.UserID]++
		}
		s.HourlyDistribution[strconv.Itoa(f.Timestamp.UTC().Hour())]++
	}

	s.UniqueUsers = len(perUser)
	s.TopUsers = make([]UserCount, 0, len(perUser))
	for id, n := range perUser {
		s.TopUsers = append(s.TopUsers, UserCount{UserID: id, Count: n})
	}
	sort.Slice(s.TopUsers, func(i, j int) bool {
		if s.TopUsers[i].Count != s.TopUsers[j].Count {
			return s.TopUsers[i].Count > s.TopUsers[j].Count
		}
		return s.TopUsers[i].UserID < s.TopUsers[j].UserID
	})
	if len(s.TopUsers) > topUsersLimit {
		s.TopUsers = s.TopUsers[:topUsersLimit]
	}
	return s
}
