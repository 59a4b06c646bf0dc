package manager

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// Used to keep a running average of duration for a specific budget.
type averageDuration struct {
	count    int64
	duration time.Duration
}

func (ad *averageDuration) update(d time.Duration) {
	ad.count++
	ad.duration = ad.duration + time.Duration(int64(d-ad.duration)/ad.count)
}

func addOrUpdateDuration(durations *lru.Cache, key string, d time.Duration) {
	if v, ok := durations.Get(key); !ok {
		durations.Add(key, &averageDuration{count: 1, duration: d})
	} else {
		v.(*averageDuration).update(d)
	}
}

// durationKey is how a trial's budget is spelled in the statistics; trials
// without one share the empty key.
func (m *Manager) durationKey(t *TrialJob) string {
	if v, ok := t.Parameters[m.budgetKey]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func (m *Manager) addDuration(t *TrialJob, d time.Duration) {
	addOrUpdateDuration(m.durations, m.durationKey(t), d)
}

func (m *Manager) statistics() JobStatistics {
	counts := map[ts.Status]int{}
	for _, t := range m.order {
		counts[t.Status]++
	}
	out := JobStatistics{AverageDurations: map[string]time.Duration{}}
	for status, n := range counts {
		out.Counts = append(out.Counts, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out.Counts, func(i, j int) bool { return out.Counts[i].Status < out.Counts[j].Status })
	for _, k := range m.durations.Keys() {
		if v, ok := m.durations.Peek(k); ok {
			out.AverageDurations[k.(string)] = v.(*averageDuration).duration
		}
	}
	return out
}
