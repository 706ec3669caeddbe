package rollup

import (
	"math"
	"sort"

	"github.com/statlake/statlake/pkg/storage"
)

// reducerState accumulates one reducer's inputs for one (bucket, group)
// row. Events are fed in timestamp-ascending order, which is what makes
// FirstValue deterministic.
type reducerState struct {
	r Reducer

	count    int64
	distinct map[string]struct{}
	sum      float64
	n        int64
	values   []float64
	first    string
	firstSet bool
}

func newReducerState(r Reducer) *reducerState {
	s := &reducerState{r: r}
	if r.Kind == DistinctCount {
		s.distinct = make(map[string]struct{})
	}
	return s
}

func (s *reducerState) observe(ev storage.StoredEvent) {
	switch s.r.Kind {
	case Count:
		s.count++
	case CountIf:
		if s.r.Predicate(ev) {
			s.count++
		}
	case DistinctCount:
		if v, ok := distinctValue(ev, s.r.Field); ok {
			s.distinct[v] = struct{}{}
		}
	case Mean:
		if v, ok := numericField(ev, s.r.Field); ok {
			s.sum += v
			s.n++
		}
	case Percentile:
		if v, ok := numericField(ev, s.r.Field); ok {
			s.values = append(s.values, v)
		}
	case FirstValue:
		if s.firstSet {
			return
		}
		if v, ok := ev.PayloadString(s.r.Field); ok {
			s.first = v
			s.firstSet = true
		}
	}
}

// result returns the value to store, nil meaning SQL NULL. Counting
// reducers over empty input yield 0, numeric and first-value reducers
// yield NULL.
func (s *reducerState) result() any {
	switch s.r.Kind {
	case Count, CountIf:
		return s.count
	case DistinctCount:
		return int64(len(s.distinct))
	case Mean:
		if s.n == 0 {
			return nil
		}
		return s.sum / float64(s.n)
	case Percentile:
		if len(s.values) == 0 {
			return nil
		}
		return nearestRank(s.values, s.r.Quantile)
	case FirstValue:
		if !s.firstSet {
			return nil
		}
		return s.first
	}
	return nil
}

// nearestRank returns the q-quantile by the nearest-rank method: the
// smallest value with at least ceil(q*n) samples at or below it.
// Mutates values (sorts in place).
func nearestRank(values []float64, q float64) float64 {
	sort.Float64s(values)
	rank := int(math.Ceil(q * float64(len(values))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(values) {
		rank = len(values)
	}
	return values[rank-1]
}

func distinctValue(ev storage.StoredEvent, field string) (string, bool) {
	if field == FieldUserID {
		if ev.UserID == nil {
			return "", false
		}
		return ev.UserID.String(), true
	}
	return ev.PayloadString(field)
}

func numericField(ev storage.StoredEvent, field string) (float64, bool) {
	raw, ok := ev.Payload[field]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
