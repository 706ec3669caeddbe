package rollup

import (
	"time"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

const (
	defaultStartOffset = 72 * time.Hour
	defaultEndOffset   = 15 * time.Minute
	defaultInterval    = time.Hour
)

// Shipped returns the built-in aggregation set. All definitions refresh
// hourly over a 72-hour lookback, staying 15 minutes behind now so late
// arrivals land before their bucket is finalized.
func Shipped() []Definition {
	return []Definition{
		apiRequestsHourly(),
		apiRequestsDaily(),
		authLoginsDaily(),
		tasksHourly(),
		tasksDaily(),
		integrationsDaily(),
		errorsHourly(),
	}
}

func groupByService() []GroupKey {
	return []GroupKey{{
		Column: "service",
		Value: func(ev storage.StoredEvent) (string, bool) {
			return ev.Service, ev.Service != ""
		},
	}}
}

func payloadGroup(column, field string) []GroupKey {
	return []GroupKey{{
		Column: column,
		Value: func(ev storage.StoredEvent) (string, bool) {
			return ev.PayloadString(field)
		},
	}}
}

func kindIs(kind event.Kind) func(storage.StoredEvent) bool {
	return func(ev storage.StoredEvent) bool { return ev.Kind == kind }
}

func payloadIsTrue(field string) func(storage.StoredEvent) bool {
	return func(ev storage.StoredEvent) bool {
		v, ok := ev.PayloadBool(field)
		return ok && v
	}
}

func payloadIsFalse(field string) func(storage.StoredEvent) bool {
	return func(ev storage.StoredEvent) bool {
		v, ok := ev.PayloadBool(field)
		return ok && !v
	}
}

func statusAtLeast(code int64) func(storage.StoredEvent) bool {
	return func(ev storage.StoredEvent) bool {
		v, ok := ev.PayloadInt64("status_code")
		return ok && v >= code
	}
}

func apiRequestsHourly() Definition {
	return Definition{
		Name:    "api_requests_hourly",
		Bucket:  time.Hour,
		Kinds:   []event.Kind{event.KindAPIRequest},
		GroupBy: groupByService(),
		Reducers: []Reducer{
			{Column: "request_count", Kind: Count},
			{Column: "error_count", Kind: CountIf, Predicate: statusAtLeast(500)},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
			{Column: "avg_duration_ms", Kind: Mean, Field: "duration_ms"},
			{Column: "p50_duration_ms", Kind: Percentile, Field: "duration_ms", Quantile: 0.50},
			{Column: "p95_duration_ms", Kind: Percentile, Field: "duration_ms", Quantile: 0.95},
			{Column: "p99_duration_ms", Kind: Percentile, Field: "duration_ms", Quantile: 0.99},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func apiRequestsDaily() Definition {
	return Definition{
		Name:    "api_requests_daily",
		Bucket:  24 * time.Hour,
		Kinds:   []event.Kind{event.KindAPIRequest},
		GroupBy: groupByService(),
		Reducers: []Reducer{
			{Column: "request_count", Kind: Count},
			{Column: "error_count", Kind: CountIf, Predicate: statusAtLeast(500)},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
			{Column: "avg_duration_ms", Kind: Mean, Field: "duration_ms"},
			{Column: "p95_duration_ms", Kind: Percentile, Field: "duration_ms", Quantile: 0.95},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func authLoginsDaily() Definition {
	return Definition{
		Name:   "auth_logins_daily",
		Bucket: 24 * time.Hour,
		Kinds:  []event.Kind{event.KindAuthLoginAttempt},
		Reducers: []Reducer{
			{Column: "attempt_count", Kind: Count},
			{Column: "success_count", Kind: CountIf, Predicate: payloadIsTrue("success")},
			{Column: "failure_count", Kind: CountIf, Predicate: payloadIsFalse("success")},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func taskKinds() []event.Kind {
	return []event.Kind{
		event.KindTaskCreated,
		event.KindTaskStarted,
		event.KindTaskCompleted,
		event.KindTaskFailed,
		event.KindTaskCancelled,
	}
}

func tasksHourly() Definition {
	return Definition{
		Name:   "tasks_hourly",
		Bucket: time.Hour,
		Kinds:  taskKinds(),
		Reducers: []Reducer{
			{Column: "event_count", Kind: Count},
			{Column: "completed_count", Kind: CountIf, Predicate: kindIs(event.KindTaskCompleted)},
			{Column: "failed_count", Kind: CountIf, Predicate: kindIs(event.KindTaskFailed)},
			{Column: "avg_duration_ms", Kind: Mean, Field: "duration_ms"},
			{Column: "p95_duration_ms", Kind: Percentile, Field: "duration_ms", Quantile: 0.95},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func tasksDaily() Definition {
	return Definition{
		Name:   "tasks_daily",
		Bucket: 24 * time.Hour,
		Kinds:  taskKinds(),
		Reducers: []Reducer{
			{Column: "event_count", Kind: Count},
			{Column: "completed_count", Kind: CountIf, Predicate: kindIs(event.KindTaskCompleted)},
			{Column: "failed_count", Kind: CountIf, Predicate: kindIs(event.KindTaskFailed)},
			{Column: "cancelled_count", Kind: CountIf, Predicate: kindIs(event.KindTaskCancelled)},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func integrationsDaily() Definition {
	return Definition{
		Name:   "integrations_daily",
		Bucket: 24 * time.Hour,
		Kinds: []event.Kind{
			event.KindIntegrationConnected,
			event.KindIntegrationDisconnected,
			event.KindIntegrationUsed,
			event.KindIntegrationError,
		},
		GroupBy: payloadGroup("provider", "provider"),
		Reducers: []Reducer{
			{Column: "event_count", Kind: Count},
			{Column: "error_count", Kind: CountIf, Predicate: kindIs(event.KindIntegrationError)},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}

func errorsHourly() Definition {
	return Definition{
		Name:    "errors_hourly",
		Bucket:  time.Hour,
		Kinds:   []event.Kind{event.KindApplicationError},
		GroupBy: groupByService(),
		Reducers: []Reducer{
			{Column: "error_count", Kind: Count},
			{Column: "distinct_users", Kind: DistinctCount, Field: FieldUserID},
			{Column: "first_message", Kind: FirstValue, Field: "error_message"},
		},
		StartOffset: defaultStartOffset,
		EndOffset:   defaultEndOffset,
		Interval:    defaultInterval,
	}
}
