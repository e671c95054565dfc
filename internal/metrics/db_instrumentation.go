package metrics

import "time"

// MeasureDBQuery times one storage operation:
//
//	defer metrics.MeasureDBQuery(m, "get_user", "postgres")()
//
// Nil-safe so the memory backend and tests can skip instrumentation.
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}
