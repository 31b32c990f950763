package metrics

import "testing"

func TestIncAccumulates(t *testing.T) {
	r := NewRegistry()
	r.Inc("x", 1)
	r.Inc("x", 2)
	if got := r.Counter("x"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestRecordAvailabilityErrorSetsFixedGauge(t *testing.T) {
	r := NewRegistry()
	r.RecordAvailabilityError("p0")
	if got := r.Gauge(OnlineRedisAvailability); got != 10001 {
		t.Fatalf("expected availability gauge 10001, got %v", got)
	}
	if got := r.Counter(OnlineRedisAvailability + "/count"); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}
