package stats

import (
	"testing"
	"time"
)

func TestPrecisionChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should be millis.")
	}

	statp := stat.Precision(time.Microsecond).(*defaultStatsReceiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should still be millis.")
	}
	if statp.precision != time.Microsecond {
		t.Fatal("New stat precision should be micros.")
	}
}

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should be empty.")
	}

	statp := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should still be empty.")
	}
	if len(statp.scope) != 2 || statp.scope[0] != "a_SLASH_b" || statp.scope[1] != "c" {
		t.Fatal("Invalid scope value: ", statp.scope)
	}
	if statp.scopedName("d") != "a_SLASH_b/c/d" {
		t.Fatal("Invalid scope name: " + statp.scopedName("d"))
	}
}

func TestMarshal(t *testing.T) {
	defer func() { Now = time.Now }()
	base := time.Unix(0, 0)
	calls := []time.Duration{0, 5, 0, 10}
	Now = func() time.Time {
		d := calls[0]
		calls = calls[1:]
		return base.Add(d)
	}

	reg := NewFinagleStatsRegistry()
	reg.GetOrRegister("counter", NewCounter()).(Counter).Inc(1)
	reg.GetOrRegister("gauge", NewGauge()).(Gauge).Update(2)
	reg.GetOrRegister("latency", NewLatency()).(Latency).Time().Stop()
	reg.GetOrRegister("latency", NewLatency()).(Latency).Time().Stop()

	bytes, err := reg.(MarshalerPretty).MarshalJSONPretty()
	expected :=
		`{
  "counter": 1,
  "gauge": 2,
  "latency.avg": 7.5,
  "latency.count": 2,
  "latency.max": 10,
  "latency.min": 5,
  "latency.p50": 7.5,
  "latency.p90": 10,
  "latency.p99": 10,
  "latency.sum": 15
}`
	if string(bytes) != expected {
		t.Fatal("Wrong json marshal output: ", string(bytes), err)
	}
}

func TestRenderClearsHistograms(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter(ManagerTrialsSubmittedCounter).Inc(3)
	stat.Histogram("h").Update(4)

	rendered := string(stat.Render(false))
	if rendered != `{"h.avg":4,"h.count":1,"h.max":4,"h.min":4,"h.p50":4,"h.p90":4,"h.p99":4,"h.sum":4,"trialsSubmittedCounter":3}` {
		t.Fatal("Unexpected render", rendered)
	}
	if stat.Histogram("h").Count() != 0 {
		t.Fatal("Expected histogram to be cleared after render")
	}
	if stat.Counter(ManagerTrialsSubmittedCounter).Count() != 3 {
		t.Fatal("Counters should survive a render")
	}
}

func TestNilReceiver(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Scope("x").Counter("c").Inc(1)
	stat.Latency("l").Time().Stop()
	if len(stat.Render(true)) != 0 {
		t.Fatal("nil receiver should render nothing")
	}
}
