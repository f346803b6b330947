package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveOpRecordsOneSample(t *testing.T) {
	OperationDuration.Reset()

	done := ObserveOp("authorize")
	done()

	ch := make(chan prometheus.Metric, 4)
	OperationDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected histogram with 1 sample")
	}
}

func TestCountersAreLabelled(t *testing.T) {
	AdjustmentRequestsTotal.Reset()
	AdjustmentRequestsTotal.WithLabelValues("rejected").Inc()
	AdjustmentRequestsTotal.WithLabelValues("rejected").Inc()

	m := &dto.Metric{}
	counter, err := AdjustmentRequestsTotal.GetMetricWithLabelValues("rejected")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 2 {
		t.Fatalf("expected 2 rejections, got %f", m.Counter.GetValue())
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{101: "1xx", 200: "2xx", 204: "2xx", 304: "3xx", 409: "4xx", 503: "5xx"}
	for code, want := range cases {
		if got := StatusBucket(code); got != want {
			t.Fatalf("StatusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}
