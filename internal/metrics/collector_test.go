package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_SetStateIsOneHot(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SetState("running")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.SessionState.WithLabelValues("idle")))

	c.SetState("ending")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.SessionState.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionState.WithLabelValues("ending")))
}

func TestCollector_TurnCounters(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.TurnsTotal.WithLabelValues("llm1", "completed").Inc()
	c.TurnsTotal.WithLabelValues("llm1", "error").Inc()
	c.TurnErrorsTotal.WithLabelValues("tts").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.TurnsTotal.WithLabelValues("llm1", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TurnErrorsTotal.WithLabelValues("tts")))
}

func TestCollector_IsolatedRegistries(t *testing.T) {
	// 两个采集器各挂各的 registry，互不冲突
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.HumanInterrupts.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.HumanInterrupts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HumanInterrupts))
}

func TestHTTPCollector_RecordRequest(t *testing.T) {
	c := NewHTTP(prometheus.NewRegistry())

	c.RecordRequest("GET", "/health", 200, 10*time.Millisecond, 0, 64)
	c.RecordRequest("POST", "/api/v1/sessions", 201, 50*time.Millisecond, 512, 128)
	c.RecordRequest("POST", "/api/v1/sessions", 400, 5*time.Millisecond, 16, 32)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("POST", "/api/v1/sessions", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("POST", "/api/v1/sessions", "4xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.requestDuration))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "unknown", statusClass(99))
}
