package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Frame("text")
	m.AudioOverrun("rx")
	m.Clients(3)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Frame("audio")
	m.Frame("audio")
	m.Desync()
	m.AudioOverrun("rx")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.desyncs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audioOverruns.WithLabelValues("rx")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.UnknownCommand()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "k4d_cat_unknown_total 1"))
}
