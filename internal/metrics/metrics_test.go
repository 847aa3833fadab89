package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestSent("Runtime.evaluate")
		m.RequestFailed("transport")
		m.ReplyReceived()
		m.StaleReply()
		m.MalformedFrame()
		m.EventReceived("Target.targetCreated")
		m.SetPending(3)
		m.AttachStarted()
		m.AttachFailed("createIsolatedWorld")
		m.SetAttached(1)
		m.RelayCall("ok")
		m.BackendCall("error")
	})
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.StaleReply()
	a.StaleReply()
	b.StaleReply()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.StaleReplies))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.StaleReplies))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RequestSent("Browser.getVersion")
	m.SetAttached(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `shellbridge_requests_sent_total{method="Browser.getVersion"} 1`), body)
	assert.True(t, strings.Contains(body, "shellbridge_attached_targets 2"), body)
}
