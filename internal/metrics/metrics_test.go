package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ConnOpened()
	m.BytesIn(10)
	m.SetBitrate("room", 1)
	m.ForgetRoom("room")
	m.FragmentOut()
	m.IngestError("I01")
}

func TestCollectors(t *testing.T) {
	t.Parallel()
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.BytesIn(1500)
	m.FragmentOut()
	m.IngestError("I01")
	m.IngestError("I01")

	if got := testutil.ToFloat64(m.rtmpConnections); got != 1 {
		t.Errorf("connections: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rtmpBytesIn); got != 1500 {
		t.Errorf("bytes in: got %v, want 1500", got)
	}
	if got := testutil.ToFloat64(m.ingestErrors.WithLabelValues("I01")); got != 2 {
		t.Errorf("I01 errors: got %v, want 2", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	t.Parallel()
	m := New()
	m.SetBitrate("r1", 2_500_000)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `beam_rtmp_bitrate_bps{room="r1"} 2.5e+06`) {
		t.Errorf("bitrate series missing from exposition:\n%s", body)
	}
}
