package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketGauge(t *testing.T) {
	before := testutil.ToFloat64(socketsActive)
	total := testutil.ToFloat64(socketsTotal)

	RecordSocketOpened()
	RecordSocketOpened()
	RecordSocketClosed()

	assert.Equal(t, before+1, testutil.ToFloat64(socketsActive))
	assert.Equal(t, total+2, testutil.ToFloat64(socketsTotal))
}

func TestLabelledCounters(t *testing.T) {
	in := testutil.ToFloat64(socketMessages.WithLabelValues("in"))
	RecordMessage("in")
	assert.Equal(t, in+1, testutil.ToFloat64(socketMessages.WithLabelValues("in")))

	ok := testutil.ToFloat64(commands.WithLabelValues("blank", "simpleFunc", "ok"))
	RecordCommand("blank", "simpleFunc", "ok", 5*time.Millisecond)
	assert.Equal(t, ok+1, testutil.ToFloat64(commands.WithLabelValues("blank", "simpleFunc", "ok")))

	SetPeers(3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(peersActive.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(peersActive.WithLabelValues("disconnected")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordHandshake("connect", "accepted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teleport_peers_handshakes_total")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/broken", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/broken", "500"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/broken", "500")))

	line := buf.String()
	assert.True(t, strings.Contains(line, `"level":"error"`), line)
	assert.Contains(t, line, `"path":"/broken"`)
}
