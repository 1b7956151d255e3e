package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestSamplingNeverDropsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(sampleBelowWarn(core, Config{SamplingInitial: 1, SamplingThereafter: 1000, SamplingWindow: time.Minute}))

	for i := 0; i < 5; i++ {
		log.Info("tick")
		log.Warn("gateway slow")
	}

	assert.Equal(t, 1, logs.FilterMessage("tick").Len())
	assert.Equal(t, 5, logs.FilterMessage("gateway slow").Len())
}

func TestRequestLevel(t *testing.T) {
	cases := []struct {
		route  string
		status int
		want   zapcore.Level
	}{
		{"/health", http.StatusOK, zapcore.DebugLevel},
		{"/metrics", http.StatusInternalServerError, zapcore.DebugLevel},
		{"/api/users/:id", http.StatusOK, zapcore.InfoLevel},
		{"/api/users/:id", http.StatusNotFound, zapcore.InfoLevel},
		{"/api/payments/pay-per-view", http.StatusTooManyRequests, zapcore.WarnLevel},
		{webhookRoute, http.StatusBadRequest, zapcore.WarnLevel},
		{webhookRoute, http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, requestLevel(tc.route, tc.status), "%s %d", tc.route, tc.status)
	}
}

func TestGinMiddlewareLogsClassifiedError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "authenticity_error", "invalid_webhook_signature" },
	}))
	r.POST(webhookRoute, func(c *gin.Context) {
		c.Set("external_event_id", "evt_1")
		_ = c.Error(errors.New("bad signature"))
		c.Status(http.StatusBadRequest)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, webhookRoute, nil)
	req.Header.Set(requestIDHeader, "req-1")
	r.ServeHTTP(w, req)

	require.Equal(t, "req-1", w.Header().Get(requestIDHeader))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "evt_1", fields["external_event_id"])
	assert.Equal(t, "invalid_webhook_signature", fields["error_code"])
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestGormQueryLevel(t *testing.T) {
	dup := errors.New("duplicate key")
	l := NewGormLogger(GormLoggerConfig{
		SlowThreshold: 100 * time.Millisecond,
		ExpectedError: func(err error) bool { return errors.Is(err, dup) },
	})

	_, ok := l.queryLevel(time.Millisecond, gormlogger.ErrRecordNotFound)
	assert.False(t, ok)

	level, ok := l.queryLevel(time.Millisecond, dup)
	assert.True(t, ok)
	assert.Equal(t, zapcore.DebugLevel, level)

	level, _ = l.queryLevel(time.Millisecond, errors.New("connection reset"))
	assert.Equal(t, zapcore.ErrorLevel, level)

	level, ok = l.queryLevel(time.Second, nil)
	assert.True(t, ok)
	assert.Equal(t, zapcore.WarnLevel, level)

	_, ok = l.queryLevel(time.Millisecond, nil)
	assert.False(t, ok)

	silent := l.LogMode(gormlogger.Silent).(*GormLogger)
	_, ok = silent.queryLevel(time.Second, errors.New("x"))
	assert.False(t, ok)
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL(`insert into "ledger_entries" ...`))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
