package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"findash/internal/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	l, err := New(config.Log{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, l.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	_, err = New(config.Log{Level: "loud"})
	require.Error(t, err)
}

func TestMiddleware_LogsStatus(t *testing.T) {
	t.Parallel()

	// Arrange
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	// Act
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/quote?symbol=AAPL", nil))

	// Assert
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "/api/quote", line["path"])
	require.EqualValues(t, http.StatusTeapot, line["status"])
	require.Equal(t, "HTTP request", line["msg"])
}
