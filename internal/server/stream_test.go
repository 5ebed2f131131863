package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yok-tottii/EzS2T-Mix/internal/meter"
)

func dialStream(t *testing.T, f *fixture, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/meter/stream"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestMeterStream(t *testing.T) {
	f := newFixture(t)
	conn, _, err := dialStream(t, f, nil)
	require.NoError(t, err)
	defer conn.Close()

	var m meter.Meter
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, meter.Meter{}, m, "current level is sent on connect")

	f.handler.PublishLevel(meter.Meter{AveragePower: 0.1, PeakPower: 0.2})
	f.handler.PublishLevel(meter.Meter{AveragePower: 0.4, PeakPower: 0.8})

	// Slow readers may skip intermediate values but always see the latest.
	deadline := time.Now().Add(2 * time.Second)
	for m.AveragePower != 0.4 {
		conn.SetReadDeadline(deadline)
		require.NoError(t, conn.ReadJSON(&m))
	}
	assert.Equal(t, 0.8, m.PeakPower)
}

func TestMeterStreamUnsubscribesOnClose(t *testing.T) {
	f := newFixture(t)
	conn, _, err := dialStream(t, f, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.handler.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.handler.subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Publishing without listeners must not block.
	f.handler.PublishLevel(meter.Meter{AveragePower: 0.5, PeakPower: 0.5})
}

func TestMeterStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)

	_, resp, err := dialStream(t, f, http.Header{"Origin": []string{"http://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialStream(t, f, http.Header{"Origin": []string{"http://localhost:18765"}})
	require.NoError(t, err)
	conn.Close()
}
