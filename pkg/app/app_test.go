package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"sdsmon/pkg/app/config"
	"sdsmon/pkg/mqtt"
	"sdsmon/pkg/sds011"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/womat/debug"
)

// the code under test logs, give the loggers a destination before anything runs
func TestMain(m *testing.M) {
	debug.SetDebug(os.Stderr, 0)
	os.Exit(m.Run())
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	a, err := New(cfg)
	require.NoError(t, err)
	a.initDefaultRoutes()
	return a
}

// TestPublishGating feeds measurements to publish and watches the mqtt
// channel: the first one always goes out, afterwards only when the delta
// interval has passed or a PM value moved far enough.
func TestPublishGating(t *testing.T) {
	cfg := config.NewConfig()
	cfg.MQTT.Interval = time.Hour
	cfg.MQTT.DeltaPM = 5

	a := &App{config: cfg, mqtt: mqtt.New()}

	published := func() (mqtt.Message, bool) {
		select {
		case msg := <-a.mqtt.C:
			return msg, true
		case <-time.After(time.Second):
			return mqtt.Message{}, false
		}
	}
	suppressed := func() bool {
		select {
		case <-a.mqtt.C:
			return false
		case <-time.After(50 * time.Millisecond):
			return true
		}
	}

	base := time.Now()

	a.publish(sds011.Measurement{Time: base, PM25: 10, PM10: 20})
	msg, ok := published()
	require.True(t, ok, "first measurement must be published")
	assert.Equal(t, cfg.MQTT.Topic, msg.Topic)
	assert.True(t, msg.Retained)

	var got sds011.Measurement
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, 10.0, got.PM25)
	assert.Equal(t, 20.0, got.PM10)

	// a small wiggle right afterwards stays local
	a.publish(sds011.Measurement{Time: base.Add(time.Second), PM25: 11, PM10: 21})
	assert.True(t, suppressed(), "small delta must not be published")

	// a jump beyond DeltaPM goes out no matter how recent
	a.publish(sds011.Measurement{Time: base.Add(2 * time.Second), PM25: 30, PM10: 21})
	msg, ok = published()
	require.True(t, ok, "large delta must be published")
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, 30.0, got.PM25)

	// and after the interval even an unchanged value goes out
	a.publish(sds011.Measurement{Time: base.Add(2 * time.Hour), PM25: 30.5, PM10: 21})
	_, ok = published()
	require.True(t, ok, "interval expiry must be published")
}

func TestHandleVersion(t *testing.T) {
	a := newTestApp(t, config.NewConfig())

	resp, err := a.web.Test(httptest.NewRequest(http.MethodGet, "/version", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, VERSION, body["version"])
	assert.Equal(t, MODULE, body["description"])
	assert.Equal(t, Version(), body["about"])
}

func TestHandleHealth(t *testing.T) {
	a := newTestApp(t, config.NewConfig())

	resp, err := a.web.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, VERSION, body["Version"])
	assert.Contains(t, body, "Uptime")
	assert.Contains(t, body, "NumGoroutines")
}

func TestHandleData(t *testing.T) {
	a := newTestApp(t, config.NewConfig())
	a.deviceID = 0xA160
	a.measurement.data = sds011.Measurement{
		Time: time.Date(2021, 10, 18, 6, 30, 0, 0, time.UTC),
		PM25: 12.3,
		PM10: 45.6,
	}

	resp, err := a.web.Test(httptest.NewRequest(http.MethodGet, "/data", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		PM25   float64 `json:"pm2.5"`
		PM10   float64 `json:"pm10"`
		Device string  `json:"device"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 12.3, body.PM25)
	assert.Equal(t, 45.6, body.PM10)
	assert.Equal(t, "0xA160", body.Device)
}

// TestDisabledWebservice switches a service off in the config and expects
// its route to be gone.
func TestDisabledWebservice(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Webserver.Webservices["data"] = false
	a := newTestApp(t, cfg)

	resp, err := a.web.Test(httptest.NewRequest(http.MethodGet, "/data", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = a.web.Test(httptest.NewRequest(http.MethodGet, "/version", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
