package app

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"sdsmon/pkg/mqtt"
	"sdsmon/pkg/sds011"

	"github.com/womat/debug"
)

// service fetches measurements from the sensor in an endless loop.
// It saves each measurement to the app main structure and sends it to the mqtt broker.
func (app *App) service() {
	query := app.prepareSensor()

	for {
		var m sds011.Measurement
		var err error

		if query {
			m, err = app.dev.Query()
		} else {
			m, err = app.dev.Read()
		}

		if err != nil {
			// a quiet line is normal while the sensor naps between
			// working periods
			if errors.Is(err, sds011.ErrNoResponse) {
				continue
			}

			debug.ErrorLog.Println(err)
			time.Sleep(time.Second)
			continue
		}

		debug.DebugLog.Printf("measurement: %v", m)
		app.measurement.Lock()
		app.measurement.data = m
		app.measurement.Unlock()
		app.publish(m)

		if query {
			time.Sleep(app.config.Interval)
		}
	}
}

// prepareSensor wakes the sensor up and reports whether measurements have to
// be queried (true) or arrive on their own in the sensors stream mode (false).
func (app *App) prepareSensor() bool {
	if mode, err := app.dev.WorkMode(); err != nil {
		debug.ErrorLog.Printf("reading work mode: %v", err)
	} else if mode == sds011.ModeSleep {
		if err := app.dev.SetWorkMode(sds011.ModeWork); err != nil {
			debug.ErrorLog.Printf("waking sensor: %v", err)
		} else {
			debug.WarningLog.Printf("sensor was sleeping, measurements settle after %v", sds011.WarmUp)
		}
	}

	mode, err := app.dev.ReportingMode()
	if err != nil {
		debug.ErrorLog.Printf("reading reporting mode: %v", err)
		return false
	}
	return mode == sds011.ReportQuery
}

// publish checks the measurement by deltaT and deltaPM
// and sends it to mqtt if one of the delta values is exceeded.
func (app *App) publish(m sds011.Measurement) {
	app.mqttData.Lock()
	defer app.mqttData.Unlock()

	last := app.mqttData.data

	deltaT := m.Time.Sub(last.Time)
	deltaPM := math.Abs(m.PM25 - last.PM25)
	if d := math.Abs(m.PM10 - last.PM10); d > deltaPM {
		deltaPM = d
	}

	if deltaT >= app.config.MQTT.Interval || deltaPM >= app.config.MQTT.DeltaPM {
		app.sendMQTT(app.config.MQTT.Topic, m)
		app.mqttData.data = m
	}
}

// sendMQTT send the measurement to the mqtt broker.
func (app *App) sendMQTT(topic string, m sds011.Measurement) {
	go func(t string, r sds011.Measurement) {
		debug.TraceLog.Printf("prepare mqtt message %v %v", t, r)

		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			debug.ErrorLog.Printf("sendMQTT marshal: %v", err)
			return
		}

		app.mqtt.C <- mqtt.Message{
			Qos:      0,
			Retained: true,
			Topic:    t,
			Payload:  b,
		}
	}(topic, m)
}
