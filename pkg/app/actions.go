package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sdsmon/pkg/sds011"
)

// oneShot runs the sensor commands requested on the command line in a fixed
// order: the reads first, then the writes, then a measurement loop. That way
// a single invocation can inspect the sensor and reconfigure it at once,
// without the writes spoiling the reads.
func (app *App) oneShot() error {
	f := app.config.Flag

	if f.Firmware {
		fw, err := app.dev.FirmwareVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Firmware date: %s\n", fw)
	}

	if f.DeviceID {
		fmt.Printf("Device ID: 0x%04X\n", app.dev.ID())
	}

	if f.ReportingMode {
		m, err := app.dev.ReportingMode()
		if err != nil {
			return err
		}
		fmt.Printf("Reporting mode: %s\n", m)
	}

	if f.WorkMode {
		m, err := app.dev.WorkMode()
		if err != nil {
			return err
		}
		fmt.Printf("Work mode: %s\n", m)
	}

	if f.Period {
		p, err := app.dev.WorkingPeriod()
		if err != nil {
			return err
		}
		if p == 0 {
			fmt.Println("Working period: continuous")
		} else {
			fmt.Printf("Working period: every %d minute(s)\n", p)
		}
	}

	if f.SetDeviceID != "" {
		id, err := parseDeviceID(f.SetDeviceID)
		if err != nil {
			return err
		}

		confirmed, err := app.dev.SetDeviceID(id)
		if err != nil {
			return err
		}
		fmt.Printf("New device ID: 0x%04X\n", confirmed)
	}

	if f.SetWorkMode != "" {
		m, err := parseWorkMode(f.SetWorkMode)
		if err != nil {
			return err
		}
		if err := app.dev.SetWorkMode(m); err != nil {
			return err
		}
	}

	if f.SetPeriod >= 0 {
		if err := app.dev.SetWorkingPeriod(f.SetPeriod); err != nil {
			return err
		}
	}

	if f.SetReporting != "" {
		m, err := parseReportingMode(f.SetReporting)
		if err != nil {
			return err
		}
		if err := app.dev.SetReportingMode(m); err != nil {
			return err
		}
	}

	if f.Query != "" {
		count, delay, err := parseQuerySpec(f.Query)
		if err != nil {
			return err
		}
		return app.queryLoop(count, delay)
	}

	if f.Stream {
		return app.streamDump()
	}

	return nil
}

// queryLoop polls the sensor count times with delay seconds between two
// queries; count 0 keeps polling until the process is killed.
func (app *App) queryLoop(count, delay int) error {
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			time.Sleep(time.Duration(delay) * time.Second)
		}

		m, err := app.dev.Query()
		if err != nil {
			return err
		}
		fmt.Printf("PM2.5: %.2f, PM10: %.2f\n", m.PM25, m.PM10)
	}

	return nil
}

// streamDump prints every measurement the sensor pushes in stream mode.
// Quiet spells happen when the sensor sleeps between working periods, so a
// missing frame starts the next wait instead of ending the dump.
func (app *App) streamDump() error {
	for {
		m, err := app.dev.Read()
		if err != nil {
			if errors.Is(err, sds011.ErrNoResponse) {
				continue
			}
			return err
		}
		fmt.Printf("PM2.5: %.2f, PM10: %.2f\n", m.PM25, m.PM10)
	}
}

// parseWorkMode understands "w"/"work" and "s"/"sleep".
func parseWorkMode(s string) (sds011.WorkMode, error) {
	switch strings.ToLower(s) {
	case "w", "work":
		return sds011.ModeWork, nil
	case "s", "sleep":
		return sds011.ModeSleep, nil
	}

	return 0, fmt.Errorf("unknown work mode %q (use work or sleep)", s)
}

// parseReportingMode understands "q"/"query" and "r"/"report"/"stream".
func parseReportingMode(s string) (sds011.ReportingMode, error) {
	switch strings.ToLower(s) {
	case "q", "query":
		return sds011.ReportQuery, nil
	case "r", "report", "stream":
		return sds011.ReportStream, nil
	}

	return 0, fmt.Errorf("unknown reporting mode %q (use query or stream)", s)
}

// parseDeviceID reads a 16 bit device id in hex, with or without 0x prefix.
func parseDeviceID(s string) (uint16, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("device id %q: %v", s, err)
	}

	return uint16(id), nil
}

// parseQuerySpec splits a COUNT:DELAY argument. COUNT 0 queries endlessly,
// DELAY is the pause between two queries in seconds.
func parseQuerySpec(s string) (count, delay int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("query %q: want COUNT:DELAY", s)
	}

	count, err = strconv.Atoi(parts[0])
	if err == nil {
		delay, err = strconv.Atoi(parts[1])
	}
	if err != nil || count < 0 || delay < 0 {
		return 0, 0, fmt.Errorf("query %q: want COUNT:DELAY", s)
	}

	return count, delay, nil
}
