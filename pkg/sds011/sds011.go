// Package sds011 drives the Nova Fitness SDS011 particulate matter sensor
// over its serial protocol.
//
// The sensor answers every configuration command with a single
// acknowledgement frame and, in stream reporting mode, pushes measurement
// frames on its own about once a second. At most one configuration request
// may be outstanding at a time: the device answers out of order or not at
// all when a second request is sent early, and the session is then lost
// until a reconnect. Device keeps this correlation, the cached device id
// and the optional humidity correction for PM2.5 readings.
package sds011

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/womat/debug"
)

var (
	ErrNoResponse    = errors.New("no acknowledgement from sensor")
	ErrOutOfRange    = errors.New("parameter out of range")
	ErrUnreachable   = errors.New("sensor is not reachable")
	ErrUnexpectedAck = errors.New("acknowledgement for a different command")
)

const (
	// UnknownID is the cached device id before the first frame has been decoded.
	UnknownID uint16 = 0xFFFF

	// WarmUp is the time the fan and laser need after entering work mode
	// before measurements stabilize. Callers switching the sensor to work
	// mode should distrust data received within this window.
	WarmUp = 30 * time.Second
)

// Retry budgets. The sensor is polled with short read timeouts, so these
// bounds, not I/O timeouts, keep a mute device from hanging the session.
const (
	defaultAckReads       = 20
	defaultConnectRetries = 10
	defaultPollInterval   = 10 * time.Millisecond

	// readAttempts bounds the partial reads collected for one response frame.
	readAttempts = 5

	// pollsPerResend is the number of fruitless connect polls after which
	// the handshake frame is assumed lost and sent again.
	pollsPerResend = 2
)

// Device drives a single SDS011 sensor over an already opened and already
// configured byte stream.
//
// A Device is not safe for concurrent use. Every command runs to
// completion, including the wait for its acknowledgement, before the next
// one may start.
type Device struct {
	port io.ReadWriter

	// id is the device id carried in the last decoded frame.
	// Every response frame repeats it, so it becomes known without an
	// explicit query.
	id uint16

	// pending is set between sending a configuration command and
	// receiving its acknowledgement.
	pending bool

	// humidity is the relative humidity in percent used to correct PM2.5
	// readings, 0 while the correction is disabled.
	humidity float64

	ackReads       int
	connectRetries int
	pollInterval   time.Duration
}

// Option overrides one of the retry budgets of a Device.
type Option func(*Device)

// WithAckReads bounds how many frames are read while waiting for an
// acknowledgement or a queried measurement.
func WithAckReads(n int) Option {
	return func(d *Device) { d.ackReads = n }
}

// WithConnectRetries bounds how often Connect resends its handshake frame.
func WithConnectRetries(n int) Option {
	return func(d *Device) { d.connectRetries = n }
}

// WithPollInterval sets the delay between two connect poll reads.
func WithPollInterval(t time.Duration) Option {
	return func(d *Device) { d.pollInterval = t }
}

// New wraps an opened serial stream in a Device. The stream must already be
// configured (the sensor talks 9600 8N1) with a short read timeout so that
// a read on a silent line returns instead of blocking.
func New(port io.ReadWriter, opts ...Option) *Device {
	d := &Device{
		port:           port,
		id:             UnknownID,
		ackReads:       defaultAckReads,
		connectRetries: defaultConnectRetries,
		pollInterval:   defaultPollInterval,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// ID reports the device id captured from the last decoded frame, UnknownID
// before the first contact.
func (d *Device) ID() uint16 {
	return d.id
}

// Connect runs the startup handshake and must be called before any other
// command. It sends a firmware version request and polls for the answer,
// resending after every pollsPerResend fruitless polls. Serial over USB
// tends to keep stale bytes of an earlier session buffered; the handshake
// drains them (unmatched frames are discarded) and proves the sensor is
// alive before any state changing command is issued.
func (d *Device) Connect() error {
	if err := d.send(cmdFirmware, nil); err != nil {
		return err
	}

	for resends := 0; ; resends++ {
		for polls := 0; polls < pollsPerResend; polls++ {
			time.Sleep(d.pollInterval)

			r, err := d.readFrame()
			if err != nil {
				continue
			}
			if _, ok := r.(Measurement); ok {
				// stale stream data, keep polling
				continue
			}

			d.pending = false
			debug.InfoLog.Printf("connected to sensor 0x%04X", d.id)
			return nil
		}

		if resends == d.connectRetries {
			d.pending = false
			return ErrUnreachable
		}

		// the frame or its answer got lost, send it again
		d.pending = false
		if err := d.send(cmdFirmware, nil); err != nil {
			return err
		}
	}
}

// ReportingMode asks the sensor whether it streams measurements or answers
// explicit queries.
func (d *Device) ReportingMode() (ReportingMode, error) {
	ack, err := d.config(cmdReportingMode, nil)
	if err != nil {
		return 0, err
	}
	return ReportingMode(ack.value), nil
}

// SetReportingMode switches between streamed measurements (ReportStream)
// and answering explicit queries (ReportQuery).
func (d *Device) SetReportingMode(m ReportingMode) error {
	_, err := d.config(cmdReportingMode, []byte{1, byte(m)})
	return err
}

// WorkMode asks the sensor whether fan and laser are running.
func (d *Device) WorkMode() (WorkMode, error) {
	ack, err := d.config(cmdWorkMode, nil)
	if err != nil {
		return 0, err
	}
	return WorkMode(ack.value), nil
}

// SetWorkMode switches the sensor between standby (ModeSleep) and measuring
// (ModeWork). After waking up the sensor needs the WarmUp window before its
// readings are reliable.
func (d *Device) SetWorkMode(m WorkMode) error {
	_, err := d.config(cmdWorkMode, []byte{1, byte(m)})
	return err
}

// WorkingPeriod reports the measuring interval in minutes, 0 for
// continuous measuring.
func (d *Device) WorkingPeriod() (int, error) {
	ack, err := d.config(cmdWorkingPeriod, nil)
	if err != nil {
		return 0, err
	}
	return int(ack.value), nil
}

// SetWorkingPeriod sets the measuring interval. The sensor wakes up every
// minutes (0 to 30), measures for 30 seconds and sleeps again; 0 keeps it
// measuring continuously. Values outside the range are rejected before any
// frame is built.
func (d *Device) SetWorkingPeriod(minutes int) error {
	if minutes < 0 || minutes > 30 {
		return fmt.Errorf("working period %d: %w", minutes, ErrOutOfRange)
	}

	_, err := d.config(cmdWorkingPeriod, []byte{1, byte(minutes)})
	return err
}

// FirmwareVersion asks the sensor for its firmware release date.
func (d *Device) FirmwareVersion() (Firmware, error) {
	if err := d.send(cmdFirmware, nil); err != nil {
		return Firmware{}, err
	}

	r, err := d.awaitAck()
	if err != nil {
		return Firmware{}, err
	}

	fw, ok := r.(Firmware)
	if !ok {
		return Firmware{}, ErrUnexpectedAck
	}
	return fw, nil
}

// SetDeviceID assigns a new device id and returns the id the sensor
// confirmed. Subsequent frames carry the new id.
func (d *Device) SetDeviceID(id uint16) (uint16, error) {
	payload := make([]byte, 12)
	payload[10] = byte(id & 0xff)
	payload[11] = byte(id >> 8)

	if err := d.send(cmdDeviceID, payload); err != nil {
		return 0, err
	}

	r, err := d.awaitAck()
	if err != nil {
		return 0, err
	}

	if _, ok := r.(deviceIDAck); !ok {
		return 0, ErrUnexpectedAck
	}
	return d.id, nil
}

// Query requests a single measurement. The sensor answers queries only in
// query reporting mode; in stream mode use Read.
func (d *Device) Query() (Measurement, error) {
	if err := d.send(cmdQueryData, nil); err != nil {
		return Measurement{}, err
	}
	return d.readMeasurement()
}

// Read waits for the next streamed measurement without sending a command.
// Useful in stream reporting mode, where the sensor pushes a frame about
// once a second.
func (d *Device) Read() (Measurement, error) {
	return d.readMeasurement()
}

// SetHumidity enables the humidity correction of PM2.5 readings.
// rh is the relative humidity in percent and must be in (0, 100]; the
// correction is disabled through DisableHumidity, not by passing 0.
func (d *Device) SetHumidity(rh float64) error {
	if rh <= 0 || rh > 100 {
		return fmt.Errorf("humidity %v: %w", rh, ErrOutOfRange)
	}

	d.humidity = rh
	return nil
}

// DisableHumidity turns the PM2.5 humidity correction off.
func (d *Device) DisableHumidity() {
	d.humidity = 0
}

// config sends a configuration command and hands back its acknowledgement.
func (d *Device) config(cmd byte, payload []byte) (configAck, error) {
	if err := d.send(cmd, payload); err != nil {
		return configAck{}, err
	}

	r, err := d.awaitAck()
	if err != nil {
		return configAck{}, err
	}

	ack, ok := r.(configAck)
	if !ok || ack.command != cmd {
		return configAck{}, ErrUnexpectedAck
	}
	return ack, nil
}

// send writes one command frame. A still pending configuration request is
// drained first, so requests queue up instead of interleaving. Every
// command except the data query marks the session pending until its
// acknowledgement arrives.
func (d *Device) send(cmd byte, payload []byte) error {
	if d.pending {
		if _, err := d.awaitAck(); err != nil {
			return err
		}
	}

	frame := encodeCommand(cmd, payload, d.id)
	debug.TraceLog.Printf("sending % X", frame)

	// the request counts as outstanding before any byte hits the wire:
	// even a failed write may have reached the device in part
	if cmd != cmdQueryData {
		d.pending = true
	}

	if _, err := d.port.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// awaitAck reads frames until the pending configuration command is
// acknowledged. Measurements arriving in between are not the awaited
// answer and are discarded, corrupt frames are dropped and the read
// retried. Exhausting the read budget clears the pending flag and reports
// ErrNoResponse.
func (d *Device) awaitAck() (response, error) {
	for i := 0; i < d.ackReads; i++ {
		r, err := d.readFrame()
		if err != nil {
			if recoverable(err) {
				continue
			}
			return nil, err
		}

		if _, ok := r.(Measurement); ok {
			debug.TraceLog.Print("measurement while awaiting ack, discarded")
			continue
		}

		d.pending = false
		return r, nil
	}

	d.pending = false
	return nil, ErrNoResponse
}

// readMeasurement reads frames until a measurement arrives, bounded by the
// same read budget as awaitAck, and applies the humidity correction.
func (d *Device) readMeasurement() (Measurement, error) {
	for i := 0; i < d.ackReads; i++ {
		r, err := d.readFrame()
		if err != nil {
			if recoverable(err) {
				continue
			}
			return Measurement{}, err
		}

		if m, ok := r.(Measurement); ok {
			return d.adjust(m), nil
		}
	}

	return Measurement{}, ErrNoResponse
}

// readFrame collects one response frame from the port and decodes it.
// Short reads are topped up a bounded number of times; whatever arrived is
// then decoded or discarded as a whole. Every successfully decoded frame
// refreshes the cached device id.
func (d *Device) readFrame() (response, error) {
	buf := make([]byte, responseLen)

	n := 0
	for i := 0; n < responseLen && i < readAttempts; i++ {
		m, err := d.port.Read(buf[n:])
		if err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		n += m
	}

	r, err := decodeResponse(buf[:n])
	if err != nil {
		debug.TraceLog.Printf("discarding %d bytes: %v", n, err)
		return nil, err
	}

	d.id = r.origin()
	return r, nil
}

// adjust applies the humidity correction to PM2.5. The sensor over-reads
// fine particles in damp air because they grow hygroscopically; the
// empirical correction scales the reading by the configured relative
// humidity.
func (d *Device) adjust(m Measurement) Measurement {
	if d.humidity > 0 {
		m.PM25 *= 2.8 * math.Pow(100-d.humidity, -0.3745)
	}
	return m
}

// recoverable reports whether err is frame noise worth retrying a read
// for, as opposed to a transport failure.
func recoverable(err error) bool {
	return errors.Is(err, ErrFrameSize) || errors.Is(err, ErrFraming) ||
		errors.Is(err, ErrChecksum) || errors.Is(err, ErrUnknownCommand)
}
