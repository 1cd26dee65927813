package sds011

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrFrameSize      = errors.New("invalid frame size")
	ErrFraming        = errors.New("invalid head or tail byte")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrUnknownCommand = errors.New("unknown command id")
)

// Frame layout. Commands travel in a fixed 19 byte frame, responses in a
// fixed 10 byte frame. Both are delimited by the same head and tail bytes
// and protected by an 8 bit additive checksum over the interior bytes.
const (
	frameHead  byte = 0xAA
	frameTail  byte = 0xAB
	commandTag byte = 0xB4

	// response tags
	dataTag byte = 0xC0
	confTag byte = 0xC5

	commandLen  = 19
	responseLen = 10
)

// command ids understood by the sensor
const (
	cmdReportingMode byte = 0x02
	cmdQueryData     byte = 0x04
	cmdDeviceID      byte = 0x05
	cmdWorkMode      byte = 0x06
	cmdFirmware      byte = 0x07
	cmdWorkingPeriod byte = 0x08
)

// ReportingMode selects how the sensor hands out measurements.
type ReportingMode byte

const (
	// ReportStream lets the sensor push a measurement frame about once a second.
	ReportStream ReportingMode = 0
	// ReportQuery makes the sensor answer explicit data queries only.
	ReportQuery ReportingMode = 1
)

func (m ReportingMode) String() string {
	if m == ReportQuery {
		return "query"
	}
	return "stream"
}

// WorkMode selects between the fan/laser running and standby.
type WorkMode byte

const (
	ModeSleep WorkMode = 0
	ModeWork  WorkMode = 1
)

func (m WorkMode) String() string {
	if m == ModeWork {
		return "work"
	}
	return "sleep"
}

// Measurement is a decoded particulate matter reading in µg/m³.
type Measurement struct {
	Time time.Time
	PM25 float64
	PM10 float64

	device uint16
}

// Firmware is the sensor firmware release date.
type Firmware struct {
	Year  byte
	Month byte
	Day   byte

	device uint16
}

func (f Firmware) String() string {
	return fmt.Sprintf("%d-%d-%d", f.Year, f.Month, f.Day)
}

// configAck acknowledges a get or set of reporting mode, work mode or
// working period. Set echoes whether the request was a set (true) or a
// get (false), Value carries the mode flag or the period minutes.
type configAck struct {
	command byte
	set     bool
	value   byte

	device uint16
}

// deviceIDAck confirms a device id change; the new id is the frame's
// device id field itself.
type deviceIDAck struct {
	device uint16
}

// response is implemented by every decoded frame variant.
type response interface {
	// origin reports the device id carried in the frame.
	origin() uint16
}

func (m Measurement) origin() uint16 { return m.device }
func (f Firmware) origin() uint16    { return f.device }
func (a configAck) origin() uint16   { return a.device }
func (a deviceIDAck) origin() uint16 { return a.device }

// checksum is the 8 bit truncated sum of b. The sensor computes it over
// bytes 2..16 of a command frame and bytes 2..7 of a response frame.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// encodeCommand builds a command frame: head, command tag, command id,
// the 12 byte zero padded payload, the current device id (little endian)
// and the checksum. Pure function, no I/O.
func encodeCommand(id byte, payload []byte, deviceID uint16) []byte {
	b := make([]byte, commandLen)
	b[0] = frameHead
	b[1] = commandTag
	b[2] = id
	copy(b[3:15], payload)
	b[15] = byte(deviceID & 0xff)
	b[16] = byte(deviceID >> 8)
	b[17] = checksum(b[2:17])
	b[18] = frameTail
	return b
}

// decodeResponse validates a response frame (size, framing bytes,
// checksum, in that order) and decodes it into one of the response
// variants. A frame that fails validation is discarded as a whole,
// no field of it is ever trusted.
func decodeResponse(b []byte) (response, error) {
	if len(b) != responseLen {
		return nil, ErrFrameSize
	}
	if b[0] != frameHead || b[9] != frameTail {
		return nil, ErrFraming
	}
	if checksum(b[2:8]) != b[8] {
		return nil, ErrChecksum
	}

	// every response carries the device id in bytes 6..7
	device := uint16(b[7])<<8 | uint16(b[6])

	switch b[1] {
	case dataTag:
		return Measurement{
			Time:   time.Now(),
			PM25:   float64(uint16(b[3])<<8|uint16(b[2])) / 10,
			PM10:   float64(uint16(b[5])<<8|uint16(b[4])) / 10,
			device: device,
		}, nil

	case confTag:
		switch b[2] {
		case cmdReportingMode:
			return configAck{command: cmdReportingMode, set: b[3] == 1, value: b[4], device: device}, nil
		case cmdWorkMode:
			return configAck{command: cmdWorkMode, set: b[3] == 1, value: b[4], device: device}, nil
		case cmdWorkingPeriod:
			return configAck{command: cmdWorkingPeriod, set: b[3] == 1, value: b[4], device: device}, nil
		case cmdDeviceID:
			return deviceIDAck{device: device}, nil
		case cmdFirmware:
			return Firmware{Year: b[3], Month: b[4], Day: b[5], device: device}, nil
		}
	}

	return nil, ErrUnknownCommand
}
