package sds011

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/womat/debug"
)

// the code under test logs, give the loggers a destination before anything runs
func TestMain(m *testing.M) {
	debug.SetDebug(os.Stderr, 0)
	os.Exit(m.Run())
}

// mockPort plays the sensor behind the io.ReadWriter seam: reads serve one
// scripted frame each, writes are recorded. A mock without scripted frames
// behaves like a silent line, reads return 0 bytes the way a serial read
// timeout does.
type mockPort struct {
	responses [][]byte
	idx       int
	writes    [][]byte
	readErr   error
	writeErr  error
}

func (m *mockPort) Read(p []byte) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}

	if m.idx < len(m.responses) {
		r := m.responses[m.idx]
		m.idx++
		return copy(p, r), nil
	}

	return 0, nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}

	b := make([]byte, len(p))
	copy(b, p)
	m.writes = append(m.writes, b)
	return len(p), nil
}

func TestConnect(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		measurementFrame(1, 2, 0xAAAA), // stale frame of an earlier session
		respFrame(confTag, cmdFirmware, 19, 1, 1, 0x60, 0xA1),
	}}
	dev := New(mock, WithPollInterval(0))

	require.NoError(t, dev.Connect())

	assert.Equal(t, uint16(0xA160), dev.ID())
	assert.Len(t, mock.writes, 1, "no resend needed when the answer arrives")
	assert.Equal(t, cmdFirmware, mock.writes[0][2])
}

func TestConnectUnreachable(t *testing.T) {
	mock := &mockPort{}
	dev := New(mock, WithPollInterval(0))

	err := dev.Connect()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable), "got %v", err)

	// the initial handshake plus one write per resend cycle
	assert.Len(t, mock.writes, 1+defaultConnectRetries)
}

func TestConnectRetriesOption(t *testing.T) {
	mock := &mockPort{}
	dev := New(mock, WithPollInterval(0), WithConnectRetries(2))

	err := dev.Connect()

	require.True(t, errors.Is(err, ErrUnreachable), "got %v", err)
	assert.Len(t, mock.writes, 3)
}

func TestQuery(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		measurementFrame(1236, 2618, 0xA160),
		measurementFrame(100, 200, 0xA160),
	}}
	dev := New(mock)

	m, err := dev.Query()
	require.NoError(t, err)

	assert.Equal(t, 123.6, m.PM25)
	assert.Equal(t, 261.8, m.PM10)
	require.Len(t, mock.writes, 1)
	assert.Equal(t, cmdQueryData, mock.writes[0][2])

	// a data query leaves no request pending: the next query goes out
	// without waiting for any acknowledgement
	m, err = dev.Query()
	require.NoError(t, err)
	assert.Equal(t, 10.0, m.PM25)
	assert.Len(t, mock.writes, 2)
}

func TestReadSkipsNoise(t *testing.T) {
	corrupt := measurementFrame(1236, 2618, 0xA160)
	corrupt[3] ^= 0xFF

	mock := &mockPort{responses: [][]byte{
		corrupt,
		measurementFrame(150, 300, 0xA160),
	}}
	dev := New(mock)

	m, err := dev.Read()
	require.NoError(t, err)

	assert.Equal(t, 15.0, m.PM25)
	assert.Equal(t, 30.0, m.PM10)
	assert.Empty(t, mock.writes, "a passive read sends nothing")
}

func TestAwaitAckDiscardsMeasurements(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		measurementFrame(1, 2, 0xA160),
		measurementFrame(3, 4, 0xA160),
		ackFrame(cmdWorkMode, 0, 1, 0xA160),
	}}
	dev := New(mock)

	mode, err := dev.WorkMode()
	require.NoError(t, err)

	assert.Equal(t, ModeWork, mode)
	assert.Equal(t, 3, mock.idx, "measurements before the ack are consumed")
}

func TestNoAckTimesOut(t *testing.T) {
	mock := &mockPort{}
	dev := New(mock, WithAckReads(3))

	err := dev.SetReportingMode(ReportQuery)
	require.True(t, errors.Is(err, ErrNoResponse), "got %v", err)

	// the timeout resolved the pending request: the next command goes out
	// without draining anything
	mock.responses = [][]byte{measurementFrame(100, 200, 0xA160)}
	_, err = dev.Query()
	require.NoError(t, err)
}

func TestPendingRequestQueues(t *testing.T) {
	boom := errors.New("line glitch")

	mock := &mockPort{readErr: boom}
	dev := New(mock)

	// the transport fails while the acknowledgement is outstanding, the
	// request stays pending
	err := dev.SetWorkMode(ModeWork)
	require.True(t, errors.Is(err, boom), "got %v", err)
	require.Len(t, mock.writes, 1)

	// the next command first drains the pending acknowledgement, then
	// sends its own frame, never interleaving the two
	mock.readErr = nil
	mock.responses = [][]byte{
		ackFrame(cmdWorkMode, 1, 1, 0xA160),
		ackFrame(cmdReportingMode, 0, 0, 0xA160),
	}

	mode, err := dev.ReportingMode()
	require.NoError(t, err)

	assert.Equal(t, ReportStream, mode)
	assert.Len(t, mock.writes, 2)
	assert.Equal(t, 2, mock.idx)
}

func TestFailedWriteLeavesRequestPending(t *testing.T) {
	boom := errors.New("port gone")

	mock := &mockPort{writeErr: boom}
	dev := New(mock, WithAckReads(2))

	err := dev.SetWorkMode(ModeWork)
	require.True(t, errors.Is(err, boom), "got %v", err)
	assert.Empty(t, mock.writes)

	// the sensor may have seen parts of the frame, so the request stays
	// pending and the next command tries to drain it first
	mock.writeErr = nil
	err = dev.SetWorkMode(ModeWork)
	require.True(t, errors.Is(err, ErrNoResponse), "got %v", err)
	assert.Empty(t, mock.writes, "draining times out before anything is sent")

	// the timeout resynchronized the session
	mock.responses = [][]byte{ackFrame(cmdWorkMode, 1, 1, 0xA160)}
	require.NoError(t, dev.SetWorkMode(ModeWork))
	assert.Len(t, mock.writes, 1)
}

func TestDeviceIDCaching(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		measurementFrame(100, 200, 0xCAFE),
		ackFrame(cmdWorkingPeriod, 0, 5, 0xBEEF),
	}}
	dev := New(mock)

	assert.Equal(t, UnknownID, dev.ID())

	_, err := dev.Read()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xCAFE), dev.ID(), "measurement frames carry the id too")

	period, err := dev.WorkingPeriod()
	require.NoError(t, err)
	assert.Equal(t, 5, period)
	assert.Equal(t, uint16(0xBEEF), dev.ID())

	// the command frame echoed the id cached before it was sent
	assert.Equal(t, byte(0xFE), mock.writes[0][15])
	assert.Equal(t, byte(0xCA), mock.writes[0][16])
}

func TestSetDeviceID(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		respFrame(confTag, cmdDeviceID, 0, 0, 0, 0x60, 0xA1),
	}}
	dev := New(mock)

	id, err := dev.SetDeviceID(0xA160)
	require.NoError(t, err)

	assert.Equal(t, uint16(0xA160), id)

	w := mock.writes[0]
	assert.Equal(t, cmdDeviceID, w[2])
	assert.Equal(t, byte(0x60), w[13])
	assert.Equal(t, byte(0xA1), w[14])
}

func TestSetWorkingPeriod(t *testing.T) {
	for _, minutes := range []int{0, 30} {
		mock := &mockPort{responses: [][]byte{
			ackFrame(cmdWorkingPeriod, 1, byte(minutes), 0xA160),
		}}
		dev := New(mock)

		require.NoError(t, dev.SetWorkingPeriod(minutes))

		w := mock.writes[0]
		assert.Equal(t, cmdWorkingPeriod, w[2])
		assert.Equal(t, byte(1), w[3])
		assert.Equal(t, byte(minutes), w[4])
	}
}

func TestSetWorkingPeriodOutOfRange(t *testing.T) {
	for _, minutes := range []int{-1, 31, 255} {
		mock := &mockPort{}
		dev := New(mock)

		err := dev.SetWorkingPeriod(minutes)

		require.True(t, errors.Is(err, ErrOutOfRange), "period %d: got %v", minutes, err)
		assert.Empty(t, mock.writes, "an invalid period must not reach the wire")
	}
}

func TestFirmwareVersion(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		respFrame(confTag, cmdFirmware, 18, 11, 20, 0x60, 0xA1),
	}}
	dev := New(mock)

	fw, err := dev.FirmwareVersion()
	require.NoError(t, err)

	assert.Equal(t, Firmware{Year: 18, Month: 11, Day: 20, device: 0xA160}, fw)
}

func TestGetModes(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		ackFrame(cmdReportingMode, 0, 1, 0xA160),
		ackFrame(cmdWorkMode, 0, 0, 0xA160),
	}}
	dev := New(mock)

	reporting, err := dev.ReportingMode()
	require.NoError(t, err)
	assert.Equal(t, ReportQuery, reporting)

	work, err := dev.WorkMode()
	require.NoError(t, err)
	assert.Equal(t, ModeSleep, work)
}

func TestHumidityCorrection(t *testing.T) {
	mock := &mockPort{responses: [][]byte{
		measurementFrame(500, 750, 0xA160),
		measurementFrame(500, 750, 0xA160),
	}}
	dev := New(mock)

	require.NoError(t, dev.SetHumidity(33.5))

	m, err := dev.Read()
	require.NoError(t, err)

	want := 50.0 * 2.8 * math.Pow(66.5, -0.3745)
	assert.InDelta(t, want, m.PM25, 1e-9)
	assert.Equal(t, 75.0, m.PM10, "the correction only touches PM2.5")

	dev.DisableHumidity()

	m, err = dev.Read()
	require.NoError(t, err)
	assert.Equal(t, 50.0, m.PM25)
}

func TestSetHumidityRange(t *testing.T) {
	dev := New(&mockPort{})

	for _, rh := range []float64{0, -3, 100.1, 200} {
		err := dev.SetHumidity(rh)
		require.True(t, errors.Is(err, ErrOutOfRange), "humidity %v: got %v", rh, err)
	}

	require.NoError(t, dev.SetHumidity(100))
	require.NoError(t, dev.SetHumidity(0.1))
}
