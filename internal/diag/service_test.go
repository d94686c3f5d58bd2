package diag

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdbridge/internal/obd"
	"github.com/shaunagostinho/obdbridge/internal/safety"
)

type fakeRequester struct {
	replies map[obd.Request]obd.Response
	seen    []obd.Request
}

func (f *fakeRequester) Exchange(_ context.Context, req obd.Request) (obd.Response, error) {
	f.seen = append(f.seen, req)
	r, ok := f.replies[req]
	if !ok {
		return obd.Response{}, fmt.Errorf("fake: %s: %w", req, obd.ErrTimeout)
	}
	return r, nil
}

func reply(req obd.Request, data ...byte) obd.Response {
	return obd.Response{Mode: req.Mode | obd.PositiveResponse, PID: req.PID, Data: data}
}

func TestFormatDTC(t *testing.T) {
	tests := []struct {
		raw  uint16
		want string
	}{
		{0x0140, "P0140"},
		{0x4140, "C0140"},
		{0x8140, "B0140"},
		{0xC140, "U0140"},
		{0x0301, "P0301"},
		{0x3FFF, "P3FFF"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDTC(tt.raw))
		raw, err := ParseDTC(tt.want)
		require.NoError(t, err)
		assert.Equal(t, tt.raw, raw)
	}

	_, err := ParseDTC("X0140")
	assert.Error(t, err)
	_, err = ParseDTC("P01")
	assert.Error(t, err)
	_, err = ParseDTC("P4000")
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "no status", StatusString(0))
	assert.Equal(t, "confirmed, pending", StatusString(0x0C))
	assert.Contains(t, StatusString(0x80), "MIL")
}

func TestReadDTCs(t *testing.T) {
	mode3 := obd.Request{Mode: obd.ModeStoredDTCs}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{
		mode3: reply(mode3, 0x01, 0x40, 0x00, 0x00, 0xC1, 0x00, 0x03),
		{Mode: obd.ModeDTCStatus, PID: 0x40}: reply(obd.Request{Mode: obd.ModeDTCStatus, PID: 0x40}, 0x08),
		{Mode: obd.ModeDTCStatus, PID: 0x00}: reply(obd.Request{Mode: obd.ModeDTCStatus, PID: 0x00}, 0x0C),
	}}
	db, err := ParseDatabase(strings.NewReader("# test\n\nP0140|O2 Sensor Circuit No Activity|2|Emissions\n"))
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(f, WithDatabase(db))
	s.now = func() time.Time { return ts }

	entries, err := s.ReadDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "P0140", entries[0].Code)
	assert.Equal(t, byte(0x08), entries[0].Status)
	assert.Equal(t, ts, entries[0].Timestamp)
	assert.Equal(t, "O2 Sensor Circuit No Activity", entries[0].Description)
	assert.Equal(t, 2, entries[0].Severity)

	assert.Equal(t, "U0100", entries[1].Code)
	assert.Equal(t, byte(0x0C), entries[1].Status)
	assert.Equal(t, "Unknown DTC", entries[1].Description)
	assert.Equal(t, 3, entries[1].Severity)
	assert.Equal(t, "Unknown", entries[1].System)
}

func TestReadDTCsCap(t *testing.T) {
	mode3 := obd.Request{Mode: obd.ModeStoredDTCs}
	data := make([]byte, 0, 2*(MaxDTCs+5))
	for i := 1; i <= MaxDTCs+5; i++ {
		data = append(data, 0x01, byte(i))
	}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{mode3: reply(mode3, data...)}}
	for i := 1; i <= MaxDTCs+5; i++ {
		req := obd.Request{Mode: obd.ModeDTCStatus, PID: byte(i)}
		f.replies[req] = reply(req, 0x01)
	}
	entries, err := New(f).ReadDTCs(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, MaxDTCs)
}

func TestReadDTCsStatusFailure(t *testing.T) {
	mode3 := obd.Request{Mode: obd.ModeStoredDTCs}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{mode3: reply(mode3, 0x01, 0x40)}}
	status := obd.Request{Mode: obd.ModeDTCStatus, PID: 0x33}
	f.replies[mode3] = reply(mode3, 0x01, 0x40, 0x01, 0x33)
	f.replies[status] = reply(status, 0x88)

	entries, err := New(f).ReadDTCs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "P0140", entries[0].Code)
	assert.Zero(t, entries[0].Status)
	assert.Equal(t, "P0133", entries[1].Code)
	assert.Equal(t, byte(0x88), entries[1].Status)
}

func TestReadDTCsCanceled(t *testing.T) {
	mode3 := obd.Request{Mode: obd.ModeStoredDTCs}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{mode3: reply(mode3, 0x01, 0x40)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(f).ReadDTCs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadFreezeFrame(t *testing.T) {
	req := obd.Request{Mode: obd.ModeFreezeFrame, PID: 0}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{
		req: reply(req,
			0x02, 0x01, 0x40, 0x00,
			0x0C, 0x20, 0x00, 0x00,
			0x05, 0x50, 0x00, 0x00,
			0x99, 0x11, 0x22, 0x33,
			0x04),
	}}
	frames, err := New(f).ReadFreezeFrame(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	assert.Equal(t, 2048.0, frames[1].Value)
	assert.Equal(t, 40.0, frames[2].Value)
	assert.Equal(t, 0.0, frames[3].Value)
	assert.Equal(t, [3]byte{0x11, 0x22, 0x33}, frames[3].Data)
	for _, ff := range frames {
		assert.Equal(t, uint16(0x0140), ff.DTC)
	}
}

func TestClearDTCs(t *testing.T) {
	req := obd.Request{Mode: obd.ModeClearDTCs}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{req: reply(req, 0x44)}}
	require.NoError(t, New(f).ClearDTCs(context.Background()))

	f.replies[req] = reply(req, 0x00)
	assert.ErrorIs(t, New(f).ClearDTCs(context.Background()), obd.ErrProtocol)
}

func TestClearDTCsBlocked(t *testing.T) {
	cfg := safety.DefaultConfig()
	cfg.BlockActiveCommands = true
	f := &fakeRequester{}
	err := New(f, WithGuard(safety.New(cfg))).ClearDTCs(context.Background())
	assert.ErrorIs(t, err, obd.ErrSafetyLimit)
	assert.Empty(t, f.seen)
}

func TestReadPID(t *testing.T) {
	rpm := obd.Request{Mode: 0x01, PID: 0x0C}
	odd := obd.Request{Mode: 0x01, PID: 0x33}
	f := &fakeRequester{replies: map[obd.Request]obd.Response{
		rpm: reply(rpm, 0x20, 0x00),
		odd: reply(odd, 0x65),
	}}
	s := New(f)

	v, err := s.ReadPID(context.Background(), 0x0C)
	require.NoError(t, err)
	assert.True(t, v.Known)
	assert.Equal(t, 2048.0, v.Value)

	v, err = s.ReadPID(context.Background(), 0x33)
	require.NoError(t, err)
	assert.False(t, v.Known)
	assert.Equal(t, 101.0, v.Value)
}

func TestSupportedPIDs(t *testing.T) {
	f := &fakeRequester{replies: map[obd.Request]obd.Response{
		obd.SupportedPIDs: reply(obd.SupportedPIDs, 0xBE, 0x1F, 0xA8, 0x13),
	}}
	pids, err := New(f).SupportedPIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pids, byte(0x0C))
	assert.Contains(t, pids, byte(0x05))
	assert.NotContains(t, pids, byte(0x02))
	assert.Equal(t, byte(0x01), pids[0])
}
