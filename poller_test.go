package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink 收集讀取結果
type recordingSink struct {
	mu      sync.Mutex
	results []ReadResult
	sweeps  []SweepResult
}

func (s *recordingSink) Record(r ReadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) ObserveSweep(sweep SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, sweep)
}

func (s *recordingSink) sweepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sweeps)
}

func testResponses() map[uint16][]byte {
	return map[uint16][]byte{
		0x3100: {0x01, 0x04, 0x02, 0x0a, 0x81, 0x7f, 0xf0},
		0x311A: {0x01, 0x04, 0x02, 0x00, 0x4d, 0x79, 0x05},
		0x3200: {0x01, 0x04, 0x02, 0x00, 0x05, 0x79, 0x33},
	}
}

func TestClassifyResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ok", nil, ResultOK},
		{"unsupported", ErrRegisterNotConfigured, ResultUnsupported},
		{"short frame", ErrShortFrame, ResultShortFrame},
		{"conversion", &ConversionError{Reason: "x"}, ResultConversionError},
		{"crc", ErrCRCMismatch, ResultTransportError},
		{"other", errors.New("timeout"), ResultTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyResult(tt.err))
		})
	}
}

func TestNewPoller_Registers(t *testing.T) {
	d := newTestDevice(&fakeTransport{}, nil)

	p, err := NewPoller(d, PollConfig{Interval: time.Second})
	require.NoError(t, err)
	assert.Len(t, p.Registers(), d.Catalog().Len(), "未指定時輪詢整個目錄")

	p, err = NewPoller(d, PollConfig{Interval: time.Second, Registers: []string{"04:3100", "03:9000"}})
	require.NoError(t, err)
	assert.Equal(t, []RegisterRef{
		{FunctionCode: FuncReadInputRegisters, Register: 0x3100},
		{FunctionCode: FuncReadHoldingRegisters, Register: 0x9000},
	}, p.Registers())

	_, err = NewPoller(d, PollConfig{Interval: time.Second, Registers: []string{"bad"}})
	assert.Error(t, err)

	_, err = NewPoller(d, PollConfig{})
	assert.Error(t, err, "間隔必須大於 0")
}

func TestPoller_PollOnce(t *testing.T) {
	tr := &fakeTransport{responses: testResponses()}
	d := newTestDevice(tr, nil)
	sink := &recordingSink{}

	p, err := NewPoller(d, PollConfig{
		Interval:  time.Second,
		Registers: []string{"04:3100", "04:311A", "04:3200", "04:1234"},
	}, WithSink(sink))
	require.NoError(t, err)

	sweep := p.PollOnce(context.Background())

	assert.Equal(t, 3, sweep.OK)
	assert.Equal(t, 1, sweep.Failed)
	require.Len(t, sweep.Results, 4)

	assert.Equal(t, ResultOK, sweep.Results[0].Result())
	assert.InDelta(t, 26.89, sweep.Results[0].Reading.Value.Number, 1e-9)
	assert.Equal(t, ResultUnsupported, sweep.Results[3].Result())

	assert.Len(t, sink.results, 4)
	assert.Equal(t, 1, sink.sweepCount())
	assert.Equal(t, 3, tr.sends, "未定義的暫存器不送出")

	assert.Equal(t, uint64(1), p.Stats().Sweeps.Load())
	assert.Equal(t, uint64(4), p.Stats().Reads.Load())
	assert.Equal(t, uint64(1), p.Stats().Errors.Load())
}

func TestPoller_PollOnce_Cancelled(t *testing.T) {
	tr := &fakeTransport{responses: testResponses()}
	d := newTestDevice(tr, nil)

	p, err := NewPoller(d, PollConfig{
		Interval:  time.Second,
		Delay:     time.Hour,
		Registers: []string{"04:3100", "04:311A"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sweep := p.PollOnce(ctx)
	assert.Len(t, sweep.Results, 1, "取消後不再讀取")
}

func TestPoller_Run(t *testing.T) {
	tr := &fakeTransport{responses: testResponses()}
	d := newTestDevice(tr, nil)
	sink := &recordingSink{}

	p, err := NewPoller(d, PollConfig{
		Interval:  20 * time.Millisecond,
		Registers: []string{"04:3100"},
	}, WithSink(sink))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.sweepCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PollerStateRunning, p.State())

	// 重複啟動應失敗
	assert.Error(t, p.Run(ctx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run 未在取消後返回")
	}
	assert.Equal(t, PollerStateStopped, p.State())
}

func TestPollerState_String(t *testing.T) {
	assert.Equal(t, "stopped", PollerStateStopped.String())
	assert.Equal(t, "running", PollerStateRunning.String())
	assert.Equal(t, "stopping", PollerStateStopping.String())
	assert.Equal(t, "unknown", PollerState(9).String())
}
