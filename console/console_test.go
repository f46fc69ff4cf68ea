package console

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FeizaiYiHao/arm-trusted-firmware/platform"
)

func bootRuntimeScope(t *testing.T, putc PutcFunc) *Console {
	t.Helper()
	return Sink(putc, nil, nil, platform.UART0Base, platform.UART0ClockHz, platform.ConsoleBaudRate,
		platform.ConsoleFlagBoot|platform.ConsoleFlagRuntime)
}

func newTestSink(t *testing.T) *[]byte {
	t.Helper()
	reset()
	t.Cleanup(reset)

	var buf []byte
	bootRuntimeScope(t, func(b byte) int32 {
		buf = append(buf, b)
		return 0
	})
	return &buf
}

func TestSinkSetsBootAndRuntimeScope(t *testing.T) {
	reset()
	t.Cleanup(reset)

	c := bootRuntimeScope(t, func(byte) int32 { return 0 })
	require.Equal(t, platform.ConsoleFlagBoot|platform.ConsoleFlagRuntime, c.Flags)
}

func TestPrintfReachesRegisteredSink(t *testing.T) {
	buf := newTestSink(t)
	Printf("hello %d", 42)
	require.Equal(t, "hello 42", string(*buf))
}

func TestDebugfAndErrorfPrefixLines(t *testing.T) {
	buf := newTestSink(t)
	Debugf("x=%d", 1)
	require.Equal(t, "FSP DEBUG: x=1", string(*buf))

	*buf = nil
	Errorf("boom")
	require.Equal(t, "FSP ERROR: boom", string(*buf))
}

func TestSetScopePreservesNonScopeBits(t *testing.T) {
	reset()
	t.Cleanup(reset)

	c := bootRuntimeScope(t, func(byte) int32 { return 0 })
	const custom uint32 = 1 << 30
	c.Flags |= custom

	SetScope(c, platform.ConsoleFlagBoot)
	require.Equal(t, platform.ConsoleFlagBoot|custom, c.Flags)
}

func TestUnregisteredScopeIsSilentlySkipped(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var got []byte
	c := bootRuntimeScope(t, func(b byte) int32 { got = append(got, b); return 0 })
	SetScope(c, 0) // neither boot nor runtime

	Printf("ignored")
	require.Empty(t, got)
}

func TestRegisteredReportsListState(t *testing.T) {
	reset()
	t.Cleanup(reset)

	require.False(t, Registered())
	bootRuntimeScope(t, func(byte) int32 { return 0 })
	require.True(t, Registered())
}

func TestSinkStoresGetcAndFlush(t *testing.T) {
	reset()
	t.Cleanup(reset)

	var flushed bool
	c := Sink(
		func(byte) int32 { return 0 },
		func() int32 { return -1 },
		func() { flushed = true },
		platform.UART0Base, platform.UART0ClockHz, platform.ConsoleBaudRate,
		platform.ConsoleFlagRuntime,
	)

	require.Equal(t, int32(-1), c.Getc())
	c.Flush()
	require.True(t, flushed)
}
