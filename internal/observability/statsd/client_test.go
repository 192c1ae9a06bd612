package statsd

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" pipeline/stage ":   "pipeline_stage",
		"quota..reserve":     "quota.reserve",
		"multi  space":       "multi__space",
		"intake:message|bad": "intake_message_bad",
		".leading.":          "leading",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeMetricName(input), input)
	}
}

func TestFormatLine(t *testing.T) {
	t.Parallel()

	global := map[string]string{"service": " quotaflow ", "env": "prod"}
	local := map[string]string{"result": "insufficient", "env": "stage", "": "dropped"}

	got := formatLine("qf", "quota.reserve", "1", "c", global, local)
	assert.Equal(t, "qf.quota.reserve:1|c|#env:stage,result:insufficient,service:quotaflow", got)

	assert.Equal(t, "", formatLine("qf", "  ", "1", "c", nil, nil))
	assert.Equal(t, "pipeline.stage:12.5|ms", formatLine("", "pipeline.stage", formatMillis(12500*time.Microsecond), "ms", nil, nil))
}

func TestFormatLine_TagSeparatorsEscaped(t *testing.T) {
	t.Parallel()

	got := formatLine("", "m", "1", "c", nil, map[string]string{"error": "a,b|c"})
	assert.Equal(t, "m:1|c|#error:a_b_c", got)
}

func TestNilClientIsNoop(t *testing.T) {
	t.Parallel()

	var c *Client
	c.Count("x", 1, nil)
	c.Gauge("x", 1, nil)
	c.Timing("x", time.Second, nil)
	c.Flush()
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Close())
}

func TestDisabledClientDropsMetrics(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Enabled: false, Address: "127.0.0.1:8125"})
	require.NoError(t, err)
	assert.False(t, c.Enabled())
	c.Count("x", 1, nil)
	assert.NoError(t, c.Close())
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestClientBatchesLinesIntoOnePacket(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	c, err := NewClient(Config{
		Enabled:       true,
		Address:       server.LocalAddr().String(),
		Prefix:        "quotaflow.",
		GlobalTags:    map[string]string{"service": "quotaflow"},
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Count("pipeline.request", 1, map[string]string{"result": "success"})
	c.Gauge("orchestrator.inflight", 3, nil)
	c.Timing("pipeline.stage", 250*time.Millisecond, map[string]string{"stage": "analysis"})
	c.Flush()

	lines := strings.Split(readPacket(t, server), "\n")
	assert.Equal(t, []string{
		"quotaflow.pipeline.request:1|c|#result:success,service:quotaflow",
		"quotaflow.orchestrator.inflight:3|g|#service:quotaflow",
		"quotaflow.pipeline.stage:250|ms|#service:quotaflow,stage:analysis",
	}, lines)
}

func TestClientFlushesWhenPacketFull(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	c, err := NewClient(Config{
		Enabled:       true,
		Address:       server.LocalAddr().String(),
		MaxPacketSize: 40,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Count("intake.message.accepted", 1, nil) // 27 bytes
	c.Count("intake.message.rejected", 1, nil) // would overflow, so the first line goes out alone

	assert.Equal(t, "intake.message.accepted:1|c", readPacket(t, server))
}

func TestCloseFlushesPending(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	c, err := NewClient(Config{Enabled: true, Address: server.LocalAddr().String(), FlushInterval: time.Hour})
	require.NoError(t, err)

	c.Count("reaper.cleanup", 7, nil)
	require.NoError(t, c.Close())

	assert.Equal(t, "reaper.cleanup:7|c", readPacket(t, server))
	assert.False(t, c.Enabled())
}

func TestCloseStopsFlusherPromptly(t *testing.T) {
	t.Parallel()

	server := listenUDP(t)
	c, err := NewClient(Config{Enabled: true, Address: server.LocalAddr().String(), FlushInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	c.Count("notify.delivery", 1, nil)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, c.Close(), "second Close is a no-op")
}
