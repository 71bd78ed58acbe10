package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedConn replays a fixed sequence of frames and then fails reads.
type scriptedConn struct {
	mu      sync.Mutex
	frames  [][]byte
	readErr error
	written []interface{}
	closed  bool
}

func (s *scriptedConn) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		if s.readErr != nil {
			return 0, nil, s.readErr
		}
		return 0, nil, io.EOF
	}
	raw := s.frames[0]
	s.frames = s.frames[1:]
	return 1, raw, nil
}

func (s *scriptedConn) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, v)
	return nil
}

func (s *scriptedConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedConn) subscriptions() []subscribeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reqs []subscribeRequest
	for _, v := range s.written {
		if req, ok := v.(subscribeRequest); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func staticDialer(conns ...Conn) Dialer {
	i := 0
	return func(ctx context.Context, url string) (Conn, error) {
		if i >= len(conns) {
			return nil, errors.New("no more connections scripted")
		}
		c := conns[i]
		i++
		return c, nil
	}
}

const (
	ackFrame       = `{"method":"subscribe","success":true,"result":{"channel":"trade","symbol":"ETH/USD","snapshot":false}}`
	statusFrame    = `{"channel":"status","type":"update","data":[{"api_version":"v2","system":"online"}]}`
	heartbeatFrame = `{"channel":"heartbeat"}`
	tradeFrame     = `{"channel":"trade","type":"update","data":[
		{"symbol":"ETH/USD","price":3021.55,"qty":0.25,"timestamp":"2024-01-01T00:00:00.000000Z"},
		{"symbol":"ETH/USD","price":3021.60,"qty":1.5,"timestamp":"2024-01-01T00:00:01.000000Z"}
	]}`
)

func frames(raw ...string) [][]byte {
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = []byte(r)
	}
	return out
}

func testConfig() Config {
	return Config{
		URL:        "wss://example.test/v2",
		Instrument: "ETH/USD",
	}
}

func TestNewSubscribesAndConsumesHandshake(t *testing.T) {
	conn := &scriptedConn{frames: frames(statusFrame, ackFrame, tradeFrame)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, StateSubscribed, client.State())

	reqs := conn.subscriptions()
	require.Len(t, reqs, 1)
	assert.Equal(t, "subscribe", reqs[0].Method)
	assert.Equal(t, "trade", reqs[0].Params.Channel)
	assert.Equal(t, []string{"ETH/USD"}, reqs[0].Params.Symbol)
	assert.False(t, reqs[0].Params.Snapshot)

	// The trade frame after the ack was not consumed by the handshake.
	trades, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestNewKeepsDataFrameArrivingBeforeAck(t *testing.T) {
	conn := &scriptedConn{frames: frames(tradeFrame, ackFrame)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	trades, err := client.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 3021.55, trades[0].Price)
}

func TestNewRejectedSubscription(t *testing.T) {
	conn := &scriptedConn{frames: frames(`{"method":"subscribe","success":false,"error":"Currency pair not supported"}`)}

	_, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.Error(t, err)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.True(t, conn.closed)
}

func TestNewHandshakeBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeFrameBudget = 3
	conn := &scriptedConn{frames: frames(statusFrame, heartbeatFrame, statusFrame, ackFrame)}

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.Error(t, err)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestPollHeartbeatReturnsEmptyBatch(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame, heartbeatFrame, heartbeatFrame)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 2; i++ {
		trades, err := client.Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, trades)
	}
}

func TestPollReturnsTradesInOrder(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame, tradeFrame)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	trades, err := client.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1704067200000), trades[0].TimestampMs)
	assert.Equal(t, int64(1704067201000), trades[1].TimestampMs)
	assert.Equal(t, StateStreaming, client.State())
}

func TestPollMalformedFrame(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame, `{"channel":"trade","data":[{"symbol":"ETH/USD","price":1.0}]}`)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	trades, err := client.Poll(context.Background())
	require.Error(t, err)
	assert.Nil(t, trades)
	var pv *ProtocolViolation
	assert.ErrorAs(t, err, &pv)
}

func TestPollReconnectsAndResubscribes(t *testing.T) {
	first := &scriptedConn{frames: frames(ackFrame)} // read error after the ack
	second := &scriptedConn{frames: frames(ackFrame, tradeFrame)}

	cfg := testConfig()
	cfg.Reconnect = ReconnectPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	client, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithDialer(staticDialer(first, second)))
	require.NoError(t, err)
	defer client.Close()

	trades, err := client.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	// The reconnection re-issued the identical subscription.
	firstReqs := first.subscriptions()
	secondReqs := second.subscriptions()
	require.Len(t, firstReqs, 1)
	require.Len(t, secondReqs, 1)
	assert.Equal(t, firstReqs[0], secondReqs[0])
}

func TestPollReconnectExhaustedFaults(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame)}

	cfg := testConfig()
	cfg.Reconnect = ReconnectPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond}

	dialCount := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		dialCount++
		if dialCount == 1 {
			return conn, nil
		}
		return nil, errors.New("connection refused")
	}

	client, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithDialer(dialer))
	require.NoError(t, err)

	_, err = client.Poll(context.Background())
	require.Error(t, err)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, StateFaulted, client.State())
	assert.False(t, client.Healthy())
	assert.Equal(t, 3, dialCount)
}

func TestPollNoReconnectPolicyIsFatal(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame)}

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)

	_, err = client.Poll(context.Background())
	require.Error(t, err)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, StateFaulted, client.State())
}

func TestHealthy(t *testing.T) {
	t.Run("NoThreshold", func(t *testing.T) {
		conn := &scriptedConn{frames: frames(ackFrame)}
		client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.Healthy())
	})

	t.Run("StaleConnectionUnhealthy", func(t *testing.T) {
		cfg := testConfig()
		cfg.StalenessThreshold = 10 * time.Millisecond

		conn := &scriptedConn{frames: frames(ackFrame)}
		client, err := New(context.Background(), cfg, zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.Healthy())
		time.Sleep(25 * time.Millisecond)
		assert.False(t, client.Healthy())
	})

	t.Run("ClosedClientUnhealthy", func(t *testing.T) {
		conn := &scriptedConn{frames: frames(ackFrame)}
		client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
		require.NoError(t, err)

		require.NoError(t, client.Close())
		assert.False(t, client.Healthy())
		assert.True(t, conn.closed)
	})
}

func TestLastFrameAt(t *testing.T) {
	conn := &scriptedConn{frames: frames(ackFrame)}
	before := time.Now()

	client, err := New(context.Background(), testConfig(), zaptest.NewLogger(t), WithDialer(staticDialer(conn)))
	require.NoError(t, err)
	defer client.Close()

	at := client.LastFrameAt()
	assert.False(t, at.IsZero())
	assert.False(t, at.Before(before))
}

// The subscription request must serialize to the exact wire shape the venue
// expects.
func TestSubscribeRequestWireFormat(t *testing.T) {
	data, err := json.Marshal(newSubscribeRequest("ETH/USD"))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"method":"subscribe","params":{"channel":"trade","symbol":["ETH/USD"],"snapshot":false}}`,
		string(data))
}
