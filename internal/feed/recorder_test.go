package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"candlestore/internal/candles"
	"candlestore/internal/dtf"
	"candlestore/internal/model"
	"candlestore/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeoutShort = 2 * time.Second
	tick         = 10 * time.Millisecond
)

func createTestTrade(pair string, ts uint64, price float32) model.TradeEvent {
	return model.TradeEvent{
		Pair:   pair,
		Update: model.Update{Timestamp: ts, IsTrade: true, Price: price, Size: 1},
	}
}

// Test_Recorder_Record tests per pair stores, autoflush and candle output
func Test_Recorder_Record(t *testing.T) {
	folder := t.TempDir()
	sess, err := session.New(session.Settings{Autoflush: true, FlushInterval: 2, Folder: folder})
	require.NoError(t, err)

	rec := NewRecorder(sess)
	var (
		mu  sync.Mutex
		got = map[string][]candles.Candle{}
	)
	rec.OnCandle = func(pair string, c candles.Candle) {
		mu.Lock()
		defer mu.Unlock()
		got[pair] = append(got[pair], c)
	}

	events := make(chan model.TradeEvent, 10)
	events <- createTestTrade("BTC-USDT", 1505177401000, 10)
	events <- createTestTrade("BTC-USDT", 1505177402000, 12)
	events <- createTestTrade("ETH-USDT", 1505177403000, 300)
	events <- createTestTrade("BTC-USDT", 1505177403000, 9)
	events <- createTestTrade("BTC-USDT", 1505177462000, 11)
	events <- createTestTrade("BTC-USDT", 1505177463000, 13)
	close(events)

	require.NoError(t, rec.Record(context.Background(), events))

	btc, err := dtf.Decode(dtf.Path(folder, "btc_usdt"))
	require.NoError(t, err)
	assert.Len(t, btc, 5, "autoflushed and final records must all be on disk")

	eth, err := dtf.Decode(dtf.Path(folder, "eth_usdt"))
	require.NoError(t, err)
	assert.Len(t, eth, 1)

	assert.ElementsMatch(t, []string{"btc_usdt", "default", "eth_usdt"}, sess.Names())
	assert.False(t, dtf.Exists(dtf.Path(folder, session.DefaultStore)), "the unused default store must not be written")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []candles.Candle{
		{Time: 1505177400, Open: 10, High: 12, Low: 9, Close: 9, Volume: 3},
		{Time: 1505177460, Open: 11, High: 13, Low: 11, Close: 13, Volume: 2},
	}, got["BTC-USDT"])
	assert.Equal(t, []candles.Candle{
		{Time: 1505177400, Open: 300, High: 300, Low: 300, Close: 300, Volume: 1},
	}, got["ETH-USDT"])
}

// Test_Recorder_SameMillisecond tests that trades sharing a millisecond with an
// autoflushed trade are all recorded
func Test_Recorder_SameMillisecond(t *testing.T) {
	tests := []struct {
		name        string
		interval    uint32
		stamps      []uint64
		description string
	}{
		{
			name:        "Duplicate right after a flush",
			interval:    2,
			stamps:      []uint64{1505177401000, 1505177402000, 1505177402000, 1505177403000},
			description: "The trade after the flush shares the flushed tail timestamp",
		},
		{
			name:        "Burst spanning several flushes",
			interval:    2,
			stamps:      []uint64{1505177402000, 1505177402000, 1505177402000, 1505177402000, 1505177402000},
			description: "Every trade of a busy millisecond is kept",
		},
		{
			name:        "Flush on every trade",
			interval:    1,
			stamps:      []uint64{1505177401000, 1505177401000, 1505177401000},
			description: "Each flush appends the one trade it holds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			folder := t.TempDir()
			sess, err := session.New(session.Settings{Autoflush: true, FlushInterval: tt.interval, Folder: folder})
			require.NoError(t, err)

			rec := NewRecorder(sess)
			rec.OnCandle = func(string, candles.Candle) {}

			events := make(chan model.TradeEvent, len(tt.stamps))
			for i, ts := range tt.stamps {
				events <- createTestTrade("BTC-USDT", ts, float32(10+i))
			}
			close(events)

			require.NoError(t, rec.Record(context.Background(), events))

			recorded, err := dtf.Decode(dtf.Path(folder, "btc_usdt"))
			require.NoError(t, err)
			require.Len(t, recorded, len(tt.stamps), tt.description)
			for i, ts := range tt.stamps {
				assert.Equal(t, ts, recorded[i].Timestamp)
				assert.Equal(t, float32(10+i), recorded[i].Price, "trades must keep their order")
			}
		})
	}
}

// Test_Recorder_ContextCancel tests that cancellation still flushes
func Test_Recorder_ContextCancel(t *testing.T) {
	folder := t.TempDir()
	sess, err := session.New(session.Settings{Autoflush: false, FlushInterval: 100, Folder: folder})
	require.NoError(t, err)

	rec := NewRecorder(sess)
	rec.OnCandle = func(string, candles.Candle) {}

	events := make(chan model.TradeEvent, 1)
	events <- createTestTrade("ETH-BTC", 1505177401000, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Record(ctx, events) }()

	// wait for the buffered trade to be consumed before cancelling
	require.Eventually(t, func() bool { return len(events) == 0 }, timeoutShort, tick)
	cancel()
	require.NoError(t, <-done)

	size, err := dtf.GetSize(dtf.Path(folder, "eth_btc"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)
}

// Test_Recorder_InvalidPair tests that unusable store names stop recording
func Test_Recorder_InvalidPair(t *testing.T) {
	sess, err := session.New(session.Settings{FlushInterval: 1, Folder: t.TempDir()})
	require.NoError(t, err)

	events := make(chan model.TradeEvent, 1)
	events <- createTestTrade("VERYLONGBASEASSETNAME-USDT", 1505177401000, 1)
	close(events)

	err = NewRecorder(sess).Record(context.Background(), events)
	assert.Error(t, err)
}
