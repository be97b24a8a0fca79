package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trend-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) TradeJournal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func fill(id string, orderID int64, price float64, at time.Time) models.FillRecord {
	return models.FillRecord{
		ID:         id,
		Symbol:     "BTCUSDT",
		OrderID:    orderID,
		Side:       "BUY",
		Price:      price,
		Quantity:   0.002,
		TPPrice:    price * 1.002,
		GridState:  "ACTIVE",
		FilledAt:   at,
		RecordedAt: at.Add(time.Second),
	}
}

func TestRecordAndReadFills(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordFill(ctx, fill("a", 1, 99900, base)))
	require.NoError(t, j.RecordFill(ctx, fill("b", 2, 99800, base.Add(time.Minute))))
	require.NoError(t, j.RecordFill(ctx, models.FillRecord{ID: "c", Symbol: "ETHUSDT", OrderID: 3, Side: "BUY", FilledAt: base}))

	fills, err := j.RecentFills(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "b", fills[0].ID, "newest first")
	assert.Equal(t, 99800.0, fills[0].Price)
	assert.Equal(t, base.Add(time.Minute), fills[0].FilledAt)
	assert.Equal(t, "a", fills[1].ID)
}

func TestRecordFillIsIdempotentPerOrder(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordFill(ctx, fill("a", 1, 99900, at)))
	require.NoError(t, j.RecordFill(ctx, fill("a-dup", 1, 99900, at)))

	st, err := j.FillStats(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	assert.InDelta(t, 0.002, st.Quantity, 1e-12)
	assert.InDelta(t, 199.8, st.Notional, 1e-9)
}

func TestRecordFillRequiresID(t *testing.T) {
	j := openTestJournal(t)
	assert.Error(t, j.RecordFill(context.Background(), models.FillRecord{OrderID: 9}))
}

func TestFillStatsEmpty(t *testing.T) {
	j := openTestJournal(t)

	st, err := j.FillStats(context.Background(), "BTCUSDT")

	require.NoError(t, err)
	assert.Equal(t, FillStats{}, st)
}

func TestRecentFillsLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, j.RecordFill(ctx, fill(string(rune('a'+i)), i, 99000+float64(i), at.Add(time.Duration(i)*time.Second))))
	}

	fills, err := j.RecentFills(ctx, "BTCUSDT", 3)

	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Equal(t, int64(5), fills[0].OrderID)
}
