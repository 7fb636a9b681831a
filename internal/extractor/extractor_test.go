package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
	"starknet-etl/internal/provider/fake"
)

func seedBlock(p *fake.Provider, number uint64, nEvents int) {
	var events []provider.Event
	for i := 0; i < nEvents; i++ {
		events = append(events, provider.Event{
			FromAddress: felt.FromUint64(0xAAA),
			Keys:        []felt.Felt{felt.FromUint64(1)},
			Data:        []felt.Felt{felt.FromUint64(uint64(i))},
			BlockNumber: number,
			TxIndex:     uint64(i),
			EventIndex:  0,
		})
	}
	p.AddBlock(provider.Block{Number: number, Events: events})
}

func TestExtract_EmptyRangeAtHead(t *testing.T) {
	p := fake.New()
	p.SetLatest(99)
	ex := New(p, 100, nil, 10, DefaultRetryConfig())

	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Empty())
	assert.Equal(t, uint64(100), ex.Cursor(), "cursor must not advance on an empty range")
}

func TestExtract_ReturnsContiguousBlocksInOrder(t *testing.T) {
	p := fake.New()
	for n := uint64(100); n <= uint64(104); n++ {
		seedBlock(p, n, 2)
	}
	p.SetLatest(104)

	ex := New(p, 100, nil, 5, DefaultRetryConfig())
	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	require.False(t, batch.Empty())

	assert.Equal(t, []uint64{100, 101, 102, 103, 104}, batch.Blocks)
	assert.Len(t, batch.Events, 10)
	assert.Equal(t, uint64(105), ex.Cursor())
}

func TestExtract_LiveFlag(t *testing.T) {
	p := fake.New()
	seedBlock(p, 1, 1)
	p.SetLatest(1)
	ex := New(p, 1, nil, 10, DefaultRetryConfig())

	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.True(t, batch.Live, "batch at chain head must be live")

	p2 := fake.New()
	seedBlock(p2, 1, 1)
	p2.SetLatest(1000)
	ex2 := New(p2, 1, nil, 10, DefaultRetryConfig())
	batch2, err := ex2.Extract(context.Background())
	require.NoError(t, err)
	assert.False(t, batch2.Live, "batch far from chain head must not be live")
}

func TestExtract_RespectsToBlockAndIsFinished(t *testing.T) {
	p := fake.New()
	for n := uint64(1); n <= 20; n++ {
		seedBlock(p, n, 0)
	}
	p.SetLatest(20)

	to := uint64(5)
	ex := New(p, 1, &to, 10, DefaultRetryConfig())

	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, batch.Blocks)
	assert.True(t, ex.IsFinished())

	batch2, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.True(t, batch2.Empty())
}

func TestExtract_RetriesTransientFailureThenSucceeds(t *testing.T) {
	p := fake.New()
	seedBlock(p, 1, 3)
	p.SetLatest(1)
	p.FailNextBatchRequests(2)

	cfg := DefaultRetryConfig()
	cfg.BaseBackoff = 0
	ex := New(p, 1, nil, 10, cfg)

	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, batch.Blocks)
	assert.Len(t, batch.Events, 3)
}

func TestExtract_SeedCursorResumes(t *testing.T) {
	p := fake.New()
	for n := uint64(1); n <= 10; n++ {
		seedBlock(p, n, 0)
	}
	p.SetLatest(10)

	ex := New(p, 1, nil, 5, DefaultRetryConfig())
	require.NoError(t, ex.SeedCursor("7"))
	assert.Equal(t, uint64(7), ex.Cursor())

	batch, err := ex.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8, 9, 10}, batch.Blocks)
}
