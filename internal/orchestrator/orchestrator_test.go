package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-etl/internal/decoder"
	"starknet-etl/internal/decoder/sample"
	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/envelope"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
	"starknet-etl/internal/provider/fake"
	"starknet-etl/internal/registry"
	"starknet-etl/internal/sink"
	"starknet-etl/internal/sink/memsink"
)

func seedTransferBlock(p *fake.Provider, number uint64, contract, from, to felt.Felt, value uint64) {
	p.AddBlock(provider.Block{
		Number: number,
		Hash:   felt.FromUint64(number + 1000),
		Events: []provider.Event{
			{
				FromAddress: contract,
				Keys:        []felt.Felt{felt.Selector("Transfer"), from, to},
				Data:        []felt.Felt{felt.FromUint64(value), felt.Zero},
				BlockNumber: number,
				BlockHash:   felt.FromUint64(number + 1000),
				TxHash:      felt.FromUint64(number*10 + 1),
			},
		},
	})
}

func newHarness(t *testing.T, explicit map[string]registry.Classification) (*fake.Provider, *enginedb.State, *memsink.Sink, *Orchestrator) {
	t.Helper()
	p := fake.New()
	store := enginedb.NewMemStore()
	state := enginedb.NewState(store)

	reg, err := registry.New(registry.DefaultConfig(), p, state, explicit, []registry.IdentificationRule{registry.Erc20Rule{}})
	require.NoError(t, err)

	md, err := decoder.New(reg, []decoder.Decoder{sample.Erc20Decoder{}})
	require.NoError(t, err)

	ms := memsink.New("mem", []envelope.TypeId{sample.TransferTypeId},
		[]eventbus.TopicInfo{{Topic: "erc20.transfer"}},
		func(e envelope.Envelope) (string, string, eventbus.UpdateType) {
			return "erc20.transfer", e.ID(), eventbus.Created
		})

	ex := extractor.New(p, 1, nil, 10, extractor.DefaultRetryConfig())
	orch := New(Config{IdleInterval: 10 * time.Millisecond}, ex, md, []sink.Sink{ms}, state, nil)
	require.NoError(t, orch.Initialize(context.Background(), sink.Context{Bus: eventbus.New(16, nil)}))

	return p, state, ms, orch
}

func TestRun_P1_MonotoneHeadAcrossBatches(t *testing.T) {
	addr := felt.FromUint64(0xAAA)
	p, state, _, orch := newHarness(t, map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erc20")}})

	for n := uint64(1); n <= 25; n++ {
		seedTransferBlock(p, n, addr, felt.FromUint64(1), felt.FromUint64(2), 100)
	}
	p.SetLatest(25)
	to := uint64(25)
	orch.extractor.ToBlock = &to

	var heads []uint64
	for !orch.extractor.IsFinished() {
		batch, err := orch.extractor.Extract(context.Background())
		require.NoError(t, err)
		if batch.Empty() {
			break
		}
		envs, ops, err := orch.decoder.Route(context.Background(), batch.Events)
		require.NoError(t, err)
		require.NoError(t, orch.sinks[0].Process(context.Background(), envs, batch))
		before, _ := state.Head()
		require.NoError(t, enginedb.CommitBatch(state.Store, batch.HighestBlock(), 0, batch.Cursor, ops))
		after, _ := state.Head()
		assert.Greater(t, after, before)
		heads = append(heads, after)
	}

	for i := 1; i < len(heads); i++ {
		assert.Greater(t, heads[i], heads[i-1], "P1: head must strictly increase across batch commits")
	}
}

func TestRun_HappyPath_ExplicitMapping(t *testing.T) {
	addr := felt.FromUint64(0xAAA)
	p, state, ms, orch := newHarness(t, map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erc20")}})

	seedTransferBlock(p, 100, addr, felt.FromUint64(1), felt.FromUint64(2), 1000)
	p.SetLatest(100)
	to := uint64(100)
	orch.extractor.ToBlock = &to
	require.NoError(t, orch.extractor.SeedCursor("100"))

	require.NoError(t, orch.Run(context.Background()))

	head, err := state.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)

	records := ms.Records()
	require.Len(t, records, 1)
	body := records[0].Body.(sample.Transfer)
	assert.Equal(t, "1000", body.Value.String())
}

func TestRun_P5_RegistryConvergesAfterFirstSighting(t *testing.T) {
	addr := felt.FromUint64(0xBBB)
	p, _, _, orch := newHarness(t, nil)
	p.SetClass(addr, provider.ContractClass{
		ClassHash:     felt.FromUint64(7),
		FunctionNames: []string{"transfer", "balance_of"},
		EventNames:    []string{"Transfer"},
	})

	seedTransferBlock(p, 1, addr, felt.FromUint64(1), felt.FromUint64(2), 10)
	seedTransferBlock(p, 2, addr, felt.FromUint64(3), felt.FromUint64(4), 20)
	p.SetLatest(2)
	to := uint64(2)
	orch.extractor.ToBlock = &to
	orch.extractor.BatchSize = 1

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, 1, p.GetClassHashAtCallCount(), "P5: second sighting of 0xBBB must hit the registry cache, not re-fetch the class")
}

func TestRun_TombstonePath_DropsEventsWithNoRPC(t *testing.T) {
	addr := felt.FromUint64(0xCCC)
	p, _, ms, orch := newHarness(t, nil)
	p.SetClass(addr, provider.ContractClass{ClassHash: felt.FromUint64(8), FunctionNames: []string{"unrelated"}})

	seedTransferBlock(p, 1, addr, felt.FromUint64(1), felt.FromUint64(2), 10)
	seedTransferBlock(p, 2, addr, felt.FromUint64(3), felt.FromUint64(4), 20)
	p.SetLatest(2)
	to := uint64(2)
	orch.extractor.ToBlock = &to
	orch.extractor.BatchSize = 1

	require.NoError(t, orch.Run(context.Background()))

	assert.Equal(t, 0, ms.Count())
	assert.Equal(t, 1, p.GetClassHashAtCallCount(), "tombstoned address must not be re-identified on subsequent sightings")
}

func TestRun_P2_IdempotentReplay(t *testing.T) {
	addr := felt.FromUint64(0xEEE)
	p, state, ms, orch := newHarness(t, map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erc20")}})

	seedTransferBlock(p, 1, addr, felt.FromUint64(1), felt.FromUint64(2), 10)
	p.SetLatest(1)
	to := uint64(1)
	orch.extractor.ToBlock = &to

	batch, err := orch.extractor.Extract(context.Background())
	require.NoError(t, err)
	require.False(t, batch.Empty())

	envs, ops, err := orch.decoder.Route(context.Background(), batch.Events)
	require.NoError(t, err)

	// Process and commit the same decoded batch twice, simulating a
	// restart that replays an already-committed batch (spec §8 P2:
	// idempotent replay never duplicates sink state).
	require.NoError(t, orch.sinks[0].Process(context.Background(), envs, batch))
	require.NoError(t, enginedb.CommitBatch(state.Store, batch.HighestBlock(), 1, batch.Cursor, ops))
	require.NoError(t, orch.sinks[0].Process(context.Background(), envs, batch))
	require.NoError(t, enginedb.CommitBatch(state.Store, batch.HighestBlock(), 1, batch.Cursor, ops))

	assert.Equal(t, 1, ms.Count(), "P2: replaying a batch must not duplicate sink records")
}

func TestRun_P3_OrderPreservedWithinBlock(t *testing.T) {
	addr := felt.FromUint64(0xFFF)
	p, _, ms, orch := newHarness(t, map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erc20")}})

	p.AddBlock(provider.Block{
		Number: 1,
		Hash:   felt.FromUint64(1001),
		Events: []provider.Event{
			{
				FromAddress: addr,
				Keys:        []felt.Felt{felt.Selector("Transfer"), felt.FromUint64(1), felt.FromUint64(2)},
				Data:        []felt.Felt{felt.FromUint64(111), felt.Zero},
				BlockNumber: 1, BlockHash: felt.FromUint64(1001), TxHash: felt.FromUint64(1), TxIndex: 0, EventIndex: 0,
			},
			{
				FromAddress: addr,
				Keys:        []felt.Felt{felt.Selector("Transfer"), felt.FromUint64(3), felt.FromUint64(4)},
				Data:        []felt.Felt{felt.FromUint64(222), felt.Zero},
				BlockNumber: 1, BlockHash: felt.FromUint64(1001), TxHash: felt.FromUint64(1), TxIndex: 0, EventIndex: 1,
			},
		},
	})
	p.SetLatest(1)
	to := uint64(1)
	orch.extractor.ToBlock = &to

	require.NoError(t, orch.Run(context.Background()))

	records := ms.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "111", records[0].Body.(sample.Transfer).Value.String(), "P3: events must be processed in emission order")
	assert.Equal(t, "222", records[1].Body.(sample.Transfer).Value.String())
}

func TestRun_P7_BackfillBatchesDoNotPublish(t *testing.T) {
	addr := felt.FromUint64(0xDDD)
	p, _, _, orch := newHarness(t, map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erc20")}})

	bus := eventbus.New(16, nil)
	sub := bus.Subscribe([]string{"erc20.transfer"}, nil)
	defer sub.Close()
	require.NoError(t, orch.Initialize(context.Background(), sink.Context{Bus: bus}))

	// Far from head: batch.Live must be false.
	seedTransferBlock(p, 1, addr, felt.FromUint64(1), felt.FromUint64(2), 10)
	p.SetLatest(1 + extractor.DefaultLiveThresholdBlocks + 1)
	to := uint64(1)
	orch.extractor.ToBlock = &to

	require.NoError(t, orch.Run(context.Background()))

	select {
	case <-sub.C:
		t.Fatal("P7: backfill batch must not publish to the event bus")
	default:
	}
}
