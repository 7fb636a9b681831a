package decoder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-etl/internal/decoder/sample"
	"starknet-etl/internal/enginedb"
	"starknet-etl/internal/envelope"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/felt"
	"starknet-etl/internal/provider"
	"starknet-etl/internal/provider/fake"
	"starknet-etl/internal/registry"
)

type erroringDecoder struct{}

func (erroringDecoder) Name() string   { return "erroring" }
func (erroringDecoder) Filter() Filter { return Filter{} }
func (erroringDecoder) Emits() []envelope.TypeId {
	return []envelope.TypeId{envelope.NewTypeId("test.erroring.v1")}
}
func (erroringDecoder) DecodeEvent(context.Context, extractor.RawEvent) ([]envelope.Envelope, error) {
	return nil, errors.New("decode always fails")
}

func newRegistryWithErc20(t *testing.T, addr felt.Felt) (*registry.Registry, *fake.Provider) {
	t.Helper()
	p := fake.New()
	p.SetClass(addr, provider.ContractClass{
		ClassHash:     felt.FromUint64(1),
		FunctionNames: []string{"transfer", "balance_of"},
		EventNames:    []string{"Transfer"},
	})
	store := enginedb.NewMemStore()
	state := enginedb.NewState(store)
	reg, err := registry.New(registry.DefaultConfig(), p, state, nil, []registry.IdentificationRule{registry.Erc20Rule{}})
	require.NoError(t, err)
	return reg, p
}

func transferEvent(addr, from, to felt.Felt) extractor.RawEvent {
	return extractor.RawEvent{
		FromAddress: addr,
		Keys:        []felt.Felt{felt.Selector("Transfer"), from, to},
		Data:        []felt.Felt{felt.FromUint64(100), felt.Zero},
		BlockNumber: 10,
		BlockHash:   felt.FromUint64(999),
		TxHash:      felt.FromUint64(5),
		TxIndex:     0,
		EventIndex:  0,
	}
}

// renamedErc20Decoder emits the same TypeId as sample.Erc20Decoder under a
// different decoder name.
type renamedErc20Decoder struct{ sample.Erc20Decoder }

func (renamedErc20Decoder) Name() string { return "erc20-copy" }

func TestNew_RejectsDuplicateTypeId(t *testing.T) {
	reg, _ := newRegistryWithErc20(t, felt.FromUint64(1))
	_, err := New(reg, []Decoder{sample.Erc20Decoder{}, renamedErc20Decoder{}})
	require.Error(t, err)
}

func TestRoute_ClassifiedEventProducesEnvelope(t *testing.T) {
	addr := felt.FromUint64(0x111)
	from := felt.FromUint64(0xAAA)
	to := felt.FromUint64(0xBBB)
	reg, _ := newRegistryWithErc20(t, addr)

	md, err := New(reg, []Decoder{sample.Erc20Decoder{}})
	require.NoError(t, err)

	envs, ops, err := md.Route(context.Background(), []extractor.RawEvent{transferEvent(addr, from, to)})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, sample.TransferTypeId.String(), envs[0].TypeId().String())
	require.NotEmpty(t, ops, "first sighting must produce classification ops for the orchestrator to commit")

	body, ok := envelope.DowncastTo[sample.Transfer](envs[0])
	require.True(t, ok)
	assert.True(t, body.From.Equal(from))
	assert.True(t, body.To.Equal(to))
}

func TestRoute_UnclassifiedContractDropsEvent(t *testing.T) {
	addr := felt.FromUint64(0x222)
	p := fake.New()
	p.SetClass(addr, provider.ContractClass{ClassHash: felt.FromUint64(2), FunctionNames: []string{"unrelated"}})
	store := enginedb.NewMemStore()
	state := enginedb.NewState(store)
	reg, err := registry.New(registry.DefaultConfig(), p, state, nil, []registry.IdentificationRule{registry.Erc20Rule{}})
	require.NoError(t, err)

	md, err := New(reg, []Decoder{sample.Erc20Decoder{}})
	require.NoError(t, err)

	envs, _, err := md.Route(context.Background(), []extractor.RawEvent{
		transferEvent(addr, felt.FromUint64(1), felt.FromUint64(2)),
	})
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestRoute_MalformedEventIncrementsDecodeFailuresAndIsSkipped(t *testing.T) {
	addr := felt.FromUint64(0x333)
	reg, _ := newRegistryWithErc20(t, addr)

	md, err := New(reg, []Decoder{sample.Erc20Decoder{}})
	require.NoError(t, err)

	malformed := extractor.RawEvent{
		FromAddress: addr,
		Keys:        []felt.Felt{felt.Selector("Transfer")}, // missing from/to keys
		Data:        []felt.Felt{felt.FromUint64(100), felt.Zero},
	}

	envs, _, err := md.Route(context.Background(), []extractor.RawEvent{malformed})
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.Equal(t, int64(1), md.DecodeFailures())
}

func TestRoute_DecoderErrorDoesNotFailBatch(t *testing.T) {
	addr := felt.FromUint64(0x444)
	p := fake.New()
	p.SetClass(addr, provider.ContractClass{
		ClassHash:     felt.FromUint64(3),
		FunctionNames: []string{"transfer", "balance_of"},
		EventNames:    []string{"Transfer"},
	})
	store := enginedb.NewMemStore()
	state := enginedb.NewState(store)
	reg, err := registry.New(registry.DefaultConfig(), p, state,
		map[string]registry.Classification{addr.PaddedHex(): {registry.NewDecoderId("erroring")}},
		nil)
	require.NoError(t, err)

	md, err := New(reg, []Decoder{erroringDecoder{}})
	require.NoError(t, err)

	envs, _, err := md.Route(context.Background(), []extractor.RawEvent{
		transferEvent(addr, felt.FromUint64(1), felt.FromUint64(2)),
	})
	require.NoError(t, err, "a single event's decode error must not fail the batch")
	assert.Empty(t, envs)
	assert.Equal(t, int64(1), md.DecodeFailures())
}
