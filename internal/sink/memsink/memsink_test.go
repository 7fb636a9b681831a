package memsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-etl/internal/envelope"
	"starknet-etl/internal/eventbus"
	"starknet-etl/internal/extractor"
	"starknet-etl/internal/sink"
)

type fakeBody struct{}

func (fakeBody) TypeID() envelope.TypeId      { return testType }
func (fakeBody) MarshalBinary() ([]byte, error) { return []byte(`{"ok":true}`), nil }

var testType = envelope.NewTypeId("test.memsink.v1")

func newTestSink(t *testing.T, bus *eventbus.Bus) *Sink {
	t.Helper()
	s := New("mem", []envelope.TypeId{testType},
		[]eventbus.TopicInfo{{Topic: "test.topic"}},
		func(e envelope.Envelope) (string, string, eventbus.UpdateType) {
			return "test.topic", e.ID(), eventbus.Created
		})
	require.NoError(t, s.Initialize(context.Background(), sink.Context{Bus: bus}))
	return s
}

func TestProcess_StoresEnvelopesIdempotently(t *testing.T) {
	s := newTestSink(t, eventbus.New(4, nil))
	env := envelope.New("e1", fakeBody{}, nil)

	require.NoError(t, s.Process(context.Background(), []envelope.Envelope{env}, extractor.ExtractionBatch{Live: true}))
	require.NoError(t, s.Process(context.Background(), []envelope.Envelope{env}, extractor.ExtractionBatch{Live: true}))

	assert.Equal(t, 1, s.Count(), "reprocessing the same envelope must not duplicate it")
}

func TestProcess_PublishesOnlyWhenLive(t *testing.T) {
	bus := eventbus.New(4, nil)
	s := newTestSink(t, bus)
	sub := bus.Subscribe([]string{"test.topic"}, nil)
	defer sub.Close()

	env := envelope.New("e1", fakeBody{}, nil)
	require.NoError(t, s.Process(context.Background(), []envelope.Envelope{env}, extractor.ExtractionBatch{Live: false}))

	select {
	case <-sub.C:
		t.Fatal("must not publish for a non-live (backfill) batch")
	default:
	}

	env2 := envelope.New("e2", fakeBody{}, nil)
	require.NoError(t, s.Process(context.Background(), []envelope.Envelope{env2}, extractor.ExtractionBatch{Live: true}))

	select {
	case d := <-sub.C:
		require.NotNil(t, d.Update)
		assert.Equal(t, "e2", d.Update.Key)
	default:
		t.Fatal("expected a publication for the live batch")
	}
}
