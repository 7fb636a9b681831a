package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToMatchingSubscription(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe([]string{"erc20.transfer"}, map[string]string{"contract": "0xabc"})
	defer sub.Close()

	bus.Publish("erc20.transfer", "key1", "starknet.erc20.v1.Transfer", []byte("payload"), Created,
		func(filters map[string]string) bool { return filters["contract"] == "0xabc" })

	select {
	case d := <-sub.C:
		require.NotNil(t, d.Update)
		assert.Equal(t, "key1", d.Update.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}
}

func TestPublish_SkipsSubscriptionOnTopicMismatch(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe([]string{"erc20.transfer"}, nil)
	defer sub.Close()

	bus.Publish("erc721.mint", "key1", "typeurl", nil, Created, nil)

	select {
	case <-sub.C:
		t.Fatal("should not have received a delivery for an unsubscribed topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_SkipsSubscriptionOnFilterMismatch(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe([]string{"erc20.transfer"}, map[string]string{"contract": "0xabc"})
	defer sub.Close()

	bus.Publish("erc20.transfer", "key1", "typeurl", nil, Created,
		func(filters map[string]string) bool { return filters["contract"] == "0xdef" })

	select {
	case <-sub.C:
		t.Fatal("should not have received a delivery that failed the match predicate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_NeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := New(2, nil)
	sub := bus.Subscribe([]string{"t"}, nil)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish("t", "k", "u", nil, Created, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a non-draining subscriber")
	}

	// Drain: expect at most the queue depth's worth of deliveries, including
	// a lag marker.
	sawLag := false
	count := 0
drain:
	for {
		select {
		case d := <-sub.C:
			count++
			if d.Lagged != nil {
				sawLag = true
			}
		default:
			break drain
		}
	}
	assert.True(t, sawLag, "subscriber should observe a lag marker after an overrun")
	assert.LessOrEqual(t, count, 3)
}

func TestClose_DeregistersSubscription(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe([]string{"t"}, nil)
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C
	assert.False(t, ok, "closed subscription's channel should be closed")
}

func TestRegisterTopics_AccumulatesDiscoveryCatalogue(t *testing.T) {
	bus := New(4, nil)
	bus.RegisterTopics([]TopicInfo{{Topic: "erc20.transfer", Description: "ERC-20 transfers"}})
	bus.RegisterTopics([]TopicInfo{{Topic: "erc721.mint"}})

	topics := bus.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "erc20.transfer", topics[0].Topic)
	assert.Equal(t, "erc721.mint", topics[1].Topic)
}

func TestClose_InFlightPublishAfterCloseIsDiscarded(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe([]string{"t"}, nil)
	sub.Close()

	// Must not panic sending on a closed subscription internally.
	bus.Publish("t", "k", "u", nil, Created, nil)
}
