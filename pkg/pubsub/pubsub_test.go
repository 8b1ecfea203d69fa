package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := New[string]()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish("hello")
	select {
	case v := <-sub:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, ok := <-sub
	assert.False(t, ok, "unsubscribed channel should be closed")
}

func TestBrokerFullSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := New[int]()
	sub := b.Subscribe()
	for i := 0; i < 1000; i++ {
		b.Publish(i)
	}
	// Publish must not have blocked; draining succeeds without a deadlock.
	select {
	case <-sub:
	default:
		t.Fatal("expected at least one buffered value")
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("add db-1")
	require.NoError(t, err)
	assert.Equal(t, Command{Verb: CommandAdd, ID: "db-1"}, cmd)
	assert.Equal(t, "add db-1", cmd.String())

	_, err = ParseCommand("add")
	assert.Error(t, err)

	_, err = ParseCommand("frobnicate db-1")
	assert.Error(t, err)
}
