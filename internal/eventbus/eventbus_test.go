package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greezybacon/mdrived/internal/handle"
)

func TestPublishSubscribe_ExactTopic(t *testing.T) {
	b := New(4)
	client := b.NewClient("c1")
	sub := client.Subscribe(TopicOf("motor", "1", "event", "EV_MOTION"))

	b.Publish(b.NewEnvelope(TopicOf("motor", "1", "event", "EV_MOTION"), "done", false))

	select {
	case env := <-sub.Envelopes():
		assert.Equal(t, "done", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected envelope, got none")
	}
}

func TestPublishSubscribe_Wildcard1MatchesOneSegment(t *testing.T) {
	b := New(4)
	client := b.NewClient("c1")
	sub := client.Subscribe(TopicOf("motor", Wildcard1, "event", "EV_MOTION"))

	b.Publish(b.NewEnvelope(TopicOf("motor", "42", "event", "EV_MOTION"), "x", false))

	select {
	case <-sub.Envelopes():
	case <-time.After(time.Second):
		t.Fatal("wildcard1 subscription never matched")
	}
}

func TestPublishSubscribe_WildcardNMatchesSuffix(t *testing.T) {
	b := New(4)
	client := b.NewClient("c1")
	sub := client.Subscribe(TopicOf("motor", "1", "request", WildcardN))

	b.Publish(b.NewEnvelope(TopicOf("motor", "1", "request", "move"), "x", false))

	select {
	case <-sub.Envelopes():
	case <-time.After(time.Second):
		t.Fatal("wildcardN subscription never matched")
	}
}

func TestRetained_DeliveredToLateSubscriber(t *testing.T) {
	b := New(4)
	pub := b.NewClient("pub")
	b.Publish(pub.NewEnvelope(TopicOf("motor", "1", "state"), "idle", true))

	sub := b.NewClient("sub").Subscribe(TopicOf("motor", "1", "state"))
	select {
	case env := <-sub.Envelopes():
		assert.Equal(t, "idle", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("retained envelope never replayed")
	}
}

func TestRequestWait_RoundTrips(t *testing.T) {
	b := New(4)
	server := b.NewClient("server")
	serverSub := server.Subscribe(TopicOf("motor", "1", "request", "move"))
	go func() {
		env := <-serverSub.Envelopes()
		server.Reply(env, "ok")
	}()

	client := b.NewClient("client")
	reply, err := client.RequestWait(context.Background(), client.NewEnvelope(TopicOf("motor", "1", "request", "move"), "move-payload", false))
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Payload)
}

func TestRequestWait_ContextCancel(t *testing.T) {
	b := New(4)
	client := b.NewClient("client")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.RequestWait(ctx, client.NewEnvelope(TopicOf("motor", "1", "request", "move"), "x", false))
	require.Error(t, err)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(4)
	client := b.NewClient("c1")
	sub := client.Subscribe(TopicOf("motor", "1", "event", "EV_MOTION"))
	client.Unsubscribe(sub)

	b.Publish(b.NewEnvelope(TopicOf("motor", "1", "event", "EV_MOTION"), "x", false))

	select {
	case _, ok := <-sub.Envelopes():
		assert.False(t, ok, "channel should be closed, not delivering")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnect_TearsDownAllSubscriptions(t *testing.T) {
	b := New(4)
	client := b.NewClient("c1")
	sub1 := client.Subscribe(TopicOf("a"))
	sub2 := client.Subscribe(TopicOf("b"))
	client.Disconnect()

	_, ok1 := <-sub1.Envelopes()
	_, ok2 := <-sub2.Envelopes()
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestMotorTopics_Shape(t *testing.T) {
	table := handle.NewTable[int](1)
	h, ok := table.Alloc(0)
	require.True(t, ok)

	ev := MotorEventTopic(h, "EV_MOTION")
	req := MotorRequestTopic(h, "move")

	assert.Equal(t, Topic{"motor", h.String(), "event", "EV_MOTION"}, ev)
	assert.Equal(t, Topic{"motor", h.String(), "request", "move"}, req)
}
