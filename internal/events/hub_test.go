package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(2)
	h.Publish(TypeSessionStarted, nil)
	h.Publish(TypeSessionCompleted, map[string]string{"response_uuid": "a"})
	h.Publish(TypeSessionCompleted, map[string]string{"response_uuid": "b"})

	ch, cancel := h.Subscribe(0)
	backlog := drain(ch)
	cancel()
	require.Len(t, backlog, 2)
	assert.EqualValues(t, 2, backlog[0].ID)
	assert.EqualValues(t, 3, backlog[1].ID)
	assert.JSONEq(t, `{"response_uuid":"b"}`, string(backlog[1].Data))

	ch, cancel = h.Subscribe(2)
	defer cancel()
	assert.Len(t, drain(ch), 1)
}

func TestHubConcurrentPublishKeepsIDOrder(t *testing.T) {
	const publishers, each = 8, 50
	h := NewHub(publishers * each)
	live, cancel := h.Subscribe(0)
	defer cancel()

	var (
		wg       sync.WaitGroup
		received []Event
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		for ev := range live {
			received = append(received, ev)
			if len(received) == publishers*each {
				return
			}
		}
	}()

	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				h.Publish(TypeSessionCompleted, nil)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, publishers*each, h.LastID())

	ch, stop := h.Subscribe(0)
	backlog := drain(ch)
	stop()
	require.Len(t, backlog, publishers*each)
	for i, ev := range backlog {
		assert.EqualValues(t, i+1, ev.ID, "ring out of order at %d", i)
	}

	// A slow reader may drop events; whatever arrived must still ascend.
	cancel()
	<-done
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i].ID, received[i-1].ID)
	}
}

func TestHubSubscribeReplaysBacklogThenLive(t *testing.T) {
	h := NewHub(8)
	h.Publish(TypeSessionStarted, nil)

	ch, cancel := h.Subscribe(0)
	defer cancel()

	first := <-ch
	assert.Equal(t, TypeSessionStarted, first.Type)
	assert.JSONEq(t, `{}`, string(first.Data))

	h.Publish(TypeSessionCompleted, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeSessionCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestHubCancelClosesChannelOnce(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe(0)
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())

	// Publishing after cancel must not panic.
	h.Publish(TypeSessionStarted, nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe(0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeSessionStarted, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubLastID(t *testing.T) {
	h := NewHub(4)
	assert.Equal(t, int64(0), h.LastID())
	h.Publish(TypeSessionStarted, nil)
	h.Publish(TypeSessionCompleted, nil)
	assert.Equal(t, int64(2), h.LastID())

	ch, cancel := h.Subscribe(h.LastID())
	defer cancel()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected replay of event %d", ev.ID)
	default:
	}
}
