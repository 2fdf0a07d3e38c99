package stream

import (
	"testing"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PositionUpdateSentOnFirstPublish(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 20000})

	ev := <-ch
	require.NotNil(t, ev.Position)
	assert.Equal(t, uint64(1), ev.Position.Sequence)
}

func TestHub_DebouncesInsignificantChange(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 20000})
	<-ch

	// 0.05% change: below the 1% debounce threshold.
	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 20010})

	select {
	case ev := <-ch:
		t.Fatalf("expected no event for insignificant change, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_EmitsOnSignificantChange(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 20000})
	<-ch

	// 5% change: above threshold.
	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 21000})

	ev := <-ch
	require.NotNil(t, ev.Position)
	assert.Equal(t, uint64(2), ev.Position.Sequence)
}

func TestHub_SequenceIsPerSubscriber(t *testing.T) {
	h := NewHub()
	ch1, unsub1 := h.Subscribe()
	defer unsub1()

	h.PublishPosition(PositionUpdate{Symbol: "BTC", Venue: "binance", Quantity: 1, Mark: 20000})
	<-ch1

	ch2, unsub2 := h.Subscribe()
	defer unsub2()

	h.PublishPosition(PositionUpdate{Symbol: "ETH", Venue: "okx", Quantity: 1, Mark: 2000})

	ev2 := <-ch2
	require.NotNil(t, ev2.Position)
	assert.Equal(t, uint64(1), ev2.Position.Sequence) // first event this subscriber has seen
}

func TestHub_SlowSubscriberDisconnectedOnOverflow(t *testing.T) {
	h := NewHub(WithBufferSize(2))
	ch, _ := h.Subscribe()

	for i := 0; i < 10; i++ {
		h.PublishAlert(alert.New(alert.Info, "k", "m", nil))
	}

	_, stillOpen := <-ch
	for stillOpen {
		_, stillOpen = <-ch
	}
}

func TestHub_PublishAlertIsNeverDebounced(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	a := alert.New(alert.Warning, "exposure", "over limit", nil)
	h.PublishAlert(a)
	h.PublishAlert(a)

	first := <-ch
	second := <-ch
	require.NotNil(t, first.Alert)
	require.NotNil(t, second.Alert)
	assert.Equal(t, uint64(1), first.Alert.Sequence)
	assert.Equal(t, uint64(2), second.Alert.Sequence)
}

func TestHub_SubscribeResumeEmitsGapMarkerFirst(t *testing.T) {
	h := NewHub()
	ch, unsubscribe := h.SubscribeResume(42)
	defer unsubscribe()

	ev := <-ch
	assert.True(t, ev.GapMarker)
}
