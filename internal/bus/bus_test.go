package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/models"
)

func testBus(opts ...Option) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := testBus()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	b.Subscribe(SignalGenerated, "test", func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Signal.ID)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}, nil)

	for _, id := range []string{"a", "b", "c"} {
		b.Publish(Event{Type: SignalGenerated, Signal: &models.Signal{ID: id}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw all events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFilterSkipsEvents(t *testing.T) {
	b := testBus()
	defer b.Close()

	got := make(chan string, 4)
	b.Subscribe(CandleClosed, "only-nifty", func(_ context.Context, ev Event) {
		got <- ev.Candle.Symbol
	}, func(ev Event) bool { return ev.Candle.Symbol == "NIFTY 50" })

	b.Publish(Event{Type: CandleClosed, Candle: &models.Candle{Symbol: "BANKNIFTY"}})
	b.Publish(Event{Type: CandleClosed, Candle: &models.Candle{Symbol: "NIFTY 50"}})

	select {
	case sym := <-got:
		assert.Equal(t, "NIFTY 50", sym)
	case <-time.After(2 * time.Second):
		t.Fatal("filtered delivery never arrived")
	}
	select {
	case sym := <-got:
		t.Fatalf("unexpected delivery for %s", sym)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	b := testBus(WithQueueSize(1))
	defer b.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	b.Subscribe(PositionUpdated, "slow", func(_ context.Context, _ Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	}, nil)

	// first event occupies the handler, second fills the queue, third drops
	b.Publish(Event{Type: PositionUpdated, Position: &models.Position{ID: "1"}})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	b.Publish(Event{Type: PositionUpdated, Position: &models.Position{ID: "2"}})
	b.Publish(Event{Type: PositionUpdated, Position: &models.Position{ID: "3"}})

	assert.Equal(t, int64(1), b.Dropped())
	close(block)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := testBus()
	defer b.Close()

	survived := make(chan struct{})
	b.Subscribe(OrderRejected, "panics", func(_ context.Context, _ Event) {
		panic("boom")
	}, nil)
	b.Subscribe(OrderRejected, "healthy", func(_ context.Context, _ Event) {
		close(survived)
	}, nil)

	b.Publish(Event{Type: OrderRejected, OrderID: "o-1"})

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
	require.Eventually(t, func() bool { return b.Panics() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := testBus()
	defer b.Close()

	got := make(chan struct{}, 4)
	cancel := b.Subscribe(SignalStopped, "short-lived", func(_ context.Context, _ Event) {
		got <- struct{}{}
	}, nil)

	b.Publish(Event{Type: SignalStopped, Signal: &models.Signal{ID: "x"}})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}

	cancel()
	b.Publish(Event{Type: SignalStopped, Signal: &models.Signal{ID: "y"}})
	select {
	case <-got:
		t.Fatal("delivery after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
