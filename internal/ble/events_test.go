package ble

import "testing"

func TestFeedDeliversInSubscribeOrder(t *testing.T) {
	feed := NewFeed()
	var order []string
	a := feed.Subscribe(func(Event) { order = append(order, "a") })
	defer a.Close()
	b := feed.Subscribe(func(Event) { order = append(order, "b") })
	defer b.Close()

	feed.Publish(Event{Kind: EventScanStopped})

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("delivery order = %v, want [a b]", order)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	feed := NewFeed()
	count := 0
	sub := feed.Subscribe(func(Event) { count++ })

	feed.Publish(Event{Kind: EventDiscovered, ID: "AA:BB", Name: "x"})
	sub.Close()
	sub.Close()
	feed.Publish(Event{Kind: EventDiscovered, ID: "AA:BB", Name: "x"})

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestFeedRecoversPanickingHandler(t *testing.T) {
	feed := NewFeed()
	bad := feed.Subscribe(func(Event) { panic("boom") })
	defer bad.Close()

	got := 0
	good := feed.Subscribe(func(Event) { got++ })
	defer good.Close()

	feed.Publish(Event{Kind: EventConnected, ID: "AA:BB"})
	if got != 1 {
		t.Errorf("second handler called %d times, want 1", got)
	}
}

func TestFeedUnsubscribeDuringDelivery(t *testing.T) {
	feed := NewFeed()
	var second *Subscription
	calls := 0
	first := feed.Subscribe(func(Event) { second.Close() })
	defer first.Close()
	second = feed.Subscribe(func(Event) { calls++ })

	feed.Publish(Event{Kind: EventScanStopped})
	if calls != 0 {
		t.Errorf("closed handler called %d times, want 0", calls)
	}
}

func TestEventKindString(t *testing.T) {
	if got := EventDiscovered.String(); got != "peripheral_discovered" {
		t.Errorf("String() = %q, want %q", got, "peripheral_discovered")
	}
	if got := EventKind(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}

func TestFeedDeliversManySubscribersInOrder(t *testing.T) {
	feed := NewFeed()
	var order []int
	for i := 0; i < 20; i++ {
		sub := feed.Subscribe(func(Event) { order = append(order, i) })
		defer sub.Close()
	}

	feed.Publish(Event{Kind: EventScanStopped})

	if len(order) != 20 {
		t.Fatalf("got %d deliveries, want 20", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order = %v, want subscribe order", order)
		}
	}
}
