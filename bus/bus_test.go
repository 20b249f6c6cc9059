package bus

import "testing"

func TestEmitDispatchesInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	b.On("blocks/change", func(payload any) { order = append(order, 1) })
	b.On("blocks/change", func(payload any) { order = append(order, 2) })
	b.Emit("blocks/change", nil)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected dispatch order: %v", order)
	}
}

func TestEmitWithoutListenersIsNoop(t *testing.T) {
	b := New()
	b.Emit("no-such-topic", "payload")
}

func TestEmitPassesPayload(t *testing.T) {
	b := New()
	var got any
	b.On("receiveBlock", func(payload any) { got = payload })
	b.Emit("receiveBlock", 42)
	if got != 42 {
		t.Fatalf("expected payload 42, got %v", got)
	}
}
