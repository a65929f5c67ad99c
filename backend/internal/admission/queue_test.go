package admission

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestWaitReleasedWhenAllArrive(t *testing.T) {
	q := New(1<<20, time.Minute)
	ch, ok := q.Wait("doc", []causal.Event{{Actor: "hi", Seq: 0}, {Actor: "hi", Seq: 2}, {Actor: "bob", Seq: 5}}, 100)
	assert.Equal(t, ok, true)
	assert.Equal(t, q.Weight(), int64(100))
	assert.Equal(t, q.Pending("doc"), 3)

	q.MarkSatisfied("doc", "hi", 0, 1)
	assert.Equal(t, closed(ch), false)
	assert.Equal(t, q.Pending("doc"), 2)

	q.MarkSatisfied("other", "bob", 5, 5)
	assert.Equal(t, closed(ch), false)

	q.MarkSatisfied("doc", "hi", 2, 2)
	q.MarkSatisfied("doc", "bob", 0, 10)
	assert.Equal(t, closed(ch), true)
	assert.Equal(t, q.Weight(), int64(0))
	assert.Equal(t, q.Pending("doc"), 0)

	// 重复通知不会再次触发
	q.MarkSatisfied("doc", "bob", 5, 5)
}

func TestWaitNothingMissing(t *testing.T) {
	q := New(10, time.Minute)
	ch, ok := q.Wait("doc", nil, 1000)
	assert.Equal(t, ok, true)
	assert.Equal(t, closed(ch), true)
}

func TestBudgetRejects(t *testing.T) {
	q := New(150, time.Minute)
	_, ok := q.Wait("a", []causal.Event{{Actor: "x", Seq: 1}}, 100)
	assert.Equal(t, ok, true)
	_, ok = q.Wait("b", []causal.Event{{Actor: "y", Seq: 1}}, 100)
	assert.Equal(t, ok, false)
	assert.Equal(t, q.Weight(), int64(100))

	q.MarkSatisfied("a", "x", 1, 1)
	_, ok = q.Wait("b", []causal.Event{{Actor: "y", Seq: 1}}, 100)
	assert.Equal(t, ok, true)
}

func TestTimeoutFiresAndCleansUp(t *testing.T) {
	q := New(1<<20, 20*time.Millisecond)
	ch, ok := q.Wait("doc", []causal.Event{{Actor: "a", Seq: 3}}, 10)
	assert.Equal(t, ok, true)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by timeout")
	}
	assert.Equal(t, q.Weight(), int64(0))
	assert.Equal(t, q.Pending("doc"), 0)
	q.MarkSatisfied("doc", "a", 3, 3)
}

func TestSeveralWaitersSameEvent(t *testing.T) {
	q := New(0, time.Minute)
	ch1, _ := q.Wait("doc", []causal.Event{{Actor: "a", Seq: 1}}, 1)
	ch2, _ := q.Wait("doc", []causal.Event{{Actor: "a", Seq: 1}, {Actor: "a", Seq: 4}}, 1)
	q.MarkSatisfied("doc", "a", 1, 1)
	assert.Equal(t, closed(ch1), true)
	assert.Equal(t, closed(ch2), false)
	q.MarkSatisfied("doc", "a", 2, 4)
	assert.Equal(t, closed(ch2), true)
}
