package codec

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

func ev(actor string, seq uint64) causal.Event {
	return causal.Event{Actor: actor, Seq: seq}
}

func TestVarintRoundTrip(t *testing.T) {
	for _, x := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		b := appendUvarint(nil, x)
		r := &reader{buf: b}
		got, err := r.uvarint()
		assert.Equal(t, err, nil)
		assert.Equal(t, got, x)
	}
	for _, x := range []int64{0, -1, 1, -300, 1 << 33} {
		assert.Equal(t, unzigzag(zigzag(x)), x)
	}
}

func TestEncodeEditRoundTrip(t *testing.T) {
	parents := []causal.Event{ev("bob", 4), ev("alice", 9)}
	b, err := EncodeEdit(ev("carol", 7), parents, 3, 2, "hé")
	if err != nil {
		t.Fatalf("EncodeEdit() error = %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assert.Equal(t, f.Start, parents)
	assert.Equal(t, len(f.Events), 4)

	// 删除从区间末尾向前
	assert.Equal(t, f.Events[0], Event{ID: ev("carol", 4), Parents: parents, Kind: Delete, Pos: 4})
	assert.Equal(t, f.Events[1], Event{ID: ev("carol", 5), Parents: []causal.Event{ev("carol", 4)}, Kind: Delete, Pos: 3})
	assert.Equal(t, f.Events[2], Event{ID: ev("carol", 6), Parents: []causal.Event{ev("carol", 5)}, Kind: Insert, Pos: 3, Content: 'h'})
	assert.Equal(t, f.Events[3], Event{ID: ev("carol", 7), Parents: []causal.Event{ev("carol", 6)}, Kind: Insert, Pos: 4, Content: 'é'})
}

func TestDecodeBackwardDeleteToStart(t *testing.T) {
	b, err := EncodeEdit(ev("a", 2), nil, 0, 3, "")
	if err != nil {
		t.Fatalf("EncodeEdit() error = %v", err)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assert.Equal(t, len(f.Events), 3)
	assert.Equal(t, f.Events[2].Pos, 0)
}

func TestEncodeEditVersionTooSmall(t *testing.T) {
	_, err := EncodeEdit(ev("a", 1), nil, 0, 0, "xyz")
	assert.Equal(t, errors.Is(err, ErrCodec), true)
}

func TestEncodeEventsConcurrentHistory(t *testing.T) {
	events := []Event{
		{ID: ev("a", 0), Kind: Insert, Pos: 0, Content: 'x'},
		{ID: ev("b", 0), Kind: Insert, Pos: 0, Content: 'y'},
		{ID: ev("a", 1), Parents: []causal.Event{ev("a", 0)}, Kind: Insert, Pos: 1, Content: 'z'},
		{ID: ev("b", 5), Parents: []causal.Event{ev("a", 1), ev("b", 0)}, Kind: Delete, Pos: 0},
		{ID: ev("b", 6), Parents: []causal.Event{ev("b", 5)}, Kind: Delete, Pos: 0},
		{ID: ev("a", 2), Parents: []causal.Event{ev("b", 6)}, Kind: Insert, Pos: 1, Content: 'w'},
		{ID: ev("a", 3), Parents: []causal.Event{ev("a", 2)}, Kind: Insert, Pos: 1, Content: 'v'},
	}
	f, err := Decode(EncodeEvents(nil, events))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assert.Equal(t, len(f.Start), 0)
	assert.Equal(t, f.Agents, []string{"a", "b"})
	for i := range events {
		assert.Equal(t, f.Events[i], events[i])
	}
}

func TestDecodeForeignParents(t *testing.T) {
	events := []Event{
		{ID: ev("b", 3), Parents: []causal.Event{ev("a", 10)}, Kind: Insert, Pos: 2, Content: 'q'},
	}
	f, err := Decode(EncodeEvents([]causal.Event{ev("a", 10)}, events))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	assert.Equal(t, f.Events[0].Parents, []causal.Event{ev("a", 10)})
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("NOTMAGIC\x00"))
	assert.Equal(t, errors.Is(err, ErrCodec), true)

	_, err = Decode([]byte(Magic + "\x01"))
	assert.Equal(t, errors.Is(err, ErrCodec), true)

	// chunk 长度的 varint 在缓冲区末尾被截断
	_, err = Decode([]byte(Magic + "\x00\x01\x80"))
	assert.Equal(t, errors.Is(err, ErrCodec), true)

	b, _ := EncodeEdit(ev("a", 2), nil, 0, 0, "abc")
	_, err = Decode(b[:len(b)-2])
	assert.Equal(t, errors.Is(err, ErrCodec), true)
}

func TestLocalVersionFor(t *testing.T) {
	events := []Event{
		{ID: ev("a", 0), Kind: Insert, Pos: 0, Content: 'x'},
		{ID: ev("a", 1), Parents: []causal.Event{ev("a", 0)}, Kind: Insert, Pos: 1, Content: 'y'},
		{ID: ev("b", 0), Parents: []causal.Event{ev("a", 0)}, Kind: Insert, Pos: 1, Content: 'z'},
		{ID: ev("a", 2), Parents: []causal.Event{ev("a", 1), ev("b", 0)}, Kind: Insert, Pos: 3, Content: 'w'},
	}
	b := EncodeEvents(nil, events)
	lvs, err := LocalVersionFor(b, []causal.Event{ev("a", 2), ev("b", 0), ev("a", 0)})
	assert.Equal(t, err, nil)
	assert.Equal(t, lvs, []int{3, 2, 0})

	_, err = LocalVersionFor(b, []causal.Event{ev("b", 1)})
	assert.Equal(t, errors.Is(err, ErrVersionNotFound), true)
}
