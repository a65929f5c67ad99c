package textdoc

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
)

func ev(actor string, seq uint64) causal.Event {
	return causal.Event{Actor: actor, Seq: seq}
}

// mustEdit 以 actor 的下一个 seq 在当前版本上删除 [pos, pos+del) 再在 pos 处插入 ins
func mustEdit(t *testing.T, d *Doc, actor string, pos, del int, ins string) {
	t.Helper()
	n := uint64(del + len([]rune(ins)))
	if n == 0 {
		return
	}
	last := causal.Event{Actor: actor, Seq: d.NextSeq(actor) + n - 1}
	events, err := codec.EditEvents(last, d.RemoteVersion(d.LocalFrontier()), pos, del, ins)
	if err == nil {
		_, err = d.AddEvents(events)
	}
	if err != nil {
		t.Fatalf("edit(%s, %d, %d, %q) error = %v", actor, pos, del, ins, err)
	}
}

func mustMerge(t *testing.T, d *Doc, b []byte) {
	t.Helper()
	if _, err := d.Merge(b); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
}

func TestSequentialEdits(t *testing.T) {
	d := New()
	mustEdit(t, d, "hi", 0, 0, "x")
	mustEdit(t, d, "hi", 1, 0, "y")
	assert.Equal(t, d.Text(), "xy")
	assert.Equal(t, d.Frontier(), []string{"hi-1"})
	assert.Equal(t, d.NextSeq("hi"), uint64(2))

	mustEdit(t, d, "hi", 0, 1, "ab")
	assert.Equal(t, d.Text(), "aby")
	assert.Equal(t, d.Frontier(), []string{"hi-4"})
}

func TestConcurrentInsertsAtZero(t *testing.T) {
	a := []codec.Event{{ID: ev("alice", 0), Kind: codec.Insert, Pos: 0, Content: 'a'}}
	b := []codec.Event{{ID: ev("bob", 0), Kind: codec.Insert, Pos: 0, Content: 'b'}}

	d1 := New()
	if _, err := d1.AddEvents(a); err != nil {
		t.Fatal(err)
	}
	if _, err := d1.AddEvents(b); err != nil {
		t.Fatal(err)
	}
	d2 := New()
	if _, err := d2.AddEvents(b); err != nil {
		t.Fatal(err)
	}
	if _, err := d2.AddEvents(a); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, d1.Len(), 2)
	assert.Equal(t, d1.Text(), d2.Text())
	assert.Equal(t, d1.Text(), "ab")
	assert.Equal(t, d1.Frontier(), []string{"alice-0", "bob-0"})
}

func TestMergeIdempotent(t *testing.T) {
	src := New()
	mustEdit(t, src, "a", 0, 0, "hello")
	d := New()
	mustMerge(t, d, src.Bytes())
	n, err := d.Merge(src.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 0)
	assert.Equal(t, d.Text(), "hello")
}

func TestMergeUnknownParentsRollsBack(t *testing.T) {
	d := New()
	mustEdit(t, d, "a", 0, 0, "ab")
	before := d.Bytes()

	events := []codec.Event{
		{ID: ev("b", 0), Parents: []causal.Event{ev("a", 1)}, Kind: codec.Insert, Pos: 2, Content: 'c'},
		{ID: ev("b", 1), Parents: []causal.Event{ev("z", 9)}, Kind: codec.Insert, Pos: 0, Content: 'd'},
	}
	_, err := d.AddEvents(events)
	assert.Equal(t, errors.Is(err, ErrUnknownEvents), true)
	var me *MissingError
	assert.Equal(t, errors.As(err, &me), true)
	assert.Equal(t, me.Missing, []causal.Event{ev("z", 9)})

	assert.Equal(t, d.Text(), "ab")
	assert.Equal(t, d.Bytes(), before)
	assert.Equal(t, d.Has(ev("b", 0)), false)
	assert.Equal(t, d.NextSeq("b"), uint64(0))
}

func TestBadPosition(t *testing.T) {
	d := New()
	_, err := d.AddEvents([]codec.Event{{ID: ev("a", 0), Kind: codec.Delete, Pos: 0}})
	assert.Equal(t, errors.Is(err, ErrBadPosition), true)
	assert.Equal(t, d.NumEvents(), 0)
}

func TestMergeFromCommonPoint(t *testing.T) {
	base := strings.Repeat("abcdefghij", 500)
	a := New()
	mustEdit(t, a, "base", 0, 0, base)
	fork := a.LocalFrontier()
	b := New()
	mustMerge(t, b, a.Bytes())

	mustEdit(t, a, "a", 10, 0, "X")
	mustEdit(t, b, "b", 10, 0, "Y")
	mustEdit(t, b, "b", 0, 2, "")
	mustEdit(t, a, "a", 0, 1, "")

	tip := a.LocalFrontier()
	assert.Equal(t, a.commonPoint(append(tip, fork...)), fork[0])

	mustMerge(t, a, b.BytesSince(fork))
	want := base[2:10] + "XY" + base[10:]
	assert.Equal(t, a.Text(), want)

	// 从头重放得到同样的结果
	full, err := FromBytes(a.Bytes())
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	assert.Equal(t, full.Text(), want)

	mustMerge(t, b, a.BytesSince(fork))
	assert.Equal(t, b.Text(), want)

	// 合并后的版本长度仍可用于下一次合并
	mustEdit(t, b, "b", 0, 0, "Z")
	mustEdit(t, a, "a", len([]rune(want)), 0, "!")
	mustMerge(t, a, b.Bytes())
	assert.Equal(t, a.Text(), "Z"+want+"!")
	old, err := a.Checkout(fork)
	assert.Equal(t, err, nil)
	assert.Equal(t, old, base)
}

func TestCommonPointRoots(t *testing.T) {
	d := New()
	_, err := d.AddEvents([]codec.Event{
		{ID: ev("alice", 0), Kind: codec.Insert, Pos: 0, Content: 'a'},
		{ID: ev("bob", 0), Kind: codec.Insert, Pos: 0, Content: 'b'},
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, d.commonPoint([]int{0, 1}), -1)
	assert.Equal(t, d.commonPoint([]int{1}), 1)
}

// 并发删除公共版本中的同一个字符只生效一次
func TestConcurrentDeleteInCommonText(t *testing.T) {
	a := New()
	mustEdit(t, a, "base", 0, 0, "hello")
	fork := a.LocalFrontier()
	b := New()
	mustMerge(t, b, a.Bytes())
	mustEdit(t, a, "a", 1, 1, "")
	mustEdit(t, b, "b", 1, 1, "a")
	mustMerge(t, a, b.BytesSince(fork))
	assert.Equal(t, a.Text(), "hallo")

	bad := []codec.Event{{ID: ev("c", 0), Parents: []causal.Event{ev("base", 4)}, Kind: codec.Delete, Pos: 5}}
	_, err := a.AddEvents(bad)
	assert.Equal(t, errors.Is(err, ErrBadPosition), true)
	assert.Equal(t, a.Text(), "hallo")
}

func TestCheckoutAndXFSince(t *testing.T) {
	a := New()
	mustEdit(t, a, "a", 0, 0, "hello")
	base := a.LocalFrontier()

	b := New()
	mustMerge(t, b, a.Bytes())
	mustEdit(t, a, "a", 5, 0, " world")
	mustEdit(t, b, "b", 0, 1, "J")
	mustMerge(t, a, b.BytesSince(base))
	assert.Equal(t, a.Text(), "Jello world")

	old, err := a.Checkout(base)
	assert.Equal(t, err, nil)
	assert.Equal(t, old, "hello")

	xf, err := a.XFSince(base)
	assert.Equal(t, err, nil)
	text := []rune(old)
	for _, x := range xf {
		text, err = applyDirect(text, op{kind: x.Kind, pos: x.Pos, content: x.Content})
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, string(text), a.Text())
}

func TestOpsSinceRuns(t *testing.T) {
	d := New()
	mustEdit(t, d, "a", 0, 0, "abc")
	mustEdit(t, d, "a", 1, 2, "")
	runs := d.OpsSince(nil)
	assert.Equal(t, len(runs), 2)
	assert.Equal(t, runs[0], OpRun{Start: 0, End: 3, Kind: codec.Insert, Pos: 0, Content: []rune("abc")})
	assert.Equal(t, runs[1], OpRun{Start: 3, End: 5, Kind: codec.Delete, Pos: 2, Backward: true})

	since := d.OpsSince([]int{2})
	assert.Equal(t, len(since), 1)
	assert.Equal(t, since[0].Start, 3)
}

func TestHistoryReduce(t *testing.T) {
	a := New()
	mustEdit(t, a, "a", 0, 0, "x")
	b := New()
	mustMerge(t, b, a.Bytes())
	mustEdit(t, a, "a", 1, 0, "y")
	mustEdit(t, b, "b", 0, 0, "z")
	mustMerge(t, a, b.Bytes())
	got := causal.Reduce([]string{"a-0", "a-1", "b-0"}, a)
	assert.Equal(t, got, []string{"a-1", "b-0"})
}

// 三个副本各自随机编辑并两两同步，最终文本一致
func TestRandomConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	docs := []*Doc{New(), New(), New()}
	actors := []string{"alice", "bob", "carol"}
	alphabet := []rune("abcdefghij")

	for round := 0; round < 30; round++ {
		for i, d := range docs {
			for k := 0; k < 1+rng.Intn(3); k++ {
				if d.Len() > 0 && rng.Intn(3) == 0 {
					pos := rng.Intn(d.Len())
					del := 1 + rng.Intn(min(3, d.Len()-pos))
					mustEdit(t, d, actors[i], pos, del, "")
				} else {
					pos := rng.Intn(d.Len() + 1)
					ins := string(alphabet[rng.Intn(len(alphabet))])
					mustEdit(t, d, actors[i], pos, 0, ins)
				}
			}
		}
		x, y := rng.Intn(3), rng.Intn(3)
		if x != y {
			mustMerge(t, docs[y], docs[x].Bytes())
		}
	}
	for _, src := range docs {
		for _, dst := range docs {
			mustMerge(t, dst, src.Bytes())
		}
	}
	assert.Equal(t, docs[0].Text(), docs[1].Text())
	assert.Equal(t, docs[1].Text(), docs[2].Text())
	assert.Equal(t, docs[0].Frontier(), docs[2].Frontier())

	fresh, err := FromBytes(docs[1].Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, fresh.Text(), docs[0].Text())
}
