package patch

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
	"github.com/braid-org/braid-text-sub000/backend/internal/textdoc"
)

func edit(t *testing.T, d *textdoc.Doc, actor string, pos, del int, ins string) {
	t.Helper()
	n := uint64(del + len([]rune(ins)))
	last := causal.Event{Actor: actor, Seq: d.NextSeq(actor) + n - 1}
	events, err := codec.EditEvents(last, d.RemoteVersion(d.LocalFrontier()), pos, del, ins)
	if err == nil {
		_, err = d.AddEvents(events)
	}
	if err != nil {
		t.Fatalf("edit(%s, %d, %d, %q) error = %v", actor, pos, del, ins, err)
	}
}

func TestExtractCoalescesLinearRuns(t *testing.T) {
	d := textdoc.New()
	edit(t, d, "a", 0, 0, "hello")
	edit(t, d, "a", 1, 2, "")
	edit(t, d, "b", 0, 0, "X")
	changes, err := Extract(d, nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	assert.Equal(t, changes, []Change{
		{Version: "a-4", Parents: []string{}, Patch: Patch{Start: 0, End: 0, Content: "hello"}},
		{Version: "a-6", Parents: []string{"a-4"}, Patch: Patch{Start: 1, End: 3}},
		{Version: "b-0", Parents: []string{"a-6"}, Patch: Patch{Start: 0, End: 0, Content: "X"}},
	})

	since, err := Extract(d, []causal.Event{{Actor: "a", Seq: 4}})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(since), 2)
	assert.Equal(t, since[0].Version, "a-6")

	none, err := Extract(d, []causal.Event{{Actor: "b", Seq: 0}, {Actor: "a", Seq: 6}})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(none), 0)

	_, err = Extract(d, []causal.Event{{Actor: "c", Seq: 0}})
	if !errors.Is(err, codec.ErrVersionNotFound) {
		t.Fatalf("Extract(c-0) error = %v, want ErrVersionNotFound", err)
	}
}

func TestExtractForwardDeletesPerEvent(t *testing.T) {
	d := textdoc.New()
	a := func(seq uint64) causal.Event { return causal.Event{Actor: "a", Seq: seq} }
	_, err := d.AddEvents([]codec.Event{
		{ID: a(0), Kind: codec.Insert, Pos: 0, Content: 'x'},
		{ID: a(1), Parents: []causal.Event{a(0)}, Kind: codec.Insert, Pos: 1, Content: 'y'},
		{ID: a(2), Parents: []causal.Event{a(1)}, Kind: codec.Delete, Pos: 0},
		{ID: a(3), Parents: []causal.Event{a(2)}, Kind: codec.Delete, Pos: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	changes, err := Extract(d, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 3)
	assert.Equal(t, changes[1], Change{Version: "a-2", Parents: []string{"a-1"}, Patch: Patch{Start: 0, End: 1}})
	assert.Equal(t, changes[2], Change{Version: "a-3", Parents: []string{"a-2"}, Patch: Patch{Start: 0, End: 1}})
}

func TestToAbsoluteBasics(t *testing.T) {
	cases := []struct {
		name string
		in   []Patch
		want []Patch
	}{
		{"typing", []Patch{{5, 5, "a"}, {6, 6, "b"}}, []Patch{{5, 5, "ab"}}},
		{"replace", []Patch{{2, 4, ""}, {2, 2, "x"}}, []Patch{{2, 4, "x"}}},
		{"edit inside insert", []Patch{{0, 0, "hello"}, {1, 3, ""}}, []Patch{{0, 0, "hlo"}}},
		{"delete across insert", []Patch{{1, 1, "XY"}, {0, 4, ""}}, []Patch{{0, 2, ""}}},
		{"insert undone", []Patch{{3, 3, "q"}, {3, 4, ""}}, nil},
		{"disjoint", []Patch{{3, 3, "abc"}, {1, 2, ""}}, []Patch{{1, 2, ""}, {3, 3, "abc"}}},
		{"empty", []Patch{{4, 4, ""}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToAbsolute(tc.in)
			if err != nil {
				t.Fatalf("ToAbsolute() error = %v", err)
			}
			assert.Equal(t, got, tc.want)
		})
	}
}

func TestToAbsoluteBadRange(t *testing.T) {
	_, err := ToAbsolute([]Patch{{3, 1, ""}})
	assert.NotEqual(t, err, nil)
}

func applySequential(base []rune, patches []Patch) []rune {
	text := append([]rune(nil), base...)
	for _, p := range patches {
		next := append([]rune(nil), text[:p.Start]...)
		next = append(next, []rune(p.Content)...)
		text = append(next, text[p.End:]...)
	}
	return text
}

// 把每个 patch 拆成逐字符的删除和插入
func chunk(patches []Patch) []Patch {
	var out []Patch
	for _, p := range patches {
		for i := p.Start; i < p.End; i++ {
			out = append(out, Patch{Start: p.Start, End: p.Start + 1})
		}
		for i, c := range []rune(p.Content) {
			out = append(out, Patch{Start: p.Start + i, End: p.Start + i, Content: string(c)})
		}
	}
	return out
}

func TestToAbsoluteRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	letters := []rune("abcdefgé中")
	for iter := 0; iter < 200; iter++ {
		base := make([]rune, 10+rng.Intn(20))
		for i := range base {
			base[i] = letters[rng.Intn(len(letters))]
		}
		length := len(base)
		var seq []Patch
		for k := 0; k < 1+rng.Intn(12); k++ {
			s := rng.Intn(length + 1)
			e := s + rng.Intn(min(4, length-s)+1)
			content := make([]rune, rng.Intn(4))
			for i := range content {
				content[i] = letters[rng.Intn(len(letters))]
			}
			seq = append(seq, Patch{Start: s, End: e, Content: string(content)})
			length += len(content) - (e - s)
		}
		want := applySequential(base, seq)

		abs, err := ToAbsolute(seq)
		if err != nil {
			t.Fatalf("ToAbsolute() error = %v", err)
		}
		for i := 1; i < len(abs); i++ {
			if abs[i-1].End >= abs[i].Start {
				t.Fatalf("patches overlap or touch: %v", abs)
			}
		}
		got := append([]rune(nil), base...)
		for i := len(abs) - 1; i >= 0; i-- {
			got = applySequential(got, abs[i:i+1])
		}
		assert.Equal(t, string(got), string(want))

		chunked, err := ToAbsolute(chunk(seq))
		if err != nil {
			t.Fatalf("ToAbsolute(chunked) error = %v", err)
		}
		assert.Equal(t, chunked, abs)
	}
}

func TestSpanTreeStaysBalanced(t *testing.T) {
	tr := newSpanTree()
	for i := 0; i < 1000; i++ {
		if err := tr.apply(Patch{Start: 2 * i, End: 2 * i, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	// 1000 个替换节点 + 1000 个未修改节点
	if h := tr.nodes[tr.root].height; h > 24 {
		t.Fatalf("tree height %d too large", h)
	}
	out := tr.emit()
	assert.Equal(t, len(out), 1000)
	assert.Equal(t, out[999], Patch{Start: 999, End: 999, Content: "x"})
}
