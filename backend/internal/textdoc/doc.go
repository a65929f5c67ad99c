// Package textdoc 是一个纯文本 CRDT 文档引擎。
//
// 事件以本地序号 (LV, 0..n-1) 存储，LV 顺序总是拓扑序。当新事件正好基于当前
// frontier 时直接作用到文本上；否则从新旧分支最近的公共点开始沿因果图重放
// （retreat/advance），把得到的顺序操作作用到当前文本上。
// 同一位置的并发插入按 (actor, seq) 升序排列。
package textdoc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
)

var (
	ErrUnknownEvents = errors.New("UNKNOWN_EVENTS")
	ErrBadPosition   = errors.New("BAD_POSITION")
)

// MissingError 列出本地不认识的事件
type MissingError struct {
	Missing []causal.Event
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("unknown events: %v", causal.Strings(e.Missing))
}

func (e *MissingError) Is(target error) bool { return target == ErrUnknownEvents }

type op struct {
	kind    codec.OpKind
	pos     int
	content rune
}

type Doc struct {
	ids      []causal.Event
	parents  [][]int
	ops      []op
	lvOf     map[causal.Event]int
	nextSeq  map[string]uint64
	frontier []int
	text     []rune
	// lenAt[lv] 是版本 {lv} 的文本长度
	lenAt []int
}

func New() *Doc {
	return &Doc{
		lvOf:    make(map[causal.Event]int),
		nextSeq: make(map[string]uint64),
	}
}

// FromBytes 从完整历史构建文档
func FromBytes(buf []byte) (*Doc, error) {
	d := New()
	if _, err := d.Merge(buf); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Doc) Text() string { return string(d.text) }

func (d *Doc) Len() int { return len(d.text) }

func (d *Doc) NumEvents() int { return len(d.ids) }

// EventAt 实现 causal.History
func (d *Doc) EventAt(lv int) (causal.Event, []causal.Event) {
	return d.ids[lv], d.RemoteVersion(d.parents[lv])
}

func (d *Doc) Has(e causal.Event) bool {
	_, ok := d.lvOf[e]
	return ok
}

// NextSeq 返回 actor 下一个未使用的 seq
func (d *Doc) NextSeq(actor string) uint64 {
	return d.nextSeq[actor]
}

func (d *Doc) LocalFrontier() []int {
	return append([]int(nil), d.frontier...)
}

// Frontier 返回按规范顺序排列的当前版本
func (d *Doc) Frontier() []string {
	return causal.Strings(d.RemoteVersion(d.frontier))
}

func (d *Doc) RemoteVersion(lvs []int) []causal.Event {
	out := make([]causal.Event, len(lvs))
	for i, lv := range lvs {
		out[i] = d.ids[lv]
	}
	return out
}

// LocalVersion 把事件翻译成 LV；不认识的事件通过 *MissingError 返回
func (d *Doc) LocalVersion(events []causal.Event) ([]int, error) {
	out := make([]int, 0, len(events))
	var missing []causal.Event
	for _, e := range events {
		lv, ok := d.lvOf[e]
		if !ok {
			missing = append(missing, e)
			continue
		}
		out = append(out, lv)
	}
	if len(missing) > 0 {
		return nil, &MissingError{Missing: missing}
	}
	sort.Ints(out)
	return out, nil
}

// Merge 合并一段编码后的历史，返回新增事件数。已知事件被跳过。
func (d *Doc) Merge(buf []byte) (int, error) {
	f, err := codec.Decode(buf)
	if err != nil {
		return 0, err
	}
	return d.AddEvents(f.Events)
}

// AddEvents 按顺序加入事件；任一事件非法时整批回滚
func (d *Doc) AddEvents(events []codec.Event) (int, error) {
	n0 := len(d.ids)
	frontier0 := d.LocalFrontier()
	text0 := d.text
	seq0 := make(map[string]uint64)

	direct := true
	var text []rune
	fail := func(err error) (int, error) {
		for _, id := range d.ids[n0:] {
			delete(d.lvOf, id)
		}
		for a, s := range seq0 {
			d.nextSeq[a] = s
		}
		d.ids, d.parents, d.ops, d.lenAt = d.ids[:n0], d.parents[:n0], d.ops[:n0], d.lenAt[:n0]
		d.frontier, d.text = frontier0, text0
		return 0, err
	}

	for _, e := range events {
		if d.Has(e.ID) {
			continue
		}
		parents, err := d.LocalVersion(e.Parents)
		if err != nil {
			return fail(err)
		}
		if e.Kind != codec.Insert && e.Kind != codec.Delete {
			return fail(fmt.Errorf("%w: unknown op kind %d", ErrBadPosition, e.Kind))
		}
		lv := len(d.ids)
		o := op{kind: e.Kind, pos: e.Pos, content: e.Content}
		length := -1
		if direct && equalInts(parents, d.frontier) {
			if text == nil {
				text = append([]rune(nil), d.text...)
			}
			if text, err = applyDirect(text, o); err != nil {
				return fail(fmt.Errorf("event %s: %w", e.ID, err))
			}
			length = len(text)
		} else {
			direct = false
		}
		if _, ok := seq0[e.ID.Actor]; !ok {
			seq0[e.ID.Actor] = d.nextSeq[e.ID.Actor]
		}
		if e.ID.Seq+1 > d.nextSeq[e.ID.Actor] {
			d.nextSeq[e.ID.Actor] = e.ID.Seq + 1
		}
		d.ids = append(d.ids, e.ID)
		d.parents = append(d.parents, parents)
		d.ops = append(d.ops, o)
		d.lvOf[e.ID] = lv
		d.lenAt = append(d.lenAt, length)
		d.frontier = advanceFrontier(d.frontier, parents, lv)
	}

	added := len(d.ids) - n0
	if added == 0 {
		return 0, nil
	}
	if direct {
		d.text = text
		return added, nil
	}
	merged, err := d.replay(frontier0, text0, n0)
	if err != nil {
		return fail(err)
	}
	d.text = merged
	return added, nil
}

// replay 求出加入 [n0, len) 之后的文本。旧 frontier 与新事件的父版本有公共点 x 时
// 只重放 x 之后的事件，并把新事件变换后的顺序操作作用到 text0 上；否则从头重放。
func (d *Doc) replay(frontier0 []int, text0 []rune, n0 int) ([]rune, error) {
	heads := append([]int(nil), frontier0...)
	for lv := n0; lv < len(d.ids); lv++ {
		if len(d.parents[lv]) == 0 {
			heads = nil
			break
		}
		for _, p := range d.parents[lv] {
			if p < n0 {
				heads = append(heads, p)
			}
		}
	}
	x := -1
	if len(heads) > 0 {
		x = d.commonPoint(heads)
	}

	if x < 0 {
		w := newWalker(d)
		for lv := 0; lv < len(d.ids); lv++ {
			if err := w.step(lv, nil); err != nil {
				return nil, err
			}
			d.lenAt[lv] = w.visible
		}
		return w.text(), nil
	}

	w := newWalkerAt(d, x, d.lenAt[x])
	text := append([]rune(nil), text0...)
	var applyErr error
	emit := func(xf XFOp) {
		if applyErr == nil {
			text, applyErr = applyDirect(text, op{kind: xf.Kind, pos: xf.Pos, content: xf.Content})
		}
	}
	for lv := x + 1; lv < len(d.ids); lv++ {
		var fn func(XFOp)
		if lv >= n0 {
			fn = emit
		}
		if err := w.step(lv, fn); err != nil {
			return nil, err
		}
		if applyErr != nil {
			return nil, fmt.Errorf("event %s: %w", d.ids[lv], applyErr)
		}
		d.lenAt[lv] = w.visible
	}
	return text, nil
}

func applyDirect(text []rune, o op) ([]rune, error) {
	switch o.kind {
	case codec.Insert:
		if o.pos > len(text) {
			return nil, fmt.Errorf("%w: insert at %d past length %d", ErrBadPosition, o.pos, len(text))
		}
		text = append(text, 0)
		copy(text[o.pos+1:], text[o.pos:])
		text[o.pos] = o.content
	default:
		if o.pos >= len(text) {
			return nil, fmt.Errorf("%w: delete at %d past length %d", ErrBadPosition, o.pos, len(text))
		}
		text = append(text[:o.pos], text[o.pos+1:]...)
	}
	return text, nil
}

// frontier 中的事件没有后继，所以新事件的祖先只可能以直接父事件的形式出现在 frontier 里
func advanceFrontier(frontier, parents []int, lv int) []int {
	out := make([]int, 0, len(frontier)+1)
	for _, f := range frontier {
		if !containsInt(parents, f) {
			out = append(out, f)
		}
	}
	return append(out, lv)
}

// Ancestry 标记 lvs 及其全部祖先
func (d *Doc) Ancestry(lvs []int) []bool {
	in := make([]bool, len(d.ids))
	stack := append([]int(nil), lvs...)
	for len(stack) > 0 {
		lv := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if in[lv] {
			continue
		}
		in[lv] = true
		stack = append(stack, d.parents[lv]...)
	}
	return in
}

// Event 返回 lv 处事件的完整描述
func (d *Doc) Event(lv int) codec.Event {
	o := d.ops[lv]
	return codec.Event{
		ID:      d.ids[lv],
		Parents: d.RemoteVersion(d.parents[lv]),
		Kind:    o.kind,
		Pos:     o.pos,
		Content: o.content,
	}
}

// Bytes 编码完整历史
func (d *Doc) Bytes() []byte {
	return d.BytesSince(nil)
}

// BytesSince 编码不在 lvs 祖先集合中的事件
func (d *Doc) BytesSince(lvs []int) []byte {
	in := d.Ancestry(lvs)
	var events []codec.Event
	for lv := range d.ids {
		if !in[lv] {
			events = append(events, d.Event(lv))
		}
	}
	return codec.EncodeEvents(d.RemoteVersion(lvs), events)
}

// OpRun 是一段本地序连续、位置按固定方向移动的原始操作（各自在其父版本上的位置）
type OpRun struct {
	Start    int // 第一个事件的 LV
	End      int // 不含
	Kind     codec.OpKind
	Pos      int
	Backward bool
	Content  []rune
}

// OpsSince 返回不在 lvs 祖先集合中的原始操作
func (d *Doc) OpsSince(lvs []int) []OpRun {
	in := d.Ancestry(lvs)
	var out []OpRun
	for lv := 0; lv < len(d.ids); lv++ {
		if in[lv] {
			continue
		}
		o := d.ops[lv]
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.End == lv && last.Kind == o.kind {
				prev := d.ops[lv-1].pos
				single := last.End-last.Start == 1
				fwd := (o.kind == codec.Insert && o.pos == prev+1) || (o.kind == codec.Delete && o.pos == prev)
				back := (o.kind == codec.Insert && o.pos == prev) || (o.kind == codec.Delete && o.pos == prev-1)
				if (fwd && (single || !last.Backward)) || (back && (single || last.Backward)) {
					last.Backward = back && !fwd
					last.End++
					if o.kind == codec.Insert {
						last.Content = append(last.Content, o.content)
					}
					continue
				}
			}
		}
		run := OpRun{Start: lv, End: lv + 1, Kind: o.kind, Pos: o.pos}
		if o.kind == codec.Insert {
			run.Content = []rune{o.content}
		}
		out = append(out, run)
	}
	return out
}

// XFOp 是变换后的顺序操作：依次作用于 lvs 处的文本即得到当前文本
type XFOp struct {
	Kind    codec.OpKind
	Pos     int
	Content rune
}

// XFSince 返回把 lvs 版本的文本变换成当前文本的顺序操作
func (d *Doc) XFSince(lvs []int) ([]XFOp, error) {
	in := d.Ancestry(lvs)
	w := newWalker(d)
	for lv := range d.ids {
		if in[lv] {
			if err := w.step(lv, nil); err != nil {
				return nil, err
			}
		}
	}
	var out []XFOp
	emit := func(x XFOp) { out = append(out, x) }
	for lv := range d.ids {
		if !in[lv] {
			if err := w.step(lv, emit); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Checkout 返回历史版本 lvs 处的文本
func (d *Doc) Checkout(lvs []int) (string, error) {
	if equalInts(lvs, d.frontier) {
		return d.Text(), nil
	}
	in := d.Ancestry(lvs)
	w := newWalker(d)
	for lv := range d.ids {
		if in[lv] {
			if err := w.step(lv, nil); err != nil {
				return "", err
			}
		}
	}
	return string(w.text()), nil
}

func (d *Doc) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "textdoc{events=%d frontier=%v len=%d}", len(d.ids), d.Frontier(), len(d.text))
	return b.String()
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]int(nil), a...)
	sb := append([]int(nil), b...)
	sort.Ints(sa)
	sort.Ints(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func containsInt(s []int, x int) bool {
	for _, v := range s {
		if v == x {
			return true
		}
	}
	return false
}
