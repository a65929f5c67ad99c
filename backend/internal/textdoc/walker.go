package textdoc

import (
	"container/heap"
	"fmt"

	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
)

const (
	notYetInserted = -1
	inserted       = 0
	// >= 1 表示被删除的次数
)

// item 是一个事件插入的字符，或公共版本文本中连续的一段占位字符（lv == -1）。
// origin 引用：>= 0 为事件 LV，-1 为文档开头或末尾，<= -2 为占位字符偏移（见 phRef）。
type item struct {
	lv          int
	ph          int // 占位段在公共版本文本中的起始偏移
	n           int // 占位段长度；事件字符恒为 1
	originLeft  int
	originRight int
	// deleted 是合并后的最终状态，curState 是当前重放版本下的状态
	deleted  bool
	curState int
}

func phRef(off int) int { return -2 - off }

// firstRef、lastRef 分别引用 item 的第一个、最后一个字符
func (it *item) firstRef() int {
	if it.lv >= 0 {
		return it.lv
	}
	return phRef(it.ph)
}

func (it *item) lastRef() int {
	if it.lv >= 0 {
		return it.lv
	}
	return phRef(it.ph + it.n - 1)
}

// walker 沿 LV 顺序重放事件。每一步先把当前版本移动到事件的父版本，再执行事件。
type walker struct {
	d         *Doc
	items     []*item
	byLV      map[int]*item
	delTarget map[int]*item
	cur       []int
	// visible 是当前重放版本下的文本长度
	visible int
}

func newWalker(d *Doc) *walker {
	return &walker{
		d:         d,
		byLV:      make(map[int]*item),
		delTarget: make(map[int]*item),
	}
}

// newWalkerAt 从版本 {x} 开始重放，x 处长度为 n 的文本用一段占位字符表示。
// 之后重放的事件都必须是 x 的后代。
func newWalkerAt(d *Doc, x, n int) *walker {
	w := newWalker(d)
	w.cur = []int{x}
	if n > 0 {
		w.items = []*item{{lv: -1, n: n, originLeft: -1, originRight: -1, curState: inserted}}
		w.visible = n
	}
	return w
}

// text 返回合并后的文本，只用于没有占位字符的 walker
func (w *walker) text() []rune {
	out := make([]rune, 0, len(w.items))
	for _, it := range w.items {
		if !it.deleted {
			out = append(out, w.d.ops[it.lv].content)
		}
	}
	return out
}

func (w *walker) step(lv int, emit func(XFOp)) error {
	onlyCur, onlyParents := w.d.diff(w.cur, w.d.parents[lv])
	for _, x := range onlyCur {
		w.retreat(x)
	}
	for i := len(onlyParents) - 1; i >= 0; i-- {
		w.advance(onlyParents[i])
	}
	if err := w.apply(lv, emit); err != nil {
		return fmt.Errorf("event %s: %w", w.d.ids[lv], err)
	}
	w.cur = []int{lv}
	return nil
}

func (w *walker) setState(it *item, state int) {
	if it.curState == inserted {
		w.visible -= it.n
	}
	it.curState = state
	if state == inserted {
		w.visible += it.n
	}
}

func (w *walker) retreat(lv int) {
	if w.d.ops[lv].kind == codec.Insert {
		w.setState(w.byLV[lv], notYetInserted)
	} else {
		t := w.delTarget[lv]
		w.setState(t, t.curState-1)
	}
}

func (w *walker) advance(lv int) {
	if w.d.ops[lv].kind == codec.Insert {
		w.setState(w.byLV[lv], inserted)
	} else {
		t := w.delTarget[lv]
		w.setState(t, t.curState+1)
	}
}

// split 把 items[idx] 从第 k 个字符处切成两段
func (w *walker) split(idx, k int) {
	it := w.items[idx]
	tail := &item{lv: -1, ph: it.ph + k, n: it.n - k, originLeft: -1, originRight: -1, deleted: it.deleted, curState: it.curState}
	it.n = k
	w.items = append(w.items, nil)
	copy(w.items[idx+2:], w.items[idx+1:])
	w.items[idx+1] = tail
}

// findByCurrentPos 返回当前版本下第 pos 个可见字符之后的下标，以及合并状态下的对应位置。
// pos 落在占位段中间时先切开该段。
func (w *walker) findByCurrentPos(pos int) (idx, endPos int, err error) {
	cur := 0
	for cur < pos {
		if idx >= len(w.items) {
			return 0, 0, fmt.Errorf("%w: position %d past end", ErrBadPosition, pos)
		}
		it := w.items[idx]
		n := 0
		if it.curState == inserted {
			n = it.n
		}
		if cur+n > pos {
			w.split(idx, pos-cur)
			n = it.n
		}
		cur += n
		if !it.deleted {
			endPos += it.n
		}
		idx++
	}
	return idx, endPos, nil
}

// indexOf 返回 origin 引用所在 item 的下标。占位字符的引用总是落在段的边界上。
func (w *walker) indexOf(ref int) int {
	if ref == -1 {
		return len(w.items)
	}
	for i, it := range w.items {
		if ref >= 0 {
			if it.lv == ref {
				return i
			}
		} else if off := -2 - ref; it.lv == -1 && it.ph <= off && off < it.ph+it.n {
			return i
		}
	}
	panic(fmt.Sprintf("textdoc: item %d not found", ref))
}

func (w *walker) apply(lv int, emit func(XFOp)) error {
	o := w.d.ops[lv]
	idx, endPos, err := w.findByCurrentPos(o.pos)
	if err != nil {
		return err
	}

	if o.kind == codec.Delete {
		for idx < len(w.items) && w.items[idx].curState != inserted {
			if !w.items[idx].deleted {
				endPos += w.items[idx].n
			}
			idx++
		}
		if idx >= len(w.items) {
			return fmt.Errorf("%w: delete at %d past end", ErrBadPosition, o.pos)
		}
		if w.items[idx].n > 1 {
			w.split(idx, 1)
		}
		it := w.items[idx]
		if !it.deleted {
			it.deleted = true
			if emit != nil {
				emit(XFOp{Kind: codec.Delete, Pos: endPos})
			}
		}
		w.setState(it, 1)
		w.delTarget[lv] = it
		return nil
	}

	it := &item{lv: lv, n: 1, originLeft: -1, originRight: -1, curState: inserted}
	if idx > 0 {
		it.originLeft = w.items[idx-1].lastRef()
	}
	for i := idx; i < len(w.items); i++ {
		if w.items[i].curState != notYetInserted {
			it.originRight = w.items[i].firstRef()
			break
		}
	}
	w.byLV[lv] = it
	w.visible++
	endPos = w.integrate(it, idx, endPos)
	if emit != nil {
		emit(XFOp{Kind: codec.Insert, Pos: endPos, Content: o.content})
	}
	return nil
}

// integrate 在 [idx, originRight) 之间为新 item 找到确定的位置
func (w *walker) integrate(it *item, idx, endPos int) int {
	scanIdx, scanEndPos := idx, endPos
	left := idx - 1
	right := w.indexOf(it.originRight)
	scanning := false

	for scanIdx < right {
		other := w.items[scanIdx]
		if other.curState != notYetInserted {
			break
		}
		oleft := -1
		if other.originLeft != -1 {
			oleft = w.indexOf(other.originLeft)
		}
		oright := w.indexOf(other.originRight)

		if oleft < left || (oleft == left && oright == right && w.less(it.lv, other.lv)) {
			break
		}
		if oleft == left {
			scanning = oright < right
		}
		if !other.deleted {
			scanEndPos++
		}
		scanIdx++
		if !scanning {
			idx = scanIdx
			endPos = scanEndPos
		}
	}

	w.items = append(w.items, nil)
	copy(w.items[idx+1:], w.items[idx:])
	w.items[idx] = it
	return endPos
}

func (w *walker) less(a, b int) bool {
	ia, ib := w.d.ids[a], w.d.ids[b]
	if ia.Actor != ib.Actor {
		return ia.Actor < ib.Actor
	}
	return ia.Seq < ib.Seq
}

const (
	onlyA = iota + 1
	onlyB
	shared
)

type diffEntry struct {
	lv   int
	flag int
}

type diffHeap []diffEntry

func (h diffHeap) Len() int            { return len(h) }
func (h diffHeap) Less(i, j int) bool  { return h[i].lv > h[j].lv }
func (h diffHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *diffHeap) Push(x interface{}) { *h = append(*h, x.(diffEntry)) }
func (h *diffHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// diff 返回只在 a 的祖先集合中、只在 b 的祖先集合中的事件，都按 LV 降序
func (d *Doc) diff(a, b []int) (aOnly, bOnly []int) {
	if equalInts(a, b) {
		return nil, nil
	}
	h := &diffHeap{}
	pending := 0
	push := func(lv, flag int) {
		heap.Push(h, diffEntry{lv: lv, flag: flag})
		if flag != shared {
			pending++
		}
	}
	for _, lv := range a {
		push(lv, onlyA)
	}
	for _, lv := range b {
		push(lv, onlyB)
	}
	for pending > 0 {
		e := heap.Pop(h).(diffEntry)
		if e.flag != shared {
			pending--
		}
		flag := e.flag
		for h.Len() > 0 && (*h)[0].lv == e.lv {
			next := heap.Pop(h).(diffEntry)
			if next.flag != shared {
				pending--
			}
			if next.flag != flag {
				flag = shared
			}
		}
		switch flag {
		case onlyA:
			aOnly = append(aOnly, e.lv)
		case onlyB:
			bOnly = append(bOnly, e.lv)
		}
		for _, p := range d.parents[e.lv] {
			push(p, flag)
		}
	}
	return aOnly, bOnly
}

// commonPoint 返回 x，使 [0, x] 恰好是 x 的祖先集合，并且 heads 的全部祖先要么在 [0, x] 中，
// 要么是 x 的后代。合并只需从 x 开始重放。不存在这样的 x 时返回 -1。
func (d *Doc) commonPoint(heads []int) int {
	h := &diffHeap{}
	for _, lv := range heads {
		heap.Push(h, diffEntry{lv: lv})
	}
	for h.Len() > 0 {
		top := heap.Pop(h).(diffEntry).lv
		for h.Len() > 0 && (*h)[0].lv == top {
			heap.Pop(h)
		}
		if h.Len() == 0 {
			return top
		}
		ps := d.parents[top]
		if len(ps) == 0 {
			// 出现了另一个根
			return -1
		}
		for _, p := range ps {
			heap.Push(h, diffEntry{lv: p})
		}
	}
	return -1
}
