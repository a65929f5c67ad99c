package collab

import (
	"strings"

	"github.com/braid-org/braid-text-sub000/backend/internal/ot/delta"
)

type source uint8

const (
	srcBase  source = iota // 重放起点的文本
	srcAdded               // 本次 PUT 插入的文本
)

// span 指向 base 或 added 中的一段
type span struct {
	src   source
	start int
	n     int
}

// PieceTable 在某个历史版本的文本上重放一次 PUT，只追加不修改底层 rune 切片
type PieceTable struct {
	base  []rune
	added []rune
	spans []span
	size  int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{base: r, size: len(r)}
	if len(r) > 0 {
		pt.spans = []span{{src: srcBase, n: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.size }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.size)
	for _, s := range pt.spans {
		sb.WriteString(string(pt.runes(s)))
	}
	return sb.String()
}

func (pt *PieceTable) runes(s span) []rune {
	if s.src == srcAdded {
		return pt.added[s.start : s.start+s.n]
	}
	return pt.base[s.start : s.start+s.n]
}

// cut 保证 pos 落在 span 边界上，返回从 pos 开始的第一个 span 下标
func (pt *PieceTable) cut(pos int) int {
	at := 0
	for i, s := range pt.spans {
		if pos == at {
			return i
		}
		if pos < at+s.n {
			k := pos - at
			head := span{src: s.src, start: s.start, n: k}
			tail := span{src: s.src, start: s.start + k, n: s.n - k}
			pt.spans = append(pt.spans, span{})
			copy(pt.spans[i+2:], pt.spans[i+1:])
			pt.spans[i], pt.spans[i+1] = head, tail
			return i + 1
		}
		at += s.n
	}
	return len(pt.spans)
}

// Apply 在当前文本上执行 d；d 越界时返回 ErrMalformedPatch，文本不变
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLen() > pt.size {
		return ErrMalformedPatch
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			r := []rune(op.Text)
			s := span{src: srcAdded, start: len(pt.added), n: len(r)}
			pt.added = append(pt.added, r...)
			i := pt.cut(pos)
			pt.spans = append(pt.spans, span{})
			copy(pt.spans[i+1:], pt.spans[i:])
			pt.spans[i] = s
			pt.size += s.n
			pos += s.n
		case delta.KindDelete:
			from := pt.cut(pos)
			to := pt.cut(pos + op.Count)
			pt.spans = append(pt.spans[:from], pt.spans[to:]...)
			pt.size -= op.Count
		}
	}
	return nil
}
