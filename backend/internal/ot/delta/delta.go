package delta

import "github.com/braid-org/braid-text-sub000/backend/internal/patch"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Delta 是一串顺序执行的 op，位置隐含在前面 retain/delete 的累计里
type Delta []Op

// "ops":[{"retain":5},{"insert":"Hello"}]

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindRetain {
		d[k-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(s string) Delta {
	if s == "" {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindInsert {
		d[k-1].Text += s
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: s})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if k := len(d); k > 0 && d[k-1].Kind == KindDelete {
		d[k-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// BaseLen 是该 delta 要求的原文长度下限（retain + delete）
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// FromPatches 把一组按 Start 升序、互不重叠的 patch（都相对同一原文）转成 delta
func FromPatches(patches []patch.Patch) Delta {
	var d Delta
	pos := 0
	for _, p := range patches {
		d = d.Retain(p.Start - pos)
		d = d.Delete(p.End - p.Start)
		d = d.Insert(p.Content)
		pos = p.End
	}
	return d
}
