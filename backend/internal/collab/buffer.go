package collab

import (
	"github.com/braid-org/braid-text-sub000/backend/internal/ot/delta"
)

// Buffer 是可以重放 delta 的文本，用于在 parents 版本上算出 PUT 之后的文本
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
PieceTable 示例

base = "Hello world"，spans = [ (base, 0, 11) ]

patch {start:5, end:5, content:","} 转成 retain(5) insert(",")：
- cut(5) 把第一段拆开
- added = ","

	[ (base, 0, 5), (added, 0, 1), (base, 5, 6) ]   // "Hello" "," " world"

再 delete 时先 cut 出两端的边界，然后整段移除中间的 span
*/
