package patch

import (
	"fmt"
	"math"
)

const nilNode = -1

// unbounded 是初始未修改区间的长度，保证任何偏移都能定位到节点
const unbounded = math.MaxInt / 4

type node struct {
	left, right, parent int
	height              int
	size                int // 在当前文本中的长度
	leftSize            int // 左子树的总长度

	replaced bool
	del      int // replaced 节点吞掉的原文长度
	content  []rune
}

// spanTree 是按当前文本顺序排列的区间序列（未修改区间 / 替换区间），
// 以 AVL 树存放在数组里，靠 leftSize 按偏移下降。
type spanTree struct {
	nodes []node
	root  int
}

func newSpanTree() *spanTree {
	t := &spanTree{root: nilNode}
	t.root = t.alloc(node{size: 0})
	t.shiftSize(t.root, unbounded)
	return t
}

func (t *spanTree) alloc(n node) int {
	n.left, n.right, n.parent, n.height = nilNode, nilNode, nilNode, 1
	n.leftSize = 0
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

func (t *spanTree) height(i int) int {
	if i == nilNode {
		return 0
	}
	return t.nodes[i].height
}

func (t *spanTree) fixHeight(i int) {
	n := &t.nodes[i]
	n.height = 1 + max(t.height(n.left), t.height(n.right))
}

// shiftSize 改变节点 i 的长度，并沿途修正祖先的 leftSize
func (t *spanTree) shiftSize(i, delta int) {
	t.nodes[i].size += delta
	for c, p := i, t.nodes[i].parent; p != nilNode; c, p = p, t.nodes[p].parent {
		if t.nodes[p].left == c {
			t.nodes[p].leftSize += delta
		}
	}
}

func (t *spanTree) replaceChild(parent, old, cur int) {
	switch {
	case parent == nilNode:
		t.root = cur
	case t.nodes[parent].left == old:
		t.nodes[parent].left = cur
	default:
		t.nodes[parent].right = cur
	}
	if cur != nilNode {
		t.nodes[cur].parent = parent
	}
}

func (t *spanTree) rotateLeft(x int) int {
	y := t.nodes[x].right
	t.nodes[x].right = t.nodes[y].left
	if t.nodes[y].left != nilNode {
		t.nodes[t.nodes[y].left].parent = x
	}
	t.replaceChild(t.nodes[x].parent, x, y)
	t.nodes[y].left = x
	t.nodes[x].parent = y
	// y 的左子树现在是 x 加上 x 的左子树
	t.nodes[y].leftSize += t.nodes[x].leftSize + t.nodes[x].size
	t.fixHeight(x)
	t.fixHeight(y)
	return y
}

func (t *spanTree) rotateRight(x int) int {
	y := t.nodes[x].left
	t.nodes[x].left = t.nodes[y].right
	if t.nodes[y].right != nilNode {
		t.nodes[t.nodes[y].right].parent = x
	}
	t.replaceChild(t.nodes[x].parent, x, y)
	t.nodes[y].right = x
	t.nodes[x].parent = y
	t.nodes[x].leftSize -= t.nodes[y].leftSize + t.nodes[y].size
	t.fixHeight(x)
	t.fixHeight(y)
	return y
}

// rebalance 从 i 向上恢复 AVL 性质
func (t *spanTree) rebalance(i int) {
	for i != nilNode {
		t.fixHeight(i)
		n := t.nodes[i]
		switch bf := t.height(n.left) - t.height(n.right); {
		case bf > 1:
			l := t.nodes[n.left]
			if t.height(l.left) < t.height(l.right) {
				t.rotateLeft(n.left)
			}
			i = t.rotateRight(i)
		case bf < -1:
			r := t.nodes[n.right]
			if t.height(r.right) < t.height(r.left) {
				t.rotateRight(n.right)
			}
			i = t.rotateLeft(i)
		}
		i = t.nodes[i].parent
	}
}

func (t *spanTree) leftmost(i int) int {
	for t.nodes[i].left != nilNode {
		i = t.nodes[i].left
	}
	return i
}

func (t *spanTree) rightmost(i int) int {
	for t.nodes[i].right != nilNode {
		i = t.nodes[i].right
	}
	return i
}

func (t *spanTree) next(i int) int {
	if r := t.nodes[i].right; r != nilNode {
		return t.leftmost(r)
	}
	for p := t.nodes[i].parent; p != nilNode; i, p = p, t.nodes[p].parent {
		if t.nodes[p].left == i {
			return p
		}
	}
	return nilNode
}

// insertAfter/insertBefore 先以长度 0 挂入，平衡后再设置长度
func (t *spanTree) insertAfter(i int, n node) int {
	size := n.size
	n.size = 0
	j := t.alloc(n)
	if r := t.nodes[i].right; r == nilNode {
		t.nodes[i].right = j
		t.nodes[j].parent = i
	} else {
		p := t.leftmost(r)
		t.nodes[p].left = j
		t.nodes[j].parent = p
	}
	t.rebalance(t.nodes[j].parent)
	t.shiftSize(j, size)
	return j
}

func (t *spanTree) insertBefore(i int, n node) int {
	size := n.size
	n.size = 0
	j := t.alloc(n)
	if l := t.nodes[i].left; l == nilNode {
		t.nodes[i].left = j
		t.nodes[j].parent = i
	} else {
		p := t.rightmost(l)
		t.nodes[p].right = j
		t.nodes[j].parent = p
	}
	t.rebalance(t.nodes[j].parent)
	t.shiftSize(j, size)
	return j
}

// remove 先把长度清零，有两个子节点时与后继交换内容，再摘掉至多一个子节点的那个
func (t *spanTree) remove(i int) {
	t.shiftSize(i, -t.nodes[i].size)
	if t.nodes[i].left != nilNode && t.nodes[i].right != nilNode {
		s := t.leftmost(t.nodes[i].right)
		size := t.nodes[s].size
		t.shiftSize(s, -size)
		t.nodes[i].replaced, t.nodes[s].replaced = t.nodes[s].replaced, t.nodes[i].replaced
		t.nodes[i].del, t.nodes[s].del = t.nodes[s].del, t.nodes[i].del
		t.nodes[i].content, t.nodes[s].content = t.nodes[s].content, t.nodes[i].content
		t.shiftSize(i, size)
		i = s
	}
	child := t.nodes[i].left
	if child == nilNode {
		child = t.nodes[i].right
	}
	parent := t.nodes[i].parent
	t.replaceChild(parent, i, child)
	t.rebalance(parent)
}

// locate 返回包含当前偏移 pos 处字符的节点，以及字符在节点内的偏移
func (t *spanTree) locate(pos int) (int, int) {
	i := t.root
	for i != nilNode {
		n := &t.nodes[i]
		switch {
		case pos < n.leftSize:
			i = n.left
		case pos < n.leftSize+n.size:
			return i, pos - n.leftSize
		default:
			pos -= n.leftSize + n.size
			i = n.right
		}
	}
	return nilNode, 0
}

func (t *spanTree) apply(p Patch) error {
	if p.Start < 0 || p.End < p.Start || p.End >= unbounded {
		return fmt.Errorf("bad patch range [%d,%d)", p.Start, p.End)
	}
	i, off := t.locate(p.Start)
	if i == nilNode {
		return fmt.Errorf("patch offset %d out of range", p.Start)
	}
	remaining := p.End - p.Start
	var prefix, suffix []rune
	del := 0

	r := i
	if t.nodes[i].replaced {
		n := &t.nodes[i]
		prefix = append(prefix, n.content[:off]...)
		tail := n.content[off:]
		take := min(remaining, len(tail))
		suffix = append(suffix, tail[take:]...)
		remaining -= take
		del = n.del
	} else {
		if off > 0 {
			rest := t.nodes[i].size - off
			t.shiftSize(i, -rest)
			i = t.insertAfter(i, node{size: rest})
		}
		r = t.insertBefore(i, node{replaced: true})
	}

	for remaining > 0 {
		m := t.next(r)
		if m == nilNode {
			return fmt.Errorf("patch end %d out of range", p.End)
		}
		n := t.nodes[m]
		take := min(remaining, n.size)
		remaining -= take
		if n.replaced {
			suffix = append(suffix, n.content[take:]...)
			del += n.del
			t.remove(m)
			continue
		}
		del += take
		if take == n.size {
			t.remove(m)
		} else {
			t.shiftSize(m, -take)
		}
	}
	// 被吞掉的空替换节点（纯删除）紧跟在后面时一并并入
	for m := t.next(r); m != nilNode && t.nodes[m].replaced && t.nodes[m].size == 0; m = t.next(r) {
		del += t.nodes[m].del
		t.remove(m)
	}

	content := make([]rune, 0, len(prefix)+len(p.Content)+len(suffix))
	content = append(content, prefix...)
	content = append(content, []rune(p.Content)...)
	content = append(content, suffix...)
	t.nodes[r].content = content
	t.nodes[r].del = del
	t.shiftSize(r, len(content)-t.nodes[r].size)
	return nil
}

// emit 中序遍历，相邻的替换节点合并为一个 patch
func (t *spanTree) emit() []Patch {
	var out []Patch
	offset := 0
	open := false
	var cur Patch
	var buf []rune
	flush := func() {
		if open && (cur.End > cur.Start || len(buf) > 0) {
			cur.Content = string(buf)
			out = append(out, cur)
		}
		open = false
		buf = buf[:0]
	}
	if t.root == nilNode {
		return nil
	}
	for i := t.leftmost(t.root); i != nilNode; i = t.next(i) {
		n := &t.nodes[i]
		if !n.replaced {
			if n.size > 0 {
				flush()
			}
			offset += n.size
			continue
		}
		if !open {
			open = true
			cur = Patch{Start: offset, End: offset}
		}
		offset += n.del
		cur.End = offset
		buf = append(buf, n.content...)
	}
	flush()
	return out
}

// ToAbsolute 把一串顺序作用的 patch 折叠成一组互不重叠、按原文偏移排序的 patch
func ToAbsolute(patches []Patch) ([]Patch, error) {
	t := newSpanTree()
	for _, p := range patches {
		if err := t.apply(p); err != nil {
			return nil, err
		}
	}
	return t.emit(), nil
}
