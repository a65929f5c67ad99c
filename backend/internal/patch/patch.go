// Package patch 把引擎的单字符事件整理成文本 patch。
package patch

import (
	"fmt"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
	"github.com/braid-org/braid-text-sub000/backend/internal/textdoc"
)

// Patch 把 [Start, End) 替换为 Content，单位是 Unicode 码点
type Patch struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

func (p Patch) String() string {
	return fmt.Sprintf("[%d:%d]%q", p.Start, p.End, p.Content)
}

// Change 是一段因果线性的编辑：Version 是其中最后一个事件，Parents 是第一个事件的父版本
type Change struct {
	Version string   `json:"version"`
	Parents []string `json:"parents"`
	Patch
}

// Source 是 Extract 需要的引擎能力
type Source interface {
	Bytes() []byte
	OpsSince(lvs []int) []textdoc.OpRun
}

// Extract 返回 since 之后的全部编辑，since 为空时返回全部历史。同一 actor、seq 连续、
// 父链线性的正向插入或反向删除合并为一个 Change，其余每个事件单独一个 Change。
// since 中有未知事件时返回 codec.ErrVersionNotFound。
func Extract(doc Source, since []causal.Event) ([]Change, error) {
	buf := doc.Bytes()
	var lvs []int
	if len(since) > 0 {
		var err error
		if lvs, err = codec.LocalVersionFor(buf, since); err != nil {
			return nil, err
		}
	}
	runs := doc.OpsSince(lvs)
	if len(runs) == 0 {
		return nil, nil
	}
	f, err := codec.Decode(buf)
	if err != nil {
		return nil, err
	}
	var out []Change
	for _, run := range runs {
		if run.End > len(f.Events) {
			return nil, fmt.Errorf("%w: op run [%d,%d) past %d events", codec.ErrCodec, run.Start, run.End, len(f.Events))
		}
		mergeable := (run.Kind == codec.Insert && !run.Backward) || (run.Kind == codec.Delete && run.Backward)
		pos := run.Pos
		for i := run.Start; i < run.End; {
			j := i + 1
			if mergeable {
				for j < run.End && linked(f.Events, j) {
					j++
				}
			}
			first, last := f.Events[i], f.Events[j-1]
			n := j - i
			c := Change{
				Version: last.ID.String(),
				Parents: causal.Strings(first.Parents),
			}
			switch {
			case run.Kind == codec.Insert:
				c.Patch = Patch{Start: pos, End: pos, Content: string(run.Content[i-run.Start : j-run.Start])}
			case run.Backward:
				c.Patch = Patch{Start: pos - n + 1, End: pos + 1}
			default:
				c.Patch = Patch{Start: pos, End: pos + 1}
			}
			out = append(out, c)
			pos = advance(run, pos, n)
			i = j
		}
	}
	return out, nil
}

// linked 判断事件 j 是否是事件 j-1 的同一 actor 的直接后继
func linked(events []codec.Event, j int) bool {
	prev, cur := events[j-1], events[j]
	return cur.ID.Actor == prev.ID.Actor &&
		cur.ID.Seq == prev.ID.Seq+1 &&
		len(cur.Parents) == 1 && cur.Parents[0] == prev.ID
}

func advance(run textdoc.OpRun, pos, n int) int {
	switch {
	case run.Kind == codec.Insert && !run.Backward:
		return pos + n
	case run.Kind == codec.Delete && run.Backward:
		return pos - n
	}
	return pos
}
