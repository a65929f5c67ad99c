package causal

import "sort"

// Range 是闭区间 [Low, High]
type Range struct {
	Low  uint64
	High uint64
}

// RangeSet 记录某个 actor 已见过的 seq，只增不减。
// runs 有序、互不相交且互不相邻（相邻的会被合并）。
type RangeSet struct {
	runs []Range
}

func (s *RangeSet) Has(x uint64) bool {
	i := sort.Search(len(s.runs), func(i int) bool { return s.runs[i].High >= x })
	return i < len(s.runs) && s.runs[i].Low <= x
}

// HasRange 判断 [low, high] 是否整段已知
func (s *RangeSet) HasRange(low, high uint64) bool {
	i := sort.Search(len(s.runs), func(i int) bool { return s.runs[i].High >= low })
	return i < len(s.runs) && s.runs[i].Low <= low && s.runs[i].High >= high
}

func (s *RangeSet) AddRange(low, high uint64) {
	if low > high {
		return
	}
	// 第一个可能与 [low, high] 重叠或相邻的 run
	i := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].High == ^uint64(0) || s.runs[i].High+1 >= low
	})
	j := i
	for j < len(s.runs) && (high == ^uint64(0) || s.runs[j].Low <= high+1) {
		if s.runs[j].Low < low {
			low = s.runs[j].Low
		}
		if s.runs[j].High > high {
			high = s.runs[j].High
		}
		j++
	}
	if i == j {
		s.runs = append(s.runs, Range{})
		copy(s.runs[i+1:], s.runs[i:])
		s.runs[i] = Range{Low: low, High: high}
		return
	}
	s.runs[i] = Range{Low: low, High: high}
	s.runs = append(s.runs[:i+1], s.runs[j:]...)
}

func (s *RangeSet) Runs() []Range {
	return append([]Range(nil), s.runs...)
}

// Overlaps 判断 [low, high] 中是否至少有一个 seq 已知
func (s *RangeSet) Overlaps(low, high uint64) bool {
	i := sort.Search(len(s.runs), func(i int) bool { return s.runs[i].High >= low })
	return i < len(s.runs) && s.runs[i].Low <= high
}

// ActorSeqs 按 actor 维护已见过的 seq 集合
type ActorSeqs struct {
	m map[string]*RangeSet
}

func NewActorSeqs() *ActorSeqs {
	return &ActorSeqs{m: make(map[string]*RangeSet)}
}

func (a *ActorSeqs) Has(actor string, seq uint64) bool {
	rs := a.m[actor]
	return rs != nil && rs.Has(seq)
}

func (a *ActorSeqs) HasEvent(e Event) bool {
	return a.Has(e.Actor, e.Seq)
}

func (a *ActorSeqs) MarkSeen(actor string, low, high uint64) {
	rs := a.m[actor]
	if rs == nil {
		rs = &RangeSet{}
		a.m[actor] = rs
	}
	rs.AddRange(low, high)
}

// Missing 返回 events 中尚未见过的那些
func (a *ActorSeqs) Missing(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if !a.HasEvent(e) {
			out = append(out, e)
		}
	}
	return out
}

// HasRange 判断 actor 的 [low, high] 是否整段已知
func (a *ActorSeqs) HasRange(actor string, low, high uint64) bool {
	rs := a.m[actor]
	return rs != nil && rs.HasRange(low, high)
}

// SeenAny 判断 actor 的 [low, high] 是否与已知部分相交
func (a *ActorSeqs) SeenAny(actor string, low, high uint64) bool {
	rs := a.m[actor]
	return rs != nil && rs.Overlaps(low, high)
}
