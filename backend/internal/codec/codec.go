// Package codec 读写文本 op-log 的二进制容器格式。
//
// 文件 = 8 字节 magic + 1 字节版本号(0) + 若干 (tag, varint 长度, payload) chunk。
// 事件按文件顺序（即本地序）排列，父事件总在子事件之前。
package codec

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

const (
	Magic         = "DMNDTYPS"
	FormatVersion = 0
)

const (
	chunkAgents      byte = 1
	chunkStartBranch byte = 2
	chunkVersions    byte = 3
	chunkParents     byte = 4
	chunkOps         byte = 5
)

var (
	ErrCodec           = errors.New("CODEC_ERROR")
	ErrVersionNotFound = errors.New("VERSION_NOT_FOUND")
)

type OpKind uint8

const (
	Insert OpKind = iota
	Delete
)

func (k OpKind) String() string {
	if k == Delete {
		return "del"
	}
	return "ins"
}

// Event 是一次单字符编辑：Pos 是在 Parents 所表示的文档上的位置
type Event struct {
	ID      causal.Event
	Parents []causal.Event
	Kind    OpKind
	Pos     int
	Content rune
}

// File 是解码结果
type File struct {
	Agents []string
	// Start 为这段历史所基于的版本（为空表示从头开始）
	Start  []causal.Event
	Events []Event
}

// EncodeEvents 按给定顺序编码事件，start 为这段历史所基于的版本
func EncodeEvents(start []causal.Event, events []Event) []byte {
	agents := newAgentTable()
	for _, e := range start {
		agents.index(e.Actor)
	}
	for _, e := range events {
		agents.index(e.ID.Actor)
		for _, p := range e.Parents {
			agents.index(p.Actor)
		}
	}

	out := append([]byte(Magic), FormatVersion)
	out = appendChunk(out, chunkAgents, agents.encode())
	if len(start) > 0 {
		var p []byte
		p = appendUvarint(p, uint64(len(start)))
		for _, e := range start {
			p = appendUvarint(p, uint64(agents.index(e.Actor)))
			p = appendUvarint(p, e.Seq)
		}
		out = appendChunk(out, chunkStartBranch, p)
	}
	out = appendChunk(out, chunkVersions, encodeVersions(agents, events))
	out = appendChunk(out, chunkParents, encodeParents(agents, events))
	out = appendChunk(out, chunkOps, encodeOps(events))
	return out
}

// EncodeEdit 编码一次连续编辑：先从 pos+del-1 向前删 del 个字符，再从 pos 起插入 ins。
// version 是这组事件中的最后一个，事件的 seq 连续。
func EncodeEdit(version causal.Event, parents []causal.Event, pos, del int, ins string) ([]byte, error) {
	events, err := EditEvents(version, parents, pos, del, ins)
	if err != nil {
		return nil, err
	}
	return EncodeEvents(parents, events), nil
}

// EditEvents 把一次编辑展开成线性链接的单字符事件
func EditEvents(version causal.Event, parents []causal.Event, pos, del int, ins string) ([]Event, error) {
	n := uint64(del + utf8.RuneCountInString(ins))
	if n == 0 {
		return nil, nil
	}
	if version.Seq+1 < n {
		return nil, fmt.Errorf("%w: version %s too small for %d events", ErrCodec, version, n)
	}
	seq := version.Seq + 1 - n
	prev := parents
	events := make([]Event, 0, n)
	push := func(kind OpKind, p int, c rune) {
		id := causal.Event{Actor: version.Actor, Seq: seq}
		events = append(events, Event{ID: id, Parents: prev, Kind: kind, Pos: p, Content: c})
		prev = []causal.Event{id}
		seq++
	}
	for i := pos + del - 1; i >= pos; i-- {
		push(Delete, i, 0)
	}
	p := pos
	for _, c := range ins {
		push(Insert, p, c)
		p++
	}
	return events, nil
}

func appendChunk(out []byte, tag byte, payload []byte) []byte {
	out = append(out, tag)
	out = appendUvarint(out, uint64(len(payload)))
	return append(out, payload...)
}

type agentTable struct {
	names []string
	idx   map[string]int
}

func newAgentTable() *agentTable {
	return &agentTable{idx: make(map[string]int)}
}

func (a *agentTable) index(name string) int {
	if i, ok := a.idx[name]; ok {
		return i
	}
	a.idx[name] = len(a.names)
	a.names = append(a.names, name)
	return len(a.names) - 1
}

func (a *agentTable) encode() []byte {
	var p []byte
	for _, n := range a.names {
		p = appendUvarint(p, uint64(len(n)))
		p = append(p, n...)
	}
	return p
}

func encodeVersions(agents *agentTable, events []Event) []byte {
	var p []byte
	next := make(map[int]uint64)
	for i := 0; i < len(events); {
		id := events[i].ID
		j := i + 1
		for j < len(events) && events[j].ID.Actor == id.Actor && events[j].ID.Seq == id.Seq+uint64(j-i) {
			j++
		}
		ai := agents.index(id.Actor)
		jump := int64(id.Seq) - int64(next[ai])
		hdr := uint64(ai) << 1
		if jump != 0 {
			hdr |= 1
		}
		p = appendUvarint(p, hdr)
		p = appendUvarint(p, uint64(j-i))
		if jump != 0 {
			p = appendUvarint(p, zigzag(jump))
		}
		next[ai] = id.Seq + uint64(j-i)
		i = j
	}
	return p
}

func linearParent(events []Event, i int) bool {
	if i == 0 || len(events[i].Parents) != 1 {
		return false
	}
	return events[i].Parents[0] == events[i-1].ID
}

func encodeParents(agents *agentTable, events []Event) []byte {
	var p []byte
	local := make(map[causal.Event]int, len(events))
	for i := 0; i < len(events); {
		j := i + 1
		for j < len(events) && linearParent(events, j) {
			j++
		}
		p = appendUvarint(p, uint64(j-i))
		p = appendUvarint(p, uint64(len(events[i].Parents)))
		for _, par := range events[i].Parents {
			if li, ok := local[par]; ok {
				p = appendUvarint(p, uint64(i-li)<<1)
			} else {
				p = appendUvarint(p, uint64(agents.index(par.Actor))<<1|1)
				p = appendUvarint(p, par.Seq)
			}
		}
		for k := i; k < j; k++ {
			local[events[k].ID] = k
		}
		i = j
	}
	return p
}

// op run 头部：len<<3 | hasContent<<2 | backward<<1 | kind
func encodeOps(events []Event) []byte {
	var p []byte
	for i := 0; i < len(events); {
		e := events[i]
		j := i + 1
		back := false
		if j < len(events) && events[j].Kind == e.Kind {
			step := events[j].Pos - e.Pos
			back = backwardStep(e.Kind, step)
			if back || forwardStep(e.Kind, step) {
				for j < len(events) && events[j].Kind == e.Kind &&
					events[j].Pos-events[j-1].Pos == step {
					j++
				}
			}
		}
		hdr := uint64(j-i)<<3 | uint64(e.Kind)
		if back {
			hdr |= 1 << 1
		}
		if e.Kind == Insert {
			hdr |= 1 << 2
		}
		p = appendUvarint(p, hdr)
		p = appendUvarint(p, uint64(e.Pos))
		if e.Kind == Insert {
			var content []byte
			for k := i; k < j; k++ {
				content = utf8.AppendRune(content, events[k].Content)
			}
			p = appendUvarint(p, uint64(len(content)))
			p = append(p, content...)
		}
		i = j
	}
	return p
}

// 正向：插入逐个右移，删除停在原位；反向：插入停在原位，删除逐个左移
func forwardStep(kind OpKind, step int) bool {
	if kind == Insert {
		return step == 1
	}
	return step == 0
}

func backwardStep(kind OpKind, step int) bool {
	if kind == Insert {
		return step == 0
	}
	return step == -1
}

func nextPos(kind OpKind, back bool, pos int) int {
	switch {
	case kind == Insert && !back:
		return pos + 1
	case kind == Delete && back:
		return pos - 1
	}
	return pos
}

func readHeader(buf []byte) (*reader, error) {
	if len(buf) < len(Magic)+1 || string(buf[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCodec)
	}
	if buf[len(Magic)] != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCodec, buf[len(Magic)])
	}
	return &reader{buf: buf, pos: len(Magic) + 1}, nil
}

// chunks 按顺序返回每个 chunk 的 tag 与 payload
func chunks(buf []byte) (map[byte][]byte, error) {
	r, err := readHeader(buf)
	if err != nil {
		return nil, err
	}
	out := make(map[byte][]byte)
	for !r.done() {
		tag, err := r.readByte()
		if err != nil {
			return nil, err
		}
		n, err := r.int()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		out[tag] = payload
	}
	return out, nil
}

func decodeAgents(payload []byte) ([]string, error) {
	r := &reader{buf: payload}
	var agents []string
	for !r.done() {
		n, err := r.int()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(n)
		if err != nil {
			return nil, err
		}
		agents = append(agents, string(b))
	}
	return agents, nil
}

func agentAt(agents []string, i int) (string, error) {
	if i < 0 || i >= len(agents) {
		return "", fmt.Errorf("%w: agent index %d out of range", ErrCodec, i)
	}
	return agents[i], nil
}

type versionRun struct {
	agent string
	start uint64
	len   int
}

func decodeVersions(agents []string, payload []byte) ([]versionRun, error) {
	r := &reader{buf: payload}
	next := make(map[int]uint64)
	var runs []versionRun
	for !r.done() {
		hdr, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		n, err := r.int()
		if err != nil {
			return nil, err
		}
		ai := int(hdr >> 1)
		agent, err := agentAt(agents, ai)
		if err != nil {
			return nil, err
		}
		start := next[ai]
		if hdr&1 != 0 {
			z, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			start = uint64(int64(start) + unzigzag(z))
		}
		runs = append(runs, versionRun{agent: agent, start: start, len: n})
		next[ai] = start + uint64(n)
	}
	return runs, nil
}

// Decode 解析完整文件，重建每个事件的身份、父事件和操作
func Decode(buf []byte) (*File, error) {
	cs, err := chunks(buf)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if f.Agents, err = decodeAgents(cs[chunkAgents]); err != nil {
		return nil, err
	}
	if p, ok := cs[chunkStartBranch]; ok {
		r := &reader{buf: p}
		n, err := r.int()
		if err != nil {
			return nil, err
		}
		for k := 0; k < n; k++ {
			e, err := readForeign(r, f.Agents)
			if err != nil {
				return nil, err
			}
			f.Start = append(f.Start, e)
		}
	}

	runs, err := decodeVersions(f.Agents, cs[chunkVersions])
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		for k := 0; k < run.len; k++ {
			f.Events = append(f.Events, Event{ID: causal.Event{Actor: run.agent, Seq: run.start + uint64(k)}})
		}
	}
	if err := decodeParents(f, cs[chunkParents]); err != nil {
		return nil, err
	}
	if err := decodeOps(f, cs[chunkOps]); err != nil {
		return nil, err
	}
	return f, nil
}

func readForeign(r *reader, agents []string) (causal.Event, error) {
	ai, err := r.int()
	if err != nil {
		return causal.Event{}, err
	}
	agent, err := agentAt(agents, ai)
	if err != nil {
		return causal.Event{}, err
	}
	seq, err := r.uvarint()
	if err != nil {
		return causal.Event{}, err
	}
	return causal.Event{Actor: agent, Seq: seq}, nil
}

func decodeParents(f *File, payload []byte) error {
	r := &reader{buf: payload}
	i := 0
	for !r.done() {
		n, err := r.int()
		if err != nil {
			return err
		}
		np, err := r.int()
		if err != nil {
			return err
		}
		if n == 0 || i+n > len(f.Events) {
			return fmt.Errorf("%w: parent run of %d at event %d", ErrCodec, n, i)
		}
		var parents []causal.Event
		for k := 0; k < np; k++ {
			ref, err := r.uvarint()
			if err != nil {
				return err
			}
			if ref&1 == 0 {
				off := int(ref >> 1)
				if off < 1 || off > i {
					return fmt.Errorf("%w: bad local parent offset %d at event %d", ErrCodec, off, i)
				}
				parents = append(parents, f.Events[i-off].ID)
				continue
			}
			agent, err := agentAt(f.Agents, int(ref>>1))
			if err != nil {
				return err
			}
			seq, err := r.uvarint()
			if err != nil {
				return err
			}
			parents = append(parents, causal.Event{Actor: agent, Seq: seq})
		}
		f.Events[i].Parents = parents
		for k := i + 1; k < i+n; k++ {
			f.Events[k].Parents = []causal.Event{f.Events[k-1].ID}
		}
		i += n
	}
	if i != len(f.Events) {
		return fmt.Errorf("%w: parents cover %d of %d events", ErrCodec, i, len(f.Events))
	}
	return nil
}

func decodeOps(f *File, payload []byte) error {
	r := &reader{buf: payload}
	i := 0
	for !r.done() {
		hdr, err := r.uvarint()
		if err != nil {
			return err
		}
		n := int(hdr >> 3)
		kind := OpKind(hdr & 1)
		back := hdr&2 != 0
		if n == 0 || i+n > len(f.Events) {
			return fmt.Errorf("%w: op run of %d at event %d", ErrCodec, n, i)
		}
		pos, err := r.int()
		if err != nil {
			return err
		}
		var content []byte
		if hdr&4 != 0 {
			cl, err := r.int()
			if err != nil {
				return err
			}
			if content, err = r.bytes(cl); err != nil {
				return err
			}
		}
		for k := 0; k < n; k++ {
			e := &f.Events[i+k]
			e.Kind = kind
			e.Pos = pos
			if kind == Insert {
				c, size := utf8.DecodeRune(content)
				if size == 0 {
					return fmt.Errorf("%w: insert content shorter than run at event %d", ErrCodec, i+k)
				}
				e.Content = c
				content = content[size:]
			}
			pos = nextPos(kind, back, pos)
			if pos < 0 && k+1 < n {
				return fmt.Errorf("%w: negative position at event %d", ErrCodec, i+k)
			}
		}
		i += n
	}
	if i != len(f.Events) {
		return fmt.Errorf("%w: ops cover %d of %d events", ErrCodec, i, len(f.Events))
	}
	return nil
}

// LocalVersionFor 单遍扫描版本表，返回 frontier 中每个事件在文件中的下标（与输入同序）
func LocalVersionFor(buf []byte, frontier []causal.Event) ([]int, error) {
	cs, err := chunks(buf)
	if err != nil {
		return nil, err
	}
	agents, err := decodeAgents(cs[chunkAgents])
	if err != nil {
		return nil, err
	}
	runs, err := decodeVersions(agents, cs[chunkVersions])
	if err != nil {
		return nil, err
	}

	// 每个 actor 尚未找到的 seq，保持有序
	wanted := make(map[string][]uint64)
	for _, e := range frontier {
		wanted[e.Actor] = append(wanted[e.Actor], e.Seq)
	}
	for a := range wanted {
		s := wanted[a]
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	}
	found := make(map[causal.Event]int, len(frontier))
	remaining := len(wanted)
	base := 0
	for _, run := range runs {
		if remaining == 0 {
			break
		}
		s := wanted[run.agent]
		if len(s) > 0 {
			end := run.start + uint64(run.len)
			lo := sort.Search(len(s), func(i int) bool { return s[i] >= run.start })
			hi := lo
			for hi < len(s) && s[hi] < end {
				found[causal.Event{Actor: run.agent, Seq: s[hi]}] = base + int(s[hi]-run.start)
				hi++
			}
			if hi > lo {
				s = append(s[:lo], s[hi:]...)
				wanted[run.agent] = s
				if len(s) == 0 {
					remaining--
				}
			}
		}
		base += run.len
	}

	out := make([]int, len(frontier))
	for i, e := range frontier {
		lv, ok := found[e]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, e)
		}
		out[i] = lv
	}
	return out, nil
}
