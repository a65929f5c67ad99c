package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
	"github.com/braid-org/braid-text-sub000/backend/internal/textdoc"
)

const eventSinkTimeout = 200 * time.Millisecond

// validatePut 只检查请求本身的形状，不看资源状态
func validatePut(req PutRequest) (*causal.Event, []causal.Event, error) {
	if len(req.Version) > 1 {
		return nil, nil, fmt.Errorf("%w: expected one version, got %d", ErrMalformedVersion, len(req.Version))
	}
	var version *causal.Event
	if len(req.Version) == 1 {
		e, err := causal.ParseEvent(req.Version[0])
		if err != nil {
			return nil, nil, err
		}
		version = &e
	}
	parents, err := causal.ParseVersion(req.Parents)
	if err != nil {
		return nil, nil, err
	}
	if req.Body != nil && len(req.Patches) > 0 {
		return nil, nil, fmt.Errorf("%w: both body and patches", ErrMalformedPatch)
	}
	for _, p := range req.Patches {
		if p.Start < 0 || p.End < p.Start {
			return nil, nil, fmt.Errorf("%w: bad range %v", ErrMalformedPatch, p)
		}
	}
	return version, parents, nil
}

func putWeight(req PutRequest) int64 {
	w := int64(64)
	if req.Body != nil {
		w += int64(len(*req.Body))
	}
	for _, p := range req.Patches {
		w += int64(len(p.Content)) + 16
	}
	return w
}

// normalizePatches 按起点排序并检查不重叠、不越界；body 视为替换全文
func normalizePatches(req PutRequest, length int) ([]patch.Patch, int, error) {
	var patches []patch.Patch
	if req.Body != nil {
		patches = []patch.Patch{{Start: 0, End: length, Content: *req.Body}}
	} else {
		patches = append(patches, req.Patches...)
		sort.SliceStable(patches, func(i, j int) bool { return patches[i].Start < patches[j].Start })
	}
	for i, p := range patches {
		if p.End > length {
			return nil, 0, fmt.Errorf("%w: %v past length %d", ErrMalformedPatch, p, length)
		}
		if i > 0 && p.Start < patches[i-1].End {
			return nil, 0, fmt.Errorf("%w: %v overlaps %v", ErrMalformedPatch, p, patches[i-1])
		}
	}
	return patches, changeCount(patches), nil
}

// changeCount 是 patches 展开后的单字符事件数
func changeCount(patches []patch.Patch) int {
	n := 0
	for _, p := range patches {
		n += p.End - p.Start + utf8.RuneCountInString(p.Content)
	}
	return n
}

// buildEvents 把相对 parents 文本的 patch 展开成 version.Actor 下线性链接的单字符事件，
// 最后一个事件就是 version
func buildEvents(version causal.Event, parents []causal.Event, patches []patch.Patch, n int) ([]codec.Event, error) {
	if version.Seq+1 < uint64(n) {
		return nil, fmt.Errorf("%w: version %s too small for %d events", ErrMalformedVersion, version, n)
	}
	seq := version.Seq + 1 - uint64(n)
	prev := parents
	offset := 0
	events := make([]codec.Event, 0, n)
	for _, p := range patches {
		del := p.End - p.Start
		k := del + utf8.RuneCountInString(p.Content)
		if k == 0 {
			continue
		}
		last := causal.Event{Actor: version.Actor, Seq: seq + uint64(k) - 1}
		evs, err := codec.EditEvents(last, prev, p.Start+offset, del, p.Content)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
		prev = []causal.Event{last}
		seq += uint64(k)
		offset += k - 2*del
	}
	return events, nil
}

// Put 应用一次编辑并推送给订阅者，返回该编辑的版本
func (s *TextService) Put(ctx context.Context, key string, req PutRequest) (res *PutResult, err error) {
	start := time.Now()
	defer func() {
		putsTotal.WithLabelValues(putResult(err)).Inc()
		if err == nil {
			putLatency.Observe(time.Since(start).Seconds())
		} else {
			glog.V(1).Infof("[put] %s: version=%v parents=%v: %v", key, req.Version, req.Parents, err)
		}
	}()

	version, parentEvents, err := validatePut(req)
	if err != nil {
		return nil, err
	}

	r, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			r.mu.Unlock()
		}
	}()

	// patch 形式的 PUT 不需要父版本长度就能算出事件区间，整段已知时直接返回
	if version != nil && req.Body == nil && !s.opt.ValidateAlreadySeenVersions {
		n := uint64(changeCount(req.Patches))
		if n > 0 && n <= version.Seq+1 && r.seen.HasRange(version.Actor, version.Seq+1-n, version.Seq) {
			return &PutResult{Version: []string{version.String()}, Noop: true}, nil
		}
	}
	if req.Parents == nil {
		parentEvents, _ = causal.ParseVersion(r.doc.Frontier())
	}
	if missing := r.missing(parentEvents); len(missing) > 0 {
		// 在持锁时登记，不会错过 MarkSatisfied
		ch, ok := s.opt.Queue.Wait(key, missing, putWeight(req))
		if !ok {
			return nil, fmt.Errorf("%w: %d bytes already waiting", ErrBusy, s.opt.Queue.Weight())
		}
		r.mu.Unlock()
		locked = false
		glog.V(2).Infof("[put] %s: waiting for %v (%d events queued on key)", key, causal.Strings(missing), s.opt.Queue.Pending(key))
		<-ch
		if r, err = s.lock(ctx, key); err != nil {
			return nil, err
		}
		locked = true
		if missing := r.missing(parentEvents); len(missing) > 0 {
			return nil, unknown(missing, ErrParentsNotArrived)
		}
	}

	parents := causal.Strings(parentEvents)
	lvs, err := r.doc.LocalVersion(parentEvents)
	if err != nil {
		return nil, err
	}
	length, err := r.lengthAt(parents, lvs)
	if err != nil {
		return nil, err
	}
	patches, n, err := normalizePatches(req, length)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &PutResult{Version: r.doc.Frontier(), Noop: true}, nil
	}

	if version == nil {
		version = &causal.Event{Actor: ulid.Make().String(), Seq: uint64(n - 1)}
	}
	events, err := buildEvents(*version, parentEvents, patches, n)
	if err != nil {
		return nil, err
	}
	versionStrs := []string{version.String()}

	first := events[0].ID.Seq
	if r.seen.SeenAny(version.Actor, first, version.Seq) {
		// 整段已知即为重放（开启校验时还须与记录一致）；只有部分已知的编辑会改写已有事件，拒绝
		if !r.seen.HasRange(version.Actor, first, version.Seq) {
			return nil, fmt.Errorf("%w: %s..%s partly overlaps known events", ErrReplayDiverged,
				causal.Event{Actor: version.Actor, Seq: first}, version)
		}
		if s.opt.ValidateAlreadySeenVersions {
			if err := r.matchesHistory(events); err != nil {
				return nil, err
			}
		}
		return &PutResult{Version: versionStrs, Noop: true}, nil
	}

	if req.Digest != "" {
		base, err := r.doc.Checkout(lvs)
		if err != nil {
			return nil, err
		}
		if err := verifyDigest(base, patches, req.Digest); err != nil {
			return nil, err
		}
	}

	if _, err := r.doc.AddEvents(events); err != nil {
		if errors.Is(err, textdoc.ErrBadPosition) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPatch, err)
		}
		return nil, err
	}
	r.seen.MarkSeen(version.Actor, first, version.Seq)
	s.opt.Queue.MarkSatisfied(key, version.Actor, first, version.Seq)

	if s.opt.Store != nil {
		chunk := codec.EncodeEvents(parentEvents, events)
		if err := s.opt.Store.Append(key, chunk, r.doc.Bytes); err != nil {
			// 内存里已经有这批事件，丢掉内存状态，下次从日志重新加载
			glog.Errorf("[put] %s: append %s: %v", key, version, err)
			s.evict(r)
			return nil, err
		}
	}

	newLen := length
	for _, p := range patches {
		newLen += utf8.RuneCountInString(p.Content) - (p.End - p.Start)
	}
	r.lengths.Set(versionKey(versionStrs), newLen, 0)
	frontier := r.doc.Frontier()
	r.lengths.Set(versionKey(frontier), r.doc.Len(), 0)

	s.fanout(ctx, r, req.Peer, versionStrs, parents, patches)
	glog.V(1).Infof("[put] %s: applied %s (%d events, peer=%s) -> %v", key, version, n, req.Peer, frontier)

	r.mu.Unlock()
	locked = false

	if s.opt.Events != nil {
		ectx, cancel := context.WithTimeout(context.Background(), eventSinkTimeout)
		defer cancel()
		evt := PutAppliedEvent{
			EventType: PutAppliedEventType,
			Key:       key,
			Version:   versionStrs,
			Parents:   parents,
			Peer:      req.Peer,
			Patches:   patches,
			Length:    newLen,
			AppliedAt: time.Now(),
		}
		if err := s.opt.Events.Enqueue(ectx, evt); err != nil {
			glog.Warningf("[put] %s: event for %s dropped: %v", key, version, err)
		}
	}
	return &PutResult{Version: versionStrs}, nil
}

// matchesHistory 检查重放的事件与已记录的完全一致。调用方持有 r.mu。
func (r *resource) matchesHistory(events []codec.Event) error {
	for _, e := range events {
		lvs, err := r.doc.LocalVersion([]causal.Event{e.ID})
		if err != nil {
			return fmt.Errorf("%w: %s not recorded", ErrReplayDiverged, e.ID)
		}
		got := r.doc.Event(lvs[0])
		same := got.Kind == e.Kind && got.Pos == e.Pos &&
			(e.Kind != codec.Insert || got.Content == e.Content) &&
			causal.Equal(causal.Strings(got.Parents), causal.Strings(e.Parents))
		if !same {
			return fmt.Errorf("%w: %s differs from recorded history", ErrReplayDiverged, e.ID)
		}
	}
	return nil
}
