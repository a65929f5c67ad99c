package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/braid-org/braid-text-sub000/backend/internal/admission"
	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
)

// Options 组装 TextService 的依赖；除 Queue 外都可以为空
type Options struct {
	Store     LogStore
	Meta      store.MetaStore
	Snapshots SnapshotArchive
	Presence  Presence
	Events    EventSink
	Queue     *admission.Queue

	PresenceTTL     time.Duration
	MetaDebounce    time.Duration
	LengthCacheSize int
	// ValidateAlreadySeenVersions 要求重放的 PUT 与已记录的历史完全一致
	ValidateAlreadySeenVersions bool
}

// TextService 管理所有资源。同一 key 上的修改串行，不同 key 之间互不影响。
type TextService struct {
	opt Options

	mu        sync.Mutex
	resources map[string]*resource
	closed    bool
	loads     singleflight.Group
}

func NewTextService(opt Options) *TextService {
	if opt.Queue == nil {
		opt.Queue = admission.New(0, admission.DefaultTimeout)
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = time.Minute
	}
	if opt.MetaDebounce <= 0 {
		opt.MetaDebounce = 100 * time.Millisecond
	}
	return &TextService{
		opt:       opt,
		resources: make(map[string]*resource),
	}
}

// load 返回已加载的资源，必要时从日志恢复；并发调用只恢复一次
func (s *TextService) load(ctx context.Context, key string) (*resource, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	r := s.resources[key]
	s.mu.Unlock()
	if r != nil {
		return r, nil
	}

	v, err, _ := s.loads.Do(key, func() (any, error) {
		s.mu.Lock()
		if r := s.resources[key]; r != nil {
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		r := newResource(key, s.opt.LengthCacheSize, s.opt.Meta, s.opt.MetaDebounce)
		var chunks [][]byte
		if s.opt.Store != nil {
			var err error
			if chunks, err = s.opt.Store.Load(key); err != nil {
				return nil, fmt.Errorf("load %q: %w", key, err)
			}
		}
		if err := r.hydrate(ctx, chunks); err != nil {
			return nil, fmt.Errorf("hydrate %q: %w", key, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return nil, ErrClosed
		}
		s.resources[key] = r
		resourcesGauge.Inc()
		glog.V(1).Infof("[load] %s: %d chunks, %d events", key, len(chunks), r.doc.NumEvents())
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*resource), nil
}

// lock 返回已上锁的资源；资源在等锁期间被删除或驱逐时重新加载
func (s *TextService) lock(ctx context.Context, key string) (*resource, error) {
	for {
		r, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if !r.deleted {
			return r, nil
		}
		r.mu.Unlock()
	}
}

// evict 把资源移出内存，下次访问时从日志重新加载。调用方持有 r.mu。
func (s *TextService) evict(r *resource) {
	r.deleted = true
	r.flush()
	for id, sub := range r.subs {
		s.dropLocked(r, id, sub)
	}
	s.mu.Lock()
	if s.resources[r.key] == r {
		delete(s.resources, r.key)
		resourcesGauge.Dec()
	}
	s.mu.Unlock()
}

// Get 返回当前或历史文本；Parents 非空时附带此后的更新；Subscribe 时登记订阅者并先推送一次
func (s *TextService) Get(ctx context.Context, key string, req GetRequest) (*GetResult, error) {
	if err := causal.ValidateVersion(req.Version); err != nil {
		return nil, err
	}
	if err := causal.ValidateVersion(req.Parents); err != nil {
		return nil, err
	}
	if req.Subscribe && req.Subscriber == nil {
		return nil, errors.New("subscribe without subscriber")
	}

	r, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	res := &GetResult{Version: r.doc.Frontier()}
	if len(req.Version) > 0 {
		lvs, err := r.localVersion(req.Version)
		if err != nil {
			return nil, err
		}
		if res.Body, err = r.doc.Checkout(lvs); err != nil {
			return nil, err
		}
		res.Version = causal.Sorted(req.Version)
	} else {
		res.Body = r.doc.Text()
	}

	if req.Subscribe {
		sub, err := s.subscribe(ctx, r, req)
		if err != nil {
			return nil, err
		}
		res.SubscriptionID = sub.id
		return res, nil
	}

	if len(req.Parents) > 0 {
		since, err := r.knownEvents(req.Parents)
		if err != nil {
			return nil, err
		}
		if res.Updates, err = r.updatesSince(since); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Has 报告 version 中的事件是否都已知
func (s *TextService) Has(ctx context.Context, key string, version []string) (bool, error) {
	events, err := causal.ParseVersion(version)
	if err != nil {
		return false, err
	}
	r, err := s.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer r.mu.Unlock()
	return len(r.missing(events)) == 0, nil
}

// Forget 取消一个订阅；订阅不存在时什么也不做
func (s *TextService) Forget(ctx context.Context, key, id string) {
	s.mu.Lock()
	r := s.resources[key]
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub := r.subs[id]; sub != nil {
		s.dropLocked(r, id, sub)
	}
}

// dropLocked 移除订阅。调用方持有 r.mu。
func (s *TextService) dropLocked(r *resource, id string, sub *subscription) {
	sub.stopTimer()
	delete(r.subs, id)
	subscribersGauge.WithLabelValues(string(sub.mergeType)).Dec()
	if s.opt.Presence != nil && sub.peer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.opt.Presence.RemoveSubscriber(ctx, r.key, sub.peer); err != nil {
			glog.Warningf("[presence] %s: remove %s: %v", r.key, sub.peer, err)
		}
	}
	glog.V(1).Infof("[subscribe] %s: dropped %s (peer=%s)", r.key, id, sub.peer)
}

// Delete 删除资源的全部持久化状态，并断开所有订阅
func (s *TextService) Delete(ctx context.Context, key string) error {
	r, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	if r.metaTimer != nil {
		r.metaTimer.Stop()
		r.metaTimer = nil
	}
	s.evict(r)

	var errs []error
	if s.opt.Store != nil {
		errs = append(errs, s.opt.Store.Delete(key))
	}
	if s.opt.Meta != nil {
		errs = append(errs, s.opt.Meta.DeleteMeta(ctx, key))
	}
	if s.opt.Snapshots != nil {
		errs = append(errs, s.opt.Snapshots.DeleteSnapshots(ctx, key))
	}
	glog.Infof("[delete] %s", key)
	return errors.Join(errs...)
}

// SaveSnapshot 把当前文本归档；没有配置归档时返回 nil
func (s *TextService) SaveSnapshot(ctx context.Context, key string) ([]string, error) {
	r, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	version, text := r.doc.Frontier(), r.doc.Text()
	r.mu.Unlock()

	if s.opt.Snapshots == nil {
		return version, nil
	}
	if err := s.opt.Snapshots.SaveSnapshot(ctx, key, version, text); err != nil {
		return nil, err
	}
	return version, nil
}

// LatestSnapshot 返回最近一次归档
func (s *TextService) LatestSnapshot(ctx context.Context, key string) (*store.TextSnapshot, error) {
	if s.opt.Snapshots == nil {
		return nil, store.ErrNoSnapshot
	}
	return s.opt.Snapshots.LatestSnapshot(ctx, key)
}

// Keys 列出已加载到内存以及已持久化的 key
func (s *TextService) Keys() []string {
	set := make(map[string]bool)
	s.mu.Lock()
	for k := range s.resources {
		set[k] = true
	}
	s.mu.Unlock()
	if s.opt.Store != nil {
		for _, k := range s.opt.Store.Keys() {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close 写出所有待落盘的元数据并停掉定时器；之后的调用返回 ErrClosed
func (s *TextService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rs := make([]*resource, 0, len(s.resources))
	for _, r := range s.resources {
		rs = append(rs, r)
	}
	s.mu.Unlock()

	for _, r := range rs {
		r.mu.Lock()
		r.flush()
		r.mu.Unlock()
	}
	return nil
}

// knownEvents 解析版本并确认其中事件都已知。调用方持有 r.mu。
func (r *resource) knownEvents(version []string) ([]causal.Event, error) {
	events, err := causal.ParseVersion(version)
	if err != nil {
		return nil, err
	}
	if missing := r.missing(events); len(missing) > 0 {
		return nil, unknown(missing, nil)
	}
	return events, nil
}

// localVersion 校验并翻译版本。调用方持有 r.mu。
func (r *resource) localVersion(version []string) ([]int, error) {
	events, err := r.knownEvents(version)
	if err != nil {
		return nil, err
	}
	return r.doc.LocalVersion(events)
}

// updatesSince 把 since 之后的历史整理成完整保真的更新。调用方持有 r.mu。
func (r *resource) updatesSince(since []causal.Event) ([]Update, error) {
	changes, err := patch.Extract(r.doc, since)
	if err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(changes))
	for _, c := range changes {
		out = append(out, Update{
			Version: []string{c.Version},
			Parents: c.Parents,
			Patches: []patch.Patch{c.Patch},
		})
	}
	return out, nil
}
