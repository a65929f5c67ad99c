package collab

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
	"github.com/braid-org/braid-text-sub000/backend/internal/textdoc"
)

// resourceMeta 是每个 key 持久化的小块元数据
type resourceMeta struct {
	// ForkPoints: 同步对端名 -> 认为双方共有的版本
	ForkPoints map[string][]string `json:"fork_points,omitempty"`
}

// resource 是一个同步中的文档。mu 串行化该 key 上的全部修改。
type resource struct {
	mu  sync.Mutex
	key string

	doc  *textdoc.Doc
	seen *causal.ActorSeqs
	// 版本串 -> 该版本的文本长度
	lengths *ttlcache.Cache[string, int]

	meta      resourceMeta
	metaStore store.MetaStore
	metaDelay time.Duration
	metaTimer *time.Timer

	subs    map[string]*subscription
	deleted bool
}

func newResource(key string, lengthCacheSize int, metaStore store.MetaStore, metaDelay time.Duration) *resource {
	if lengthCacheSize <= 0 {
		lengthCacheSize = 1024
	}
	return &resource{
		key:  key,
		doc:  textdoc.New(),
		seen: causal.NewActorSeqs(),
		lengths: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](10*time.Minute),
			ttlcache.WithCapacity[string, int](uint64(lengthCacheSize)),
		),
		meta:      resourceMeta{ForkPoints: make(map[string][]string)},
		metaStore: metaStore,
		metaDelay: metaDelay,
		subs:      make(map[string]*subscription),
	}
}

// hydrate 从日志和元数据恢复状态
func (r *resource) hydrate(ctx context.Context, chunks [][]byte) error {
	for _, c := range chunks {
		if _, err := r.doc.Merge(c); err != nil {
			return err
		}
	}
	for lv := 0; lv < r.doc.NumEvents(); lv++ {
		id, _ := r.doc.EventAt(lv)
		r.seen.MarkSeen(id.Actor, id.Seq, id.Seq)
	}
	if r.metaStore == nil {
		return nil
	}
	raw, err := r.metaStore.LoadMeta(ctx, r.key)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.meta); err != nil {
			glog.Warningf("[meta] %s: ignoring unreadable metadata: %v", r.key, err)
		}
		if r.meta.ForkPoints == nil {
			r.meta.ForkPoints = make(map[string][]string)
		}
	}
	return nil
}

func versionKey(version []string) string {
	return strings.Join(causal.Sorted(version), ",")
}

// lengthAt 返回 lvs 版本的文本长度，优先查缓存。调用方持有 r.mu。
func (r *resource) lengthAt(version []string, lvs []int) (int, error) {
	k := versionKey(version)
	if it := r.lengths.Get(k); it != nil {
		return it.Value(), nil
	}
	var n int
	if causal.Equal(version, r.doc.Frontier()) {
		n = r.doc.Len()
	} else {
		text, err := r.doc.Checkout(lvs)
		if err != nil {
			return 0, err
		}
		n = len([]rune(text))
	}
	r.lengths.Set(k, n, ttlcache.DefaultTTL)
	return n, nil
}

// missing 返回 events 中本地还没有的。调用方持有 r.mu。
func (r *resource) missing(events []causal.Event) []causal.Event {
	return r.seen.Missing(events)
}

// scheduleMetaSave 合并短时间内的多次修改，只落一次盘。调用方持有 r.mu。
func (r *resource) scheduleMetaSave() {
	if r.metaStore == nil || r.metaTimer != nil {
		return
	}
	r.metaTimer = time.AfterFunc(r.metaDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.metaTimer = nil
		if !r.deleted {
			r.saveMeta()
		}
	})
}

// saveMeta 立即写出元数据。调用方持有 r.mu。
func (r *resource) saveMeta() {
	if r.metaStore == nil {
		return
	}
	b, err := json.Marshal(r.meta)
	if err != nil {
		glog.Errorf("[meta] %s: marshal: %v", r.key, err)
		return
	}
	if err := r.metaStore.SaveMeta(context.Background(), r.key, b); err != nil {
		glog.Errorf("[meta] %s: save: %v", r.key, err)
	}
}

// flush 停掉防抖定时器并立即写出。调用方持有 r.mu。
func (r *resource) flush() {
	if r.metaTimer != nil {
		r.metaTimer.Stop()
		r.metaTimer = nil
		r.saveMeta()
	}
	for _, s := range r.subs {
		s.stopTimer()
	}
}
