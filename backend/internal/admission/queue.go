// Package admission 让缺少父事件的 PUT 在有限的时间和内存预算内等待依赖到达。
package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

const DefaultTimeout = 3 * time.Second

var (
	pendingWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "braid_admission_pending_bytes",
		Help: "Approximate bytes of PUTs waiting for their parents.",
	})
	rejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "braid_admission_rejected_total",
		Help: "Waits refused because the byte budget was exhausted.",
	})
	timedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "braid_admission_timeouts_total",
		Help: "Waits released by timeout rather than by their parents arriving.",
	})
)

type waiter struct {
	key     string
	missing map[causal.Event]bool
	weight  int64
	done    chan struct{}
	fired   bool
	timer   *time.Timer
}

type awaited struct {
	seq uint64
	w   *waiter
}

// namespace 是一个 key 下的等待者：按 actor 分组、按 seq 排序
type namespace struct {
	byActor map[string][]awaited
}

// Queue 是进程级的准入队列，预算在所有 key 之间共享
type Queue struct {
	mu       sync.Mutex
	maxBytes int64
	timeout  time.Duration
	weight   int64
	keys     map[string]*namespace
}

func New(maxBytes int64, timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Queue{
		maxBytes: maxBytes,
		timeout:  timeout,
		keys:     make(map[string]*namespace),
	}
}

// Wait 登记一个等待 missing 全部到达的请求。返回的 channel 在依赖齐备或超时后关闭。
// ok=false 表示预算已满，请求没有被登记。
func (q *Queue) Wait(key string, missing []causal.Event, weight int64) (<-chan struct{}, bool) {
	done := make(chan struct{})
	if len(missing) == 0 {
		close(done)
		return done, true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxBytes > 0 && q.weight+weight > q.maxBytes {
		rejected.Inc()
		glog.Warningf("[admission] %s: budget exhausted (%d + %d > %d)", key, q.weight, weight, q.maxBytes)
		return nil, false
	}

	w := &waiter{key: key, missing: make(map[causal.Event]bool), weight: weight, done: done}
	ns := q.keys[key]
	if ns == nil {
		ns = &namespace{byActor: make(map[string][]awaited)}
		q.keys[key] = ns
	}
	for _, e := range missing {
		if w.missing[e] {
			continue
		}
		w.missing[e] = true
		list := ns.byActor[e.Actor]
		i := sort.Search(len(list), func(i int) bool { return list[i].seq > e.Seq })
		list = append(list, awaited{})
		copy(list[i+1:], list[i:])
		list[i] = awaited{seq: e.Seq, w: w}
		ns.byActor[e.Actor] = list
	}
	q.weight += weight
	pendingWeight.Add(float64(weight))
	w.timer = time.AfterFunc(q.timeout, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !w.fired {
			timedOut.Inc()
			glog.V(1).Infof("[admission] %s: timed out waiting for %d events", key, len(w.missing))
			q.drop(w)
			q.fire(w)
		}
	})
	return done, true
}

// MarkSatisfied 通知 key 下 actor 的 [low, high] 已经到达
func (q *Queue) MarkSatisfied(key, actor string, low, high uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ns := q.keys[key]
	if ns == nil {
		return
	}
	list := ns.byActor[actor]
	lo := sort.Search(len(list), func(i int) bool { return list[i].seq >= low })
	hi := sort.Search(len(list), func(i int) bool { return list[i].seq > high })
	if lo == hi {
		return
	}
	hit := list[lo:hi]
	ns.byActor[actor] = append(list[:lo:lo], list[hi:]...)
	if len(ns.byActor[actor]) == 0 {
		delete(ns.byActor, actor)
	}
	for _, a := range hit {
		delete(a.w.missing, causal.Event{Actor: actor, Seq: a.seq})
		if len(a.w.missing) == 0 {
			q.fire(a.w)
		}
	}
	if len(ns.byActor) == 0 {
		delete(q.keys, key)
	}
}

// drop 从索引里移除 w 剩余的等待项
func (q *Queue) drop(w *waiter) {
	ns := q.keys[w.key]
	if ns == nil {
		return
	}
	for e := range w.missing {
		list := ns.byActor[e.Actor]
		out := list[:0]
		for _, a := range list {
			if a.w != w {
				out = append(out, a)
			}
		}
		if len(out) == 0 {
			delete(ns.byActor, e.Actor)
		} else {
			ns.byActor[e.Actor] = out
		}
	}
	if len(ns.byActor) == 0 {
		delete(q.keys, w.key)
	}
}

func (q *Queue) fire(w *waiter) {
	if w.fired {
		return
	}
	w.fired = true
	if w.timer != nil {
		w.timer.Stop()
	}
	q.weight -= w.weight
	pendingWeight.Sub(float64(w.weight))
	close(w.done)
}

// Weight 返回当前挂起的总字节数
func (q *Queue) Weight() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.weight
}

// Pending 返回 key 下仍在等待的事件数
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if ns := q.keys[key]; ns != nil {
		for _, l := range ns.byActor {
			n += len(l)
		}
	}
	return n
}
