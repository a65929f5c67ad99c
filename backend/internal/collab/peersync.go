package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
)

var ErrRelayOverflow = errors.New("RELAY_OVERFLOW")

// Remote 是可以和本地 key 双向同步的另一份资源（另一台服务器，或同进程的另一个 key）
type Remote interface {
	Name() string
	// Has 报告对端是否认识 version 中的全部事件
	Has(ctx context.Context, version []string) (bool, error)
	Put(ctx context.Context, u Update, peer string) error
	// Subscribe 推送 parents 之后的全部更新（完整保真），阻塞到 ctx 结束或出错
	Subscribe(ctx context.Context, parents []string, peer string, fn func(Update) error) error
}

// PeerSync 让本地 key 和一个 Remote 保持同步：断开后每秒重连，直到 ctx 取消
type PeerSync struct {
	svc    *TextService
	key    string
	remote Remote
	peer   string

	Buffer int
	Retry  time.Duration
}

func NewPeerSync(svc *TextService, key string, remote Remote) *PeerSync {
	return &PeerSync{
		svc:    svc,
		key:    key,
		remote: remote,
		peer:   uuid.NewString(),
		Buffer: 1024,
		Retry:  time.Second,
	}
}

// Run 阻塞直到 ctx 取消，或出现不应重试的错误（内容校验失败）
func (p *PeerSync) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatal error
	op := func() error {
		err := p.session(runCtx)
		if errors.Is(err, ErrContentIntegrity) {
			fatal = err
			cancel()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		glog.Warningf("[sync] %s <-> %s: %v; reconnecting in %v", p.key, p.remote.Name(), err, wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewConstantBackOff(p.Retry), runCtx), notify)
	switch {
	case fatal != nil:
		glog.Errorf("[sync] %s <-> %s: giving up: %v", p.key, p.remote.Name(), fatal)
		return fatal
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (p *PeerSync) session(ctx context.Context) error {
	fork, err := p.findForkPoint(ctx)
	if err != nil {
		return err
	}
	glog.Infof("[sync] %s <-> %s: fork point %v", p.key, p.remote.Name(), fork)

	g, gctx := errgroup.WithContext(ctx)

	relay := make(chan Update, p.Buffer)
	overflow := make(chan struct{})
	var once sync.Once
	res, err := p.svc.Get(gctx, p.key, GetRequest{
		Parents:   fork,
		Subscribe: true,
		Peer:      p.peer,
		MergeType: MergeDT,
		Subscriber: SubscriberFunc(func(_ context.Context, u Update) error {
			select {
			case relay <- u:
				return nil
			default:
				once.Do(func() { close(overflow) })
				return ErrRelayOverflow
			}
		}),
	})
	if err != nil {
		return err
	}
	defer p.svc.Forget(context.Background(), p.key, res.SubscriptionID)

	// 本地 -> 对端
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-overflow:
				return ErrRelayOverflow
			case u := <-relay:
				if err := p.remote.Put(gctx, u, p.peer); err != nil {
					return err
				}
				p.extendFork(gctx, u)
			}
		}
	})
	// 对端 -> 本地
	g.Go(func() error {
		return p.remote.Subscribe(gctx, fork, p.peer, func(u Update) error {
			parents := u.Parents
			if parents == nil {
				parents = []string{}
			}
			_, err := p.svc.Put(gctx, p.key, PutRequest{
				Version: u.Version,
				Parents: parents,
				Patches: u.Patches,
				Body:    u.Body,
				Peer:    p.peer,
			})
			if err != nil {
				return err
			}
			p.extendFork(gctx, u)
			return nil
		})
	})
	return g.Wait()
}

// findForkPoint 先确认记住的分叉点对端仍然认识，否则二分查找对端认识的最新本地事件
func (p *PeerSync) findForkPoint(ctx context.Context) ([]string, error) {
	r, err := p.svc.lock(ctx, p.key)
	if err != nil {
		return nil, err
	}
	fork := append([]string(nil), r.meta.ForkPoints[p.remote.Name()]...)
	if len(fork) > 0 {
		if events, err := causal.ParseVersion(fork); err != nil || len(r.missing(events)) > 0 {
			fork = nil
		}
	}
	ids := make([]string, r.doc.NumEvents())
	for lv := range ids {
		id, _ := r.doc.EventAt(lv)
		ids[lv] = id.String()
	}
	r.mu.Unlock()

	if len(fork) > 0 {
		ok, err := p.remote.Has(ctx, fork)
		if err != nil {
			return nil, err
		}
		if ok {
			return fork, nil
		}
	}

	best := -1
	lo, hi := 0, len(ids)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		ok, err := p.remote.Has(ctx, []string{ids[mid]})
		if err != nil {
			return nil, err
		}
		if ok {
			best, lo = mid, mid+1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return nil, nil
	}
	fork = []string{ids[best]}
	p.setFork(ctx, fork)
	return fork, nil
}

func (p *PeerSync) extendFork(ctx context.Context, u Update) {
	r, err := p.svc.lock(ctx, p.key)
	if err != nil {
		return
	}
	defer r.mu.Unlock()
	name := p.remote.Name()
	fork := causal.ExtendFrontier(r.meta.ForkPoints[name], u.Version, u.Parents, r.doc)
	if len(fork) > 1 {
		// 重复或迟到的更新可能是已有分叉点的祖先
		fork = causal.Reduce(fork, r.doc)
	}
	r.meta.ForkPoints[name] = fork
	r.scheduleMetaSave()
}

func (p *PeerSync) setFork(ctx context.Context, fork []string) {
	r, err := p.svc.lock(ctx, p.key)
	if err != nil {
		return
	}
	defer r.mu.Unlock()
	r.meta.ForkPoints[p.remote.Name()] = fork
	r.scheduleMetaSave()
}

// ForkPoint 返回记住的与 remote 的分叉点
func (s *TextService) ForkPoint(ctx context.Context, key, remote string) ([]string, error) {
	r, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	return append([]string(nil), r.meta.ForkPoints[remote]...), nil
}

// LocalRemote 把同一进程里的另一个 key 当作 Remote
type LocalRemote struct {
	svc    *TextService
	key    string
	Buffer int
}

func NewLocalRemote(svc *TextService, key string) *LocalRemote {
	return &LocalRemote{svc: svc, key: key, Buffer: 1024}
}

func (l *LocalRemote) Name() string { return "local/" + l.key }

func (l *LocalRemote) Has(ctx context.Context, version []string) (bool, error) {
	return l.svc.Has(ctx, l.key, version)
}

func (l *LocalRemote) Put(ctx context.Context, u Update, peer string) error {
	parents := u.Parents
	if parents == nil {
		parents = []string{}
	}
	_, err := l.svc.Put(ctx, l.key, PutRequest{
		Version: u.Version,
		Parents: parents,
		Patches: u.Patches,
		Body:    u.Body,
		Peer:    peer,
	})
	return err
}

// Subscribe 的回调在独立的 goroutine 里执行，不持有任何资源锁
func (l *LocalRemote) Subscribe(ctx context.Context, parents []string, peer string, fn func(Update) error) error {
	ch := make(chan Update, l.Buffer)
	overflow := make(chan struct{})
	var once sync.Once
	res, err := l.svc.Get(ctx, l.key, GetRequest{
		Parents:   parents,
		Subscribe: true,
		Peer:      peer,
		MergeType: MergeDT,
		Subscriber: SubscriberFunc(func(_ context.Context, u Update) error {
			select {
			case ch <- u:
				return nil
			default:
				once.Do(func() { close(overflow) })
				return ErrRelayOverflow
			}
		}),
	})
	if err != nil {
		return err
	}
	defer l.svc.Forget(context.Background(), l.key, res.SubscriptionID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-overflow:
			return ErrRelayOverflow
		case u := <-ch:
			if err := fn(u); err != nil {
				return err
			}
		}
	}
}
