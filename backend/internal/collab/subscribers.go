package collab

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/braid-org/braid-text-sub000/backend/internal/causal"
	"github.com/braid-org/braid-text-sub000/backend/internal/codec"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
)

// simpleton rebase 的退避参数
const (
	rebaseInitial    = 23 * time.Millisecond
	rebaseMultiplier = 1.5
	rebaseCap        = 3000 * time.Millisecond
)

type subscription struct {
	id        string
	peer      string
	mergeType MergeType
	sub       Subscriber

	// 以下只用于 simpleton：客户端最后确认的版本，以及等待中的 rebase
	lastVersion []string
	timer       *time.Timer
	delay       *backoff.ExponentialBackOff
}

func newRebaseBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rebaseInitial
	b.Multiplier = rebaseMultiplier
	b.MaxInterval = rebaseCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (sub *subscription) stopTimer() {
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
}

// subscribe 登记订阅者并推送初始状态。调用方持有 r.mu。
func (s *TextService) subscribe(ctx context.Context, r *resource, req GetRequest) (*subscription, error) {
	var since []causal.Event
	if len(req.Parents) > 0 {
		events, err := r.knownEvents(req.Parents)
		if err != nil {
			return nil, err
		}
		since = events
	}
	mt := req.MergeType
	if mt == "" {
		mt = MergeDT
	}
	if mt != MergeDT && mt != MergeSimpleton {
		return nil, ErrMalformedPatch
	}

	sub := &subscription{
		id:        uuid.NewString(),
		peer:      req.Peer,
		mergeType: mt,
		sub:       req.Subscriber,
	}

	switch mt {
	case MergeDT:
		updates, err := r.updatesSince(since)
		if err != nil {
			return nil, err
		}
		for _, u := range updates {
			if err := sub.sub.Send(ctx, u); err != nil {
				return nil, err
			}
		}
	case MergeSimpleton:
		sub.delay = newRebaseBackOff()
		if len(req.Parents) == 0 {
			body := r.doc.Text()
			sub.lastVersion = r.doc.Frontier()
			if err := sub.sub.Send(ctx, Update{Version: sub.lastVersion, Body: &body}); err != nil {
				return nil, err
			}
		} else {
			sub.lastVersion = causal.Sorted(req.Parents)
			if err := r.sendRebase(ctx, sub); err != nil {
				return nil, err
			}
		}
	}

	r.subs[sub.id] = sub
	subscribersGauge.WithLabelValues(string(mt)).Inc()
	if s.opt.Presence != nil && sub.peer != "" {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := s.opt.Presence.AddSubscriber(pctx, r.key, sub.peer, s.opt.PresenceTTL); err != nil {
			glog.Warningf("[presence] %s: add %s: %v", r.key, sub.peer, err)
		}
	}
	glog.V(1).Infof("[subscribe] %s: %s peer=%s merge=%s parents=%v", r.key, sub.id, sub.peer, mt, req.Parents)
	return sub, nil
}

// sendRebase 把客户端从 lastVersion 带到当前版本。调用方持有 r.mu。
func (r *resource) sendRebase(ctx context.Context, sub *subscription) error {
	frontier := r.doc.Frontier()
	if causal.Equal(sub.lastVersion, frontier) {
		return nil
	}
	lvs, err := r.localVersion(sub.lastVersion)
	if err != nil {
		return err
	}
	xf, err := r.doc.XFSince(lvs)
	if err != nil {
		return err
	}
	seq := make([]patch.Patch, 0, len(xf))
	for _, op := range xf {
		if op.Kind == codec.Insert {
			seq = append(seq, patch.Patch{Start: op.Pos, End: op.Pos, Content: string(op.Content)})
		} else {
			seq = append(seq, patch.Patch{Start: op.Pos, End: op.Pos + 1})
		}
	}
	patches, err := patch.ToAbsolute(seq)
	if err != nil {
		return err
	}
	u := Update{Version: frontier, Parents: sub.lastVersion, Patches: patches}
	sub.lastVersion = frontier
	rebasesTotal.Inc()
	return sub.sub.Send(ctx, u)
}

// scheduleRebase 延迟推送一次 rebase；已有等待中的定时器时只累积。调用方持有 r.mu。
func (s *TextService) scheduleRebase(r *resource, sub *subscription) {
	if sub.timer != nil {
		return
	}
	wait := sub.delay.NextBackOff()
	if wait == backoff.Stop {
		wait = rebaseCap
	}
	sub.timer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		sub.timer = nil
		if r.deleted || r.subs[sub.id] != sub {
			return
		}
		if err := r.sendRebase(context.Background(), sub); err != nil {
			glog.Warningf("[simpleton] %s: rebase to %s failed: %v", r.key, sub.id, err)
			s.dropLocked(r, sub.id, sub)
		}
	})
}

// fanout 把一次已应用的 PUT 推给订阅者，返回前所有完整保真订阅者都已收到。调用方持有 r.mu。
func (s *TextService) fanout(ctx context.Context, r *resource, peer string, version, parents []string, patches []patch.Patch) {
	var failed []string
	for id, sub := range r.subs {
		switch sub.mergeType {
		case MergeDT:
			if peer != "" && sub.peer == peer {
				continue
			}
			u := Update{Version: version, Parents: parents, Patches: patches}
			if err := sub.sub.Send(ctx, u); err != nil {
				glog.Warningf("[put] %s: deliver to %s: %v", r.key, id, err)
				failed = append(failed, id)
			}
		case MergeSimpleton:
			if peer != "" && sub.peer == peer {
				sub.lastVersion = version
				if causal.Equal(r.doc.Frontier(), version) {
					sub.delay.Reset()
				} else {
					s.scheduleRebase(r, sub)
				}
				continue
			}
			if sub.timer == nil && causal.Equal(sub.lastVersion, parents) {
				u := Update{Version: version, Parents: parents, Patches: patches}
				if err := sub.sub.Send(ctx, u); err != nil {
					glog.Warningf("[put] %s: deliver to %s: %v", r.key, id, err)
					failed = append(failed, id)
					continue
				}
				sub.lastVersion = version
				sub.delay.Reset()
			} else {
				s.scheduleRebase(r, sub)
			}
		}
	}
	for _, id := range failed {
		if sub := r.subs[id]; sub != nil {
			s.dropLocked(r, id, sub)
		}
	}
}
