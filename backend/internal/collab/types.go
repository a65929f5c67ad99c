package collab

import (
	"context"
	"time"

	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
	"github.com/braid-org/braid-text-sub000/backend/internal/store"
)

type MergeType string

const (
	// MergeDT 完整保真：每个更新都带精确的版本与父版本，供对端复制
	MergeDT MergeType = "dt"
	// MergeSimpleton 简化客户端：服务端替它维护一个线性版本，必要时做 rebase
	MergeSimpleton MergeType = "simpleton"
)

// Update 是推送给订阅者、或在对端之间转发的一次更新
type Update struct {
	Version []string      `json:"version"`
	Parents []string      `json:"parents,omitempty"`
	Patches []patch.Patch `json:"patches,omitempty"`
	Body    *string       `json:"body,omitempty"`
}

// Subscriber 接收更新。Send 返回后视为已送达；返回错误时订阅被移除。
type Subscriber interface {
	Send(ctx context.Context, u Update) error
}

// SubscriberFunc 让普通函数满足 Subscriber
type SubscriberFunc func(ctx context.Context, u Update) error

func (f SubscriberFunc) Send(ctx context.Context, u Update) error { return f(ctx, u) }

type GetRequest struct {
	// Version 非空时返回该历史版本的文本
	Version []string
	// Parents 非空时返回该版本之后的更新
	Parents   []string
	Subscribe bool
	// 以下只在 Subscribe 时使用
	Subscriber Subscriber
	Peer       string
	MergeType  MergeType
}

type GetResult struct {
	Version []string
	Body    string
	Updates []Update
	// SubscriptionID 用于 Forget
	SubscriptionID string
}

type PutRequest struct {
	// Version 至多一个事件，且是本次编辑的最后一个事件；为空时由服务端生成
	Version []string
	// Parents 为空时取当前版本
	Parents []string
	Patches []patch.Patch
	// Body 非空时替换全文
	Body *string
	Peer string
	// Digest 是可选的 Repr-Digest（sha-256=:<base64>:），校验编辑后的文本
	Digest string
}

type PutResult struct {
	Version []string
	// Noop 表示该版本此前已经应用过
	Noop bool
}

// PutAppliedEvent 在每次成功应用的 PUT 之后发往 Kafka
type PutAppliedEvent struct {
	EventType string        `json:"eventType"` // 固定 "PUT_APPLIED"
	Key       string        `json:"key"`
	Version   []string      `json:"version"`
	Parents   []string      `json:"parents"`
	Peer      string        `json:"peer,omitempty"`
	Patches   []patch.Patch `json:"patches"`
	Length    int           `json:"length"`
	AppliedAt time.Time     `json:"appliedAt"`
}

// LogStore 持久化每个 key 的 op-log
type LogStore interface {
	Load(key string) ([][]byte, error)
	Append(key string, chunk []byte, snapshot func() []byte) error
	Delete(key string) error
	Keys() []string
}

// SnapshotArchive 归档某个版本的全文
type SnapshotArchive interface {
	SaveSnapshot(ctx context.Context, key string, version []string, content string) error
	LatestSnapshot(ctx context.Context, key string) (*store.TextSnapshot, error)
	DeleteSnapshots(ctx context.Context, key string) error
}

// Presence 记录每个 key 当前有哪些订阅者（跨进程可见）
type Presence interface {
	AddSubscriber(ctx context.Context, key, peer string, ttl time.Duration) error
	RemoveSubscriber(ctx context.Context, key, peer string) error
}

// EventSink 接收 PutAppliedEvent，不得阻塞调用方太久
type EventSink interface {
	Enqueue(ctx context.Context, evt PutAppliedEvent) error
}
