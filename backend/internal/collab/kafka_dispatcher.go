package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

const PutAppliedEventType = "PUT_APPLIED"

// KafkaDispatcher 把 PutAppliedEvent 异步写入 Kafka。
// Put 只负责入队；队列满且 ctx 到期时事件被丢弃，订阅和持久化不依赖它。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opt      KafkaDispatcherOptions

	pending chan PutAppliedEvent
	stop    chan struct{}
	stopped sync.Once
	running sync.WaitGroup

	// inflight 限制同时进行的 SendMessage
	inflight *SemaphoreControl
}

type KafkaDispatcherOptions struct {
	QueueSize int
	Workers   int
	// MaxRetry 是首发之外的重试次数
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewKafkaDispatcher 创建后 worker 立即开始消费
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, inflight *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		pending:  make(chan PutAppliedEvent, opt.QueueSize),
		stop:     make(chan struct{}),
		inflight: inflight,
	}
	for w := 0; w < opt.Workers; w++ {
		d.running.Add(1)
		go d.run(w)
	}
	return d
}

// Enqueue 实现 EventSink。队列满时最多等到 ctx 结束。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt PutAppliedEvent) error {
	if evt.EventType == "" {
		evt.EventType = PutAppliedEventType
	}
	select {
	case <-d.stop:
		return ErrClosed
	default:
	}
	select {
	case d.pending <- evt:
		return nil
	case <-d.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 不再接收新事件，等 worker 把已入队的发完
func (d *KafkaDispatcher) Close() {
	d.stopped.Do(func() { close(d.stop) })
	d.running.Wait()
}

func (d *KafkaDispatcher) run(worker int) {
	defer d.running.Done()
	for {
		select {
		case evt := <-d.pending:
			d.deliver(worker, evt)
		case <-d.stop:
			// 排空
			for {
				select {
				case evt := <-d.pending:
					d.deliver(worker, evt)
				default:
					return
				}
			}
		}
	}
}

// policy 每次间隔翻倍，最多重试 MaxRetry 次
func (d *KafkaDispatcher) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(d.opt.MaxRetry))
}

func (d *KafkaDispatcher) deliver(worker int, evt PutAppliedEvent) {
	attempt := func() error {
		if d.inflight != nil {
			_ = d.inflight.Acquire(context.Background())
			defer d.inflight.Release()
		}
		return d.publish(evt)
	}
	onRetry := func(err error, wait time.Duration) {
		glog.V(1).Infof("[kafka] worker=%d %s %v: retry in %v: %v", worker, evt.Key, evt.Version, wait, err)
	}
	if err := backoff.RetryNotify(attempt, d.policy(), onRetry); err != nil {
		glog.Warningf("[kafka] worker=%d dropping %s %v: %v", worker, evt.Key, evt.Version, err)
	}
}

func (d *KafkaDispatcher) publish(evt PutAppliedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	// 以资源 key 分区，同一资源的事件保持顺序
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}
