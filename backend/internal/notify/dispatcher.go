package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/golang/glog"

	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
	"crema/backend/internal/limit"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞 Domain 的观察者
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满且 ctx 到期时丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DomainEventMessage
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// sem 限制并发的 SendMessage 数量
	sem *limit.Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = 5 * time.Second
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *limit.Semaphore, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.defaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DomainEventMessage, opt.QueueSize),
		quit:        make(chan struct{}),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue：队列满时等待直到 ctx 到期。事件导出不要求每条必达
func (d *KafkaDispatcher) Enqueue(ctx context.Context, msg DomainEventMessage) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.queue <- msg:
		return nil
	case <-d.quit:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle 让 dispatcher 直接注册为 domainctx.Listener
func (d *KafkaDispatcher) Handle(ctx context.Context, e domain.Event) error {
	return d.Enqueue(ctx, messageOf(e))
}

func (d *KafkaDispatcher) Register(ls *domainctx.Listeners, kinds ...domain.EventKind) {
	if len(kinds) == 0 {
		kinds = ExportedKinds
	}
	for _, k := range kinds {
		ls.On(k, d)
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，把已入队的事件发完后返回
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.sendWithRetry(workerID, msg)
		case <-d.quit:
			for {
				select {
				case msg := <-d.queue:
					d.sendWithRetry(workerID, msg)
				default:
					return
				}
			}
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, msg DomainEventMessage) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(msg)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			glog.Warningf("kafka send failed, drop event domain=%s kind=%s seq=%d worker=%d err=%v",
				msg.DomainID, msg.EventType, msg.Seq, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(msg DomainEventMessage) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pm := &sarama.ProducerMessage{
		Topic: d.topic,
		// 同一 Domain 的事件落在同一分区
		Key:   sarama.StringEncoder(msg.DomainID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(pm)
	return err
}

// NewSyncProducer 按部署约定创建同步 producer
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}
