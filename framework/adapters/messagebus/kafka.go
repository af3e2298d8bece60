package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	ConsumerConfig KafkaConsumerConfig
	ProducerConfig KafkaProducerConfig
	// DeadLetterSuffix суффикс топика DLQ
	DeadLetterSuffix string
	EnableMetrics    bool
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.DeadLetterSuffix == "" {
		return fmt.Errorf("DeadLetterSuffix cannot be empty")
	}
	return nil
}

// KafkaConsumerConfig конфигурация для Kafka consumer
type KafkaConsumerConfig struct {
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64 // kafka.FirstOffset или kafka.LastOffset
}

// KafkaProducerConfig конфигурация для Kafka producer
type KafkaProducerConfig struct {
	RequiredAcks int // 0, 1, -1 (all)
	MaxAttempts  int
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		ConsumerConfig: KafkaConsumerConfig{
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		},
		ProducerConfig: KafkaProducerConfig{
			RequiredAcks: -1, // all
			MaxAttempts:  3,
		},
		DeadLetterSuffix: ".dlq",
		EnableMetrics:    true,
	}
}

// KafkaAdapter реализация MessageBus через Kafka.
// queue соответствует consumer group, subject соответствует топику.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	readers []*kafka.Reader
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	adapter := &KafkaAdapter{config: config}

	if config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	// синхронный writer: WriteMessages возвращается после подтверждения брокера
	adapter.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(config.ProducerConfig.RequiredAcks),
		MaxAttempts:            config.ProducerConfig.MaxAttempts,
		Async:                  false,
		BatchSize:              config.BatchSize,
		BatchTimeout:           config.FlushInterval,
		Compression:            getCompression(config.Compression),
		AllowAutoTopicCreation: true,
	}

	return adapter, nil
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop закрывает readers и writer (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}

	var errs []error
	for _, r := range k.readers {
		errs = append(errs, r.Close())
	}
	k.readers = nil
	if k.writer != nil {
		errs = append(errs, k.writer.Close())
	}

	k.running = false
	return errors.Join(errs...)
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в топик subject.
// Ключ сообщения x-message-id, так копии одного события попадают в одну партицию.
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   subject,
		Key:     []byte(headers[transport.HeaderMessageID]),
		Value:   data,
		Headers: toKafkaHeaders(headers),
	})
	k.metrics.RecordPublish(ctx, "kafka", subject, err)
	if err != nil {
		return core.Transient(err, "failed to publish to "+subject)
	}
	return nil
}

// Subscribe создает reader consumer group queue по топикам subjects
func (k *KafkaAdapter) Subscribe(ctx context.Context, queue string, subjects []string) (transport.Subscription, error) {
	if queue == "" || len(subjects) == 0 {
		return nil, fmt.Errorf("queue and subjects are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		GroupID:     queue,
		GroupTopics: subjects,
		MinBytes:    k.config.ConsumerConfig.MinBytes,
		MaxBytes:    k.config.ConsumerConfig.MaxBytes,
		MaxWait:     k.config.ConsumerConfig.MaxWait,
		StartOffset: k.config.ConsumerConfig.StartOffset,
		// коммиты синхронные, порядок коммитов контролирует commitTracker
		CommitInterval: 0,
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	return &kafkaSubscription{
		adapter: k,
		queue:   queue,
		reader:  reader,
		tracker: newCommitTracker(),
	}, nil
}

type kafkaSubscription struct {
	adapter *KafkaAdapter
	queue   string
	reader  *kafka.Reader
	tracker *commitTracker
}

func (s *kafkaSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, transport.ErrSubscriptionClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.Transient(err, "fetch from "+s.queue)
	}
	s.tracker.fetched(m)

	headers := fromKafkaHeaders(m.Headers)
	return &kafkaDelivery{
		sub: s,
		raw: m,
		msg: &transport.Message{
			ID:        headers[transport.HeaderMessageID],
			Subject:   m.Topic,
			Data:      m.Value,
			Headers:   headers,
			Attempt:   transport.AttemptFromHeaders(headers),
			NotBefore: transport.NotBeforeFromHeaders(headers),
		},
	}, nil
}

func (s *kafkaSubscription) Close() error {
	return s.reader.Close()
}

// settle отмечает сообщение завершенным и коммитит максимальный непрерывный offset партиции
func (s *kafkaSubscription) settle(ctx context.Context, m kafka.Message) error {
	commit, ok := s.tracker.settled(m)
	if !ok {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, commit); err != nil {
		return core.Transient(err, "commit offset")
	}
	return nil
}

type kafkaDelivery struct {
	sub *kafkaSubscription
	raw kafka.Message
	msg *transport.Message
}

func (d *kafkaDelivery) Message() *transport.Message { return d.msg }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.sub.settle(ctx, d.raw)
}

// Retry публикует копию в тот же топик с x-attempt+1 и x-not-before, затем коммитит оригинал
func (d *kafkaDelivery) Retry(ctx context.Context, delay time.Duration) error {
	headers := transport.RetryHeaders(d.msg, delay, time.Now())
	if err := d.sub.adapter.Publish(ctx, d.msg.Subject, d.msg.Data, headers); err != nil {
		return err
	}
	return d.sub.settle(ctx, d.raw)
}

// DeadLetter публикует копию в <topic><suffix> и коммитит оригинал
func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string) error {
	headers := transport.DeadLetterHeaders(d.msg, reason, time.Now())
	headers["x-queue"] = d.sub.queue
	if err := d.sub.adapter.Publish(ctx, d.msg.Subject+d.sub.adapter.config.DeadLetterSuffix, d.msg.Data, headers); err != nil {
		return err
	}
	return d.sub.settle(ctx, d.raw)
}

// InProgress ничего не делает: kafka-go сам поддерживает сессию группы,
// а offset не коммитится, пока сообщение не завершено
func (d *kafkaDelivery) InProgress(ctx context.Context) error {
	return nil
}

// commitTracker не дает закоммитить offset, пока более ранние сообщения партиции в обработке
type commitTracker struct {
	mu         sync.Mutex
	partitions map[string]*partitionOffsets
}

type partitionOffsets struct {
	order    []int64
	done     map[int64]bool
	messages map[int64]kafka.Message
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[string]*partitionOffsets)}
}

func partitionKey(m kafka.Message) string {
	return fmt.Sprintf("%s/%d", m.Topic, m.Partition)
}

func (t *commitTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partitionKey(m)]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool), messages: make(map[int64]kafka.Message)}
		t.partitions[partitionKey(m)] = p
	}
	p.order = append(p.order, m.Offset)
	p.done[m.Offset] = false
	p.messages[m.Offset] = m
}

// settled возвращает сообщение, offset которого можно коммитить, если такое появилось
func (t *commitTracker) settled(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partitionKey(m)]
	if !ok {
		return m, true
	}
	p.done[m.Offset] = true

	var commit kafka.Message
	found := false
	for len(p.order) > 0 && p.done[p.order[0]] {
		off := p.order[0]
		commit = p.messages[off]
		found = true
		delete(p.done, off)
		delete(p.messages, off)
		p.order = p.order[1:]
	}
	return commit, found
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
