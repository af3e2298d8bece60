package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/transport"
)

// RedisConfig конфигурация для Redis Streams адаптера
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamMaxLen int64 // Максимальная длина stream (0 = без ограничений)
	// StreamPrefix префикс имен streams: <prefix>:<subject>
	StreamPrefix string
	// ConsumerName имя потребителя внутри группы, по умолчанию hostname-pid
	ConsumerName string
	BlockTimeout time.Duration
	// ClaimMinIdle после этого времени чужие неподтвержденные сообщения забираются через XAUTOCLAIM
	ClaimMinIdle  time.Duration
	EnableMetrics bool
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.StreamPrefix == "" {
		return fmt.Errorf("StreamPrefix cannot be empty")
	}
	if c.BlockTimeout <= 0 {
		return fmt.Errorf("BlockTimeout must be positive")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  100000,
		StreamPrefix:  "shopflow",
		BlockTimeout:  2 * time.Second,
		ClaimMinIdle:  5 * time.Minute,
		EnableMetrics: true,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams.
// queue соответствует consumer group, каждый subject хранится в своем stream.
type RedisAdapter struct {
	config  RedisConfig
	client  redis.UniversalClient
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})
	return NewRedisAdapterFromClient(client, config)
}

// NewRedisAdapterFromClient создает адаптер поверх существующего клиента
func NewRedisAdapterFromClient(client redis.UniversalClient, config RedisConfig) (*RedisAdapter, error) {
	if config.ConsumerName == "" {
		host, _ := os.Hostname()
		config.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	adapter := &RedisAdapter{config: config, client: client}

	if config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}
	return adapter, nil
}

// Start проверяет подключение (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return core.Transient(err, "failed to connect to Redis")
	}

	r.running = true
	return nil
}

// Stop закрывает клиента (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.running = false
	return r.client.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет соединение с Redis
func (r *RedisAdapter) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// StreamName возвращает имя stream для subject
func (r *RedisAdapter) StreamName(subject string) string {
	return r.config.StreamPrefix + ":" + subject
}

// DeadLetterStream возвращает имя DLQ stream очереди
func (r *RedisAdapter) DeadLetterStream(queue string) string {
	return r.config.StreamPrefix + ":dlq:" + queue
}

func (r *RedisAdapter) xaddArgs(stream string, data []byte, headers map[string]string) (*redis.XAddArgs, error) {
	values := map[string]interface{}{"data": string(data)}
	if len(headers) > 0 {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}
	return args, nil
}

// Publish добавляет сообщение в stream subject (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	args, err := r.xaddArgs(r.StreamName(subject), data, headers)
	if err != nil {
		return err
	}
	err = r.client.XAdd(ctx, args).Err()
	r.metrics.RecordPublish(ctx, "redis", subject, err)
	if err != nil {
		return core.Transient(err, "failed to publish to "+subject)
	}
	return nil
}

// Subscribe создает consumer group queue на streams всех subjects
func (r *RedisAdapter) Subscribe(ctx context.Context, queue string, subjects []string) (transport.Subscription, error) {
	if queue == "" || len(subjects) == 0 {
		return nil, fmt.Errorf("queue and subjects are required")
	}

	streams := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		stream := r.StreamName(subject)
		err := r.client.XGroupCreateMkStream(ctx, stream, queue, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, core.Transient(err, "failed to create consumer group")
		}
		streams = append(streams, stream)
	}

	return &redisSubscription{
		adapter:     r,
		queue:       queue,
		streams:     streams,
		readPending: true,
		closed:      make(chan struct{}),
	}, nil
}

type redisSubscription struct {
	adapter *RedisAdapter
	queue   string
	streams []string
	// readPending сначала перечитываем свои неподтвержденные сообщения после рестарта
	readPending bool
	lastClaim   time.Time
	buffer      []*redisDelivery
	mu          sync.Mutex
	closed      chan struct{}
	closeOnce   sync.Once
}

func (s *redisSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case <-s.closed:
			return nil, transport.ErrSubscriptionClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(s.buffer) > 0 {
			d := s.buffer[0]
			s.buffer = s.buffer[1:]
			return d, nil
		}

		if err := s.fill(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

func (s *redisSubscription) fill(ctx context.Context) error {
	if s.adapter.config.ClaimMinIdle > 0 && time.Since(s.lastClaim) > s.adapter.config.ClaimMinIdle {
		s.lastClaim = time.Now()
		if err := s.claimIdle(ctx); err != nil {
			return err
		}
		if len(s.buffer) > 0 {
			return nil
		}
	}

	id := ">"
	count := int64(1)
	block := s.adapter.config.BlockTimeout
	if s.readPending {
		// весь собственный PEL за один раз, иначе повторное чтение с "0" вернет те же записи
		id = "0"
		count = 1000
		block = -1
		s.readPending = false
	}

	args := &redis.XReadGroupArgs{
		Group:    s.queue,
		Consumer: s.adapter.config.ConsumerName,
		Streams:  make([]string, 0, len(s.streams)*2),
		Count:    count,
		Block:    block,
	}
	args.Streams = append(args.Streams, s.streams...)
	for range s.streams {
		args.Streams = append(args.Streams, id)
	}

	res, err := s.adapter.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return core.Transient(err, "read from "+s.queue)
	}

	for _, stream := range res {
		for _, m := range stream.Messages {
			s.buffer = append(s.buffer, s.toDelivery(stream.Stream, m))
		}
	}
	return nil
}

// claimIdle забирает сообщения, которые потребители группы не подтвердили за ClaimMinIdle
func (s *redisSubscription) claimIdle(ctx context.Context) error {
	for _, stream := range s.streams {
		msgs, _, err := s.adapter.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.queue,
			Consumer: s.adapter.config.ConsumerName,
			MinIdle:  s.adapter.config.ClaimMinIdle,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return core.Transient(err, "claim idle messages")
		}
		for _, m := range msgs {
			s.buffer = append(s.buffer, s.toDelivery(stream, m))
		}
	}
	return nil
}

func (s *redisSubscription) toDelivery(stream string, m redis.XMessage) *redisDelivery {
	headers := map[string]string{}
	if raw, ok := m.Values["headers"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &headers)
	}
	data, _ := m.Values["data"].(string)
	subject := strings.TrimPrefix(stream, s.adapter.config.StreamPrefix+":")

	id := headers[transport.HeaderMessageID]
	if id == "" {
		id = m.ID
	}

	return &redisDelivery{
		sub:    s,
		stream: stream,
		id:     m.ID,
		msg: &transport.Message{
			ID:        id,
			Subject:   subject,
			Data:      []byte(data),
			Headers:   headers,
			Attempt:   transport.AttemptFromHeaders(headers),
			NotBefore: transport.NotBeforeFromHeaders(headers),
		},
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type redisDelivery struct {
	sub    *redisSubscription
	stream string
	id     string
	msg    *transport.Message
}

func (d *redisDelivery) Message() *transport.Message { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.sub.adapter.client.XAck(ctx, d.stream, d.sub.queue, d.id).Err(); err != nil {
		return core.Transient(err, "xack")
	}
	return nil
}

// Retry добавляет копию с x-attempt+1 в тот же stream и подтверждает оригинал в одной транзакции
func (d *redisDelivery) Retry(ctx context.Context, delay time.Duration) error {
	args, err := d.sub.adapter.xaddArgs(d.stream, d.msg.Data, transport.RetryHeaders(d.msg, delay, time.Now()))
	if err != nil {
		return err
	}
	return d.moveTo(ctx, args)
}

// DeadLetter переносит сообщение в <prefix>:dlq:<queue>
func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	args, err := d.sub.adapter.xaddArgs(d.sub.adapter.DeadLetterStream(d.sub.queue), d.msg.Data, transport.DeadLetterHeaders(d.msg, reason, time.Now()))
	if err != nil {
		return err
	}
	return d.moveTo(ctx, args)
}

// InProgress переназначает сообщение на себя через XCLAIM JUSTID: idle time
// обнуляется, и XAUTOCLAIM других потребителей его не заберет
func (d *redisDelivery) InProgress(ctx context.Context) error {
	err := d.sub.adapter.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.stream,
		Group:    d.sub.queue,
		Consumer: d.sub.adapter.config.ConsumerName,
		MinIdle:  0,
		Messages: []string{d.id},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return core.Transient(err, "xclaim")
	}
	return nil
}

func (d *redisDelivery) moveTo(ctx context.Context, args *redis.XAddArgs) error {
	_, err := d.sub.adapter.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, args)
		pipe.XAck(ctx, d.stream, d.sub.queue, d.id)
		return nil
	})
	if err != nil {
		return core.Transient(err, "move message")
	}
	return nil
}

// DeadLetters читает DLQ stream очереди
func (r *RedisAdapter) DeadLetters(queue string) []*transport.Message {
	res, err := r.client.XRange(context.Background(), r.DeadLetterStream(queue), "-", "+").Result()
	if err != nil {
		return nil
	}
	out := make([]*transport.Message, 0, len(res))
	for _, m := range res {
		headers := map[string]string{}
		if raw, ok := m.Values["headers"].(string); ok {
			_ = json.Unmarshal([]byte(raw), &headers)
		}
		data, _ := m.Values["data"].(string)
		out = append(out, &transport.Message{
			ID:      headers[transport.HeaderMessageID],
			Subject: headers[transport.HeaderOriginalSubject],
			Data:    []byte(data),
			Headers: headers,
			Attempt: transport.AttemptFromHeaders(headers),
		})
	}
	return out
}
