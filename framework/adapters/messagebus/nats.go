package messagebus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/logging"
	"github.com/akriventsev/shopflow/framework/metrics"
	"github.com/akriventsev/shopflow/framework/transport"
)

// NATSConfig конфигурация для NATS JetStream адаптера
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	DrainTimeout      time.Duration
	ConnectionTimeout time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string
	EnableMetrics     bool
	// StreamName JetStream stream, хранящий все события
	StreamName string
	// StreamSubjects subjects, которые захватывает stream
	StreamSubjects []string
	// DeadLetterPrefix префикс subject для DLQ: <prefix>.<queue>.<subject>
	DeadLetterPrefix string
	// FetchWait максимальное ожидание одного pull запроса
	FetchWait time.Duration
	// AckWait время, после которого неподтвержденное сообщение доставляется снова
	AckWait time.Duration
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if c.StreamName == "" {
		return fmt.Errorf("StreamName cannot be empty")
	}
	if len(c.StreamSubjects) == 0 {
		return fmt.Errorf("StreamSubjects cannot be empty")
	}
	if c.FetchWait <= 0 {
		return fmt.Errorf("FetchWait must be positive")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("AckWait must be positive")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		DrainTimeout:      30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		EnableMetrics:     true,
		StreamName:        "SHOPFLOW",
		StreamSubjects:    []string{"OrderCreated", "ProductCreated", "ProductUpdated", "ProductsReindex"},
		DeadLetterPrefix:  "dlq",
		FetchWait:         2 * time.Second,
		AckWait:           5 * time.Minute,
	}
}

// NATSAdapter реализация MessageBus через NATS JetStream
type NATSAdapter struct {
	config  NATSConfig
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    []*nats.Subscription
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
}

// NATSAdapterBuilder построитель для NATS адаптера
type NATSAdapterBuilder struct {
	config NATSConfig
	logger logrus.FieldLogger
}

// NewNATSAdapterBuilder создает новый построитель NATS адаптера
func NewNATSAdapterBuilder() *NATSAdapterBuilder {
	return &NATSAdapterBuilder{config: DefaultNATSConfig()}
}

// WithConfig заменяет конфигурацию целиком
func (b *NATSAdapterBuilder) WithConfig(config NATSConfig) *NATSAdapterBuilder {
	b.config = config
	return b
}

// WithURL устанавливает URL NATS сервера
func (b *NATSAdapterBuilder) WithURL(url string) *NATSAdapterBuilder {
	b.config.URL = url
	return b
}

// WithStream задает stream и захватываемые им subjects
func (b *NATSAdapterBuilder) WithStream(name string, subjects ...string) *NATSAdapterBuilder {
	b.config.StreamName = name
	b.config.StreamSubjects = subjects
	return b
}

// WithCredentials устанавливает username и password
func (b *NATSAdapterBuilder) WithCredentials(username, password string) *NATSAdapterBuilder {
	b.config.Username = username
	b.config.Password = password
	return b
}

// WithLogger устанавливает логгер
func (b *NATSAdapterBuilder) WithLogger(logger logrus.FieldLogger) *NATSAdapterBuilder {
	b.logger = logger
	return b
}

// Build создает NATS адаптер
func (b *NATSAdapterBuilder) Build() (*NATSAdapter, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	adapter := &NATSAdapter{
		config: b.config,
		logger: logging.OrDiscard(b.logger).WithField("component", "nats-adapter"),
	}

	if b.config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return adapter, nil
}

// Start подключается к NATS и объявляет stream (реализация core.Lifecycle)
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
		nats.DrainTimeout(n.config.DrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				n.logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	if n.config.TLS != nil {
		opts = append(opts, nats.Secure(n.config.TLS))
	}
	if n.config.Token != "" {
		opts = append(opts, nats.Token(n.config.Token))
	}
	if n.config.Username != "" && n.config.Password != "" {
		opts = append(opts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return core.Transient(err, "failed to connect to NATS")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := n.ensureStream(js); err != nil {
		conn.Close()
		return err
	}

	n.conn = conn
	n.js = js
	n.running = true
	return nil
}

// ensureStream создает stream событий и DLQ, если их нет
func (n *NATSAdapter) ensureStream(js nats.JetStreamContext) error {
	subjects := append([]string(nil), n.config.StreamSubjects...)
	if n.config.DeadLetterPrefix != "" {
		subjects = append(subjects, n.config.DeadLetterPrefix+".>")
	}

	cfg := &nats.StreamConfig{
		Name:      n.config.StreamName,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	}

	_, err := js.StreamInfo(n.config.StreamName)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = js.AddStream(cfg)
	case err == nil:
		_, err = js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to declare stream %s: %w", n.config.StreamName, err)
	}
	return nil
}

// Stop отписывается и делает drain соединения (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	for _, sub := range n.subs {
		_ = sub.Drain()
	}
	n.subs = nil

	if n.conn != nil && n.conn.IsConnected() {
		_ = n.conn.Drain()
	}
	if n.conn != nil {
		n.conn.Close()
	}

	n.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Name возвращает имя компонента (реализация core.Component)
func (n *NATSAdapter) Name() string {
	return "nats-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (n *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// HealthCheck проверяет соединение с сервером
func (n *NATSAdapter) HealthCheck(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return fmt.Errorf("nats is not connected")
	}
	return nil
}

func (n *NATSAdapter) jetStream() (nats.JetStreamContext, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.running || n.js == nil {
		return nil, fmt.Errorf("nats adapter is not started")
	}
	return n.js, nil
}

// Publish публикует сообщение в JetStream и ждет подтверждения от сервера.
// x-message-id используется как Nats-Msg-Id для дедупликации на стороне stream.
func (n *NATSAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if id := headers[transport.HeaderMessageID]; id != "" && headers[transport.HeaderAttempt] == "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}

	_, err = js.PublishMsg(msg, nats.Context(ctx))
	n.metrics.RecordPublish(ctx, "nats", subject, err)
	if err != nil {
		return core.Transient(err, "failed to publish to "+subject)
	}
	return nil
}

// Subscribe создает durable pull consumer с именем queue, фильтрующий subjects
func (n *NATSAdapter) Subscribe(ctx context.Context, queue string, subjects []string) (transport.Subscription, error) {
	js, err := n.jetStream()
	if err != nil {
		return nil, err
	}
	if queue == "" || len(subjects) == 0 {
		return nil, fmt.Errorf("queue and subjects are required")
	}

	consumer := &nats.ConsumerConfig{
		Durable:       queue,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       n.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    -1,
	}
	// при одном subject nats.go сверяет FilterSubject с subject подписки,
	// поэтому он передается и в PullSubscribe
	bindSubject := ""
	if len(subjects) == 1 {
		consumer.FilterSubject = subjects[0]
		bindSubject = subjects[0]
	} else {
		consumer.FilterSubjects = subjects
	}

	_, err = js.ConsumerInfo(n.config.StreamName, queue)
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := js.AddConsumer(n.config.StreamName, consumer); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", queue, err)
		}
	case err == nil:
		// набор обработчиков сервиса мог измениться с прошлого запуска
		if _, err := js.UpdateConsumer(n.config.StreamName, consumer); err != nil {
			return nil, fmt.Errorf("failed to update consumer %s: %w", queue, err)
		}
	default:
		return nil, core.Transient(err, "failed to read consumer info")
	}

	sub, err := js.PullSubscribe(bindSubject, queue, nats.Bind(n.config.StreamName, queue))
	if err != nil {
		return nil, fmt.Errorf("failed to bind consumer %s: %w", queue, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	return &natsSubscription{adapter: n, queue: queue, sub: sub}, nil
}

type natsSubscription struct {
	adapter *NATSAdapter
	queue   string
	sub     *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context) (transport.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.sub.IsValid() {
			return nil, transport.ErrSubscriptionClosed
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.adapter.config.FetchWait)
		msgs, err := s.sub.Fetch(1, nats.Context(fetchCtx))
		cancel()

		switch {
		case err == nil && len(msgs) > 0:
			return s.toDelivery(msgs[0]), nil
		case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return nil, transport.ErrSubscriptionClosed
		default:
			return nil, core.Transient(err, "fetch from "+s.queue)
		}
	}
}

func (s *natsSubscription) toDelivery(m *nats.Msg) *natsDelivery {
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}

	// Retry делает NAK того же сообщения, поэтому попытки считает JetStream.
	// Пока обработчик работает, runtime вызывает InProgress, и повторная
	// доставка без Retry возможна только после потери потребителя.
	attempt := transport.AttemptFromHeaders(headers)
	if meta, err := m.Metadata(); err == nil && int(meta.NumDelivered) > attempt {
		attempt = int(meta.NumDelivered)
	}

	return &natsDelivery{
		adapter: s.adapter,
		queue:   s.queue,
		raw:     m,
		msg: &transport.Message{
			ID:      headers[transport.HeaderMessageID],
			Subject: m.Subject,
			Data:    m.Data,
			Headers: headers,
			Attempt: attempt,
		},
	}
}

func (s *natsSubscription) Close() error {
	return s.sub.Unsubscribe()
}

type natsDelivery struct {
	adapter *NATSAdapter
	queue   string
	raw     *nats.Msg
	msg     *transport.Message
}

func (d *natsDelivery) Message() *transport.Message { return d.msg }

func (d *natsDelivery) Ack(ctx context.Context) error {
	return d.raw.Ack(nats.Context(ctx))
}

// Retry использует NAK с задержкой: JetStream сам доставит сообщение повторно
func (d *natsDelivery) Retry(ctx context.Context, delay time.Duration) error {
	return d.raw.NakWithDelay(delay, nats.Context(ctx))
}

// InProgress сбрасывает таймер AckWait (+WPI)
func (d *natsDelivery) InProgress(ctx context.Context) error {
	if err := d.raw.InProgress(nats.Context(ctx)); err != nil {
		return core.Transient(err, "in progress")
	}
	return nil
}

// DeadLetter публикует копию в <prefix>.<queue>.<subject> и завершает доставку через Term
func (d *natsDelivery) DeadLetter(ctx context.Context, reason string) error {
	js, err := d.adapter.jetStream()
	if err != nil {
		return err
	}

	dlq := nats.NewMsg(fmt.Sprintf("%s.%s.%s", d.adapter.config.DeadLetterPrefix, d.queue, d.msg.Subject))
	dlq.Data = d.msg.Data
	for k, v := range transport.DeadLetterHeaders(d.msg, reason, time.Now()) {
		dlq.Header.Set(k, v)
	}
	if _, err := js.PublishMsg(dlq, nats.Context(ctx)); err != nil {
		return core.Transient(err, "failed to publish to dead letter subject")
	}
	return d.raw.Term(nats.Context(ctx))
}
