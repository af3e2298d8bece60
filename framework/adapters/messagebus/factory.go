package messagebus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/transport"
)

// Bus транспорт с управляемым жизненным циклом, который возвращает фабрика
type Bus interface {
	transport.MessageBus
	core.LifecycleComponent
}

// Creator создает Bus по конфигурации адаптера
type Creator func(config interface{}) (Bus, error)

// MessageBusFactory фабрика MessageBus адаптеров по типу шины
type MessageBusFactory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewMessageBusFactory создает фабрику со встроенными адаптерами inmemory, nats, kafka, redis
func NewMessageBusFactory() *MessageBusFactory {
	factory := &MessageBusFactory{creators: make(map[string]Creator)}

	_ = factory.Register("nats", func(config interface{}) (Bus, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
		return NewNATSAdapterBuilder().WithConfig(cfg).Build()
	})

	_ = factory.Register("kafka", func(config interface{}) (Bus, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	_ = factory.Register("redis", func(config interface{}) (Bus, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(cfg)
	})

	_ = factory.Register("inmemory", func(config interface{}) (Bus, error) {
		cfg, ok := config.(InMemoryConfig)
		if !ok {
			cfg = DefaultInMemoryConfig()
		}
		return NewInMemoryAdapter(cfg), nil
	})

	return factory
}

// Create создает MessageBus адаптер указанного типа
func (f *MessageBusFactory) Create(busType string, config interface{}) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[busType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", busType)
	}

	adapter, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", busType, err)
	}

	return adapter, nil
}

// Register регистрирует custom адаптер
func (f *MessageBusFactory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}

	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает отсортированный список зарегистрированных адаптеров
func (f *MessageBusFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
