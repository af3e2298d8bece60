// cart-service очищает корзину покупателя после оформления заказа.
package main

import (
	"context"
	"log"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/internal/bootstrap"
	"github.com/akriventsev/shopflow/internal/cart"
	"github.com/akriventsev/shopflow/internal/config"
)

func main() {
	svc, err := bootstrap.New(cart.Queue)
	if err != nil {
		log.Fatalf("Failed to configure %s: %v", cart.Queue, err)
	}

	var store cart.Store = cart.NewMemoryStore()
	if svc.Config.CartStore == config.StoreRedis {
		store = cart.NewRedisStore(svc.Redis(), svc.Config.CartRedis)
	}

	registry := events.NewRegistry()
	if err := cart.NewOrderConsumer(store, svc.Log()).Register(registry); err != nil {
		svc.Logger.Fatalf("Failed to register handlers: %v", err)
	}
	if _, err := svc.Consumer(registry); err != nil {
		svc.Logger.Fatalf("Failed to create consumer: %v", err)
	}

	if err := svc.Run(context.Background()); err != nil {
		svc.Logger.Fatalf("%s stopped with error: %v", cart.Queue, err)
	}
}
