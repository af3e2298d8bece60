// payment-service создает платежные транзакции по событиям OrderCreated.
package main

import (
	"context"
	"log"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/internal/bootstrap"
	"github.com/akriventsev/shopflow/internal/config"
	"github.com/akriventsev/shopflow/internal/payment"
)

func main() {
	ctx := context.Background()

	svc, err := bootstrap.New(payment.Queue)
	if err != nil {
		log.Fatalf("Failed to configure %s: %v", payment.Queue, err)
	}

	var store payment.Store = payment.NewMemoryStore()
	if svc.Config.PaymentStore == config.StorePostgres {
		pool, err := svc.Postgres(ctx)
		if err != nil {
			svc.Logger.Fatalf("Failed to create postgres pool: %v", err)
		}
		store = payment.NewPostgresStore(pool.Pool())
	}

	service := payment.NewService(store, payment.WithLogger(svc.Log()))
	registry := events.NewRegistry()
	if err := service.Register(registry); err != nil {
		svc.Logger.Fatalf("Failed to register handlers: %v", err)
	}
	if _, err := svc.Consumer(registry); err != nil {
		svc.Logger.Fatalf("Failed to create consumer: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		svc.Logger.Fatalf("%s stopped with error: %v", payment.Queue, err)
	}
}
