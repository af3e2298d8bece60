package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	busType := fs.String("bus", "", "Message bus type: nats, kafka, redis (default $BUS_TYPE)")
	busURL := fs.String("url", "", "Broker address (default $BUS_URL)")
	source := fs.String("source", "shopflow-events", "Value of the source metadata field")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for the whole command")
	_ = fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		event events.Event
		err   error
	)
	switch command {
	case "publish":
		event, err = parseEvent(fs.Args())
	case "reindex":
		event = events.ProductsReindex{}
	case "types":
		for _, t := range events.KnownEventTypes() {
			fmt.Println(t)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err == nil {
		err = publish(ctx, *busType, *busURL, *source, event)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Shopflow Event Publisher")
	fmt.Println()
	fmt.Println("Usage: shopflow-events <command> [flags] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  publish <event_type> <json> - Validate and publish an event")
	fmt.Println("  reindex                     - Request a full rebuild of the search index")
	fmt.Println("  types                       - List known event types")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --bus      - Message bus type (default: $BUS_TYPE or nats)")
	fmt.Println("  --url      - Broker address (default: $BUS_URL)")
	fmt.Println("  --source   - Source metadata (default: shopflow-events)")
	fmt.Println("  --timeout  - Command timeout (default: 30s)")
}

// parseEvent проверяет payload по контракту события до публикации
func parseEvent(args []string) (events.Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("event type and JSON payload are required")
	}
	if !json.Valid([]byte(args[1])) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	event, err := events.Decode(&events.Envelope{EventType: args[0], Payload: json.RawMessage(args[1])})
	if err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", args[0], err)
	}
	return event, nil
}

func publish(ctx context.Context, busType, busURL, source string, event events.Event) error {
	cfg, err := config.Load("shopflow-events")
	if err != nil {
		return err
	}
	if busType != "" {
		cfg.Bus.Type = busType
	}
	if busURL != "" {
		cfg.Bus.URL = busURL
	}

	bus, err := cfg.Bus.NewBus()
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Bus.Type, err)
	}
	defer func() { _ = bus.Stop(context.Background()) }()

	env, err := events.NewPublisher(bus).WithSource(source).Publish(ctx, event)
	if err != nil {
		return err
	}
	fmt.Printf("Published %s event_id=%s occurred_at=%s\n", env.EventType, env.EventID, env.OccurredAt.Format(time.RFC3339))
	return nil
}
