// lock_recovery_crash checks that a drain lock held by a killed process
// stops blocking its identity once the TTL passes, and that no queued
// event was lost. Run prepare, then hold in a separate process, kill -9
// the holder, then recover.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/persistence"
)

const identity = "crash-drill"

func main() {
	mode := flag.String("mode", "", "prepare|hold|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", 3*time.Second, "lock ttl used by hold")
	events := flag.Int("events", 3, "events enqueued by prepare")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		var depth int
		for i := 1; i <= *events; i++ {
			depth, err = store.EnqueueEvent(ctx, identity, event.NewText(fmt.Sprintf("drill-%d", i)))
			if err != nil {
				fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("PREPARED_DEPTH=%d\n", depth)
	case "hold":
		token, ok, err := store.AcquireLock(ctx, identity, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lock: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "lock already held")
			os.Exit(1)
		}
		fmt.Printf("LOCK_TOKEN=%s\n", token)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		depth, err := store.QueueLength(ctx, identity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue length: %v\n", err)
			os.Exit(1)
		}
		_, ok, err := store.AcquireLock(ctx, identity, time.Minute)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lock: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("QUEUE_DEPTH=%d\n", depth)
		fmt.Printf("LOCK_ACQUIRED=%t\n", ok)
		if !ok {
			fmt.Println("VERDICT FAIL: lock still held after the holder died")
			os.Exit(1)
		}
		if depth != *events {
			fmt.Printf("VERDICT FAIL: expected %d queued events\n", *events)
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
