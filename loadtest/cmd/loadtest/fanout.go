package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thelinks/realtime/internal/activity"
	"github.com/thelinks/realtime/internal/messaging"
	"github.com/thelinks/realtime/internal/protocol"
	"github.com/thelinks/realtime/loadtest/client"
	"github.com/thelinks/realtime/loadtest/stats"
)

type fanoutOptions struct {
	common
	natsURL string
	rooms   int
	members int
	records int
	rate    int
	drain   time.Duration
}

func fanoutCmd() *cobra.Command {
	opts := &fanoutOptions{}
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Publish message records into full rooms and time their delivery",
		Long: `fanout connects rooms*members users, joins each group to one chat room,
then publishes message records on the ingest subject the way the record
store does. Every member measures the time from publish to the chat_message
frame it receives.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFanout(opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&opts.natsURL, "nats", "nats://localhost:4222", "NATS URL the server ingests from")
	cmd.Flags().IntVar(&opts.rooms, "rooms", 10, "number of chat rooms")
	cmd.Flags().IntVar(&opts.members, "members", 50, "connections per room")
	cmd.Flags().IntVar(&opts.records, "records", 1000, "message records to publish")
	cmd.Flags().IntVar(&opts.rate, "rate", 100, "records per second")
	cmd.Flags().DurationVar(&opts.drain, "drain", 5*time.Second, "time to wait for deliveries after the last record")
	return cmd
}

func runFanout(opts *fanoutOptions) error {
	if opts.secret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	if opts.rate <= 0 {
		return errors.New("--rate must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = opts.natsURL
	natsCfg.Name = "loadtest"
	bus, err := messaging.NewNATSClient(natsCfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	collector := stats.NewCollector()
	if opts.metricsURL != "" {
		scraper := stats.NewScraper(opts.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	total := opts.rooms * opts.members
	fmt.Printf("Fanout: %d rooms x %d members, %d records at %d/s\n",
		opts.rooms, opts.members, opts.records, opts.rate)

	clients := make([]*client.Client, 0, total)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 50)
	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := connect(ctx, &opts.common, i, collector)
			if err != nil {
				return
			}
			c.On(protocol.TypeChatMessage, func(raw json.RawMessage) {
				if sent, ok := sentAt(raw); ok {
					collector.AddDelivery(time.Since(sent))
				}
			})
			if err := c.JoinChat(strconv.Itoa(i % opts.rooms)); err != nil {
				collector.AddError()
				_ = c.Close()
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d members (%d errors)\n", len(clients), total, collector.ErrorCount())

	// Joins are acknowledged asynchronously.
	time.Sleep(500 * time.Millisecond)

	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
publish:
	for i := 0; i < opts.records; i++ {
		select {
		case <-ctx.Done():
			break publish
		case <-ticker.C:
		}
		rec := activity.MessageRecord{
			ID:         uuid.NewString(),
			ItemID:     strconv.Itoa(i % opts.rooms),
			ItemTitle:  "load test item",
			ItemUserID: opts.prefix + "-owner",
			Sender:     activity.User{ID: opts.prefix + "-publisher", Name: "loadtest"},
			Content:    fmt.Sprintf("load message %d", i),
			Timestamp:  time.Now().UTC(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bus.Publish(messaging.SubjectMessageCreated, data); err != nil {
			collector.AddError()
			continue
		}
		collector.AddPublished()
	}
	ticker.Stop()

	if err := bus.Flush(5 * time.Second); err != nil {
		fmt.Printf("flush: %v\n", err)
	}
	fmt.Printf("Published; waiting %s for deliveries (expect %d)\n", opts.drain, opts.records*opts.members)
	select {
	case <-ctx.Done():
	case <-time.After(opts.drain):
	}

	mu.Lock()
	for _, c := range clients {
		_ = c.Close()
	}
	mu.Unlock()

	collector.Report()
	return nil
}

// sentAt extracts the record timestamp carried in a chat_message frame.
func sentAt(raw json.RawMessage) (time.Time, bool) {
	var frame struct {
		Data struct {
			Message struct {
				Timestamp time.Time `json:"timestamp"`
			} `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.Message.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return frame.Data.Message.Timestamp, true
}
