package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thelinks/realtime/loadtest/client"
	"github.com/thelinks/realtime/loadtest/stats"
)

type saturateOptions struct {
	common
	connections int
	rampUp      time.Duration
	hold        time.Duration
	concurrency int
	rooms       int
}

func saturateCmd() *cobra.Command {
	opts := &saturateOptions{}
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N authenticated connections, join rooms and hold them",
		Long: `saturate ramps up authenticated connections, spreads them over chat
rooms, then holds them open. Connections lost during the hold phase are
reported; with the default heartbeat the server must keep every idle but
responsive client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaturate(opts)
		},
	}
	opts.register(cmd)
	cmd.Flags().IntVarP(&opts.connections, "connections", "n", 1000, "number of connections")
	cmd.Flags().DurationVar(&opts.rampUp, "ramp", 10*time.Second, "ramp-up duration")
	cmd.Flags().DurationVar(&opts.hold, "hold", 90*time.Second, "hold duration; longer than a heartbeat interval exercises probes")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 50, "maximum simultaneous dial attempts")
	cmd.Flags().IntVar(&opts.rooms, "rooms", 100, "number of chat rooms to spread connections over (0 joins none)")
	return cmd
}

func runSaturate(opts *saturateOptions) error {
	if opts.secret == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	fmt.Printf("Saturate: %d connections to %s over %d rooms (ramp=%s, hold=%s)\n",
		opts.connections, opts.url, opts.rooms, opts.rampUp, opts.hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if opts.metricsURL != "" {
		scraper := stats.NewScraper(opts.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, opts.connections)

	fmt.Println("\n--- Ramp-up ---")
	interval := opts.rampUp / time.Duration(opts.connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connected: %d/%d  errors: %d\n",
					collector.ConnectionCount(), opts.connections, collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()

	rampStart := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false
ramp:
	for i := 0; i < opts.connections; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break ramp
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := connect(ctx, &opts.common, i, collector)
			if err != nil {
				return
			}
			if opts.rooms > 0 {
				if err := c.JoinChat(fmt.Sprintf("%d", i%opts.rooms)); err != nil {
					collector.AddError()
				}
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), opts.connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold ---")
		hold := time.NewTimer(opts.hold)
		status := time.NewTicker(5 * time.Second)
	holdLoop:
		for {
			select {
			case <-ctx.Done():
				break holdLoop
			case <-hold.C:
				break holdLoop
			case <-status.C:
				mu.Lock()
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				total := len(clients)
				mu.Unlock()
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
			}
		}
		hold.Stop()
		status.Stop()
	}

	mu.Lock()
	dropped := 0
	for _, c := range clients {
		if !c.Alive() {
			dropped++
		}
		_ = c.Close()
	}
	mu.Unlock()
	if dropped > 0 {
		fmt.Printf("\nConnections dropped by the server: %d\n", dropped)
	}

	collector.Report()
	return nil
}

// connect dials and authenticates the i-th simulated user, recording
// timings or an error in collector.
func connect(ctx context.Context, opts *common, i int, collector *stats.Collector) (*client.Client, error) {
	identity, token, err := opts.token(i)
	if err != nil {
		collector.AddError()
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dctx, opts.url, identity, token)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitAuthenticated(dctx); err != nil {
		collector.AddError()
		_ = c.Close()
		return nil, err
	}

	m := c.GetMetrics()
	collector.AddConnect(m.ConnectLatency)
	collector.AddAuth(m.AuthLatency)
	return c, nil
}
