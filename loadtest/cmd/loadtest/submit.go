package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ckpool-io/connector/loadtest/client"
	"github.com/ckpool-io/connector/loadtest/stats"
)

// runSubmit implements a sustained share-submission load test: opens a pool
// of connections to the connector and has each one send periodic
// mining.submit-shaped JSON lines for the test duration, exercising the
// parser/sender hot path (spec §4.4, §4.5) rather than just connection
// count.
func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	addr := fs.String("addr", "localhost:3333", "connector listener address")
	connections := fs.Int("connections", 200, "Number of connections to open")
	rate := fs.Duration("rate", 500*time.Millisecond, "Interval between submits per connection")
	duration := fs.Duration("duration", 30*time.Second, "Test duration")
	metricsURL := fs.String("metrics-url", "", "Connector /metrics URL to scrape during the test (optional)")
	fs.Parse(args)

	fmt.Printf("Submit test: %d connections to %s, one submit every %s, for %s\n",
		*connections, *addr, *rate, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runSubmitter(ctx, id, *addr, *rate, collector)
		}(i)
	}
	wg.Wait()

	collector.Report()
}

func runSubmitter(ctx context.Context, id int, addr string, rate time.Duration, collector *stats.Collector) {
	c, err := client.New(ctx, addr)
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()

	m := c.GetMetrics()
	collector.AddConnect(m.ConnectLatency)

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			seq++
			err := c.Send(map[string]interface{}{
				"id":     seq,
				"method": "mining.submit",
				"params": []interface{}{fmt.Sprintf("worker-%d", id), "job", "0", "0", "0"},
			})
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddMsgLatency(time.Since(start))
		}
	}
}
