package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kunal/infer-batcher/pkg/worker"
)

var vocabulary = strings.Fields("the service was fast and friendly but the food arrived cold " +
	"great value terrible support would recommend never again absolutely loved it " +
	"slow delivery broken package excellent quality refund please five stars")

func randomText(r *rand.Rand) string {
	n := 1 + r.Intn(60)
	words := make([]string, n)
	for i := range words {
		words[i] = vocabulary[r.Intn(len(vocabulary))]
	}
	return strings.Join(words, " ")
}

func main() {
	addr := flag.String("addr", "localhost:50052", "Worker address")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	batch := flag.Int("batch", 0, "Send client-side batches of this size via BatchPredict (0 = single Predict calls)")
	rps := flag.Float64("rps", 0, "Cap on total calls per second across all clients (0 = unlimited)")
	flag.Parse()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), *concurrency)
	}

	log.Printf("load test starting: addr=%s concurrency=%d duration=%v batch=%d", *addr, *concurrency, *duration, *batch)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := worker.NewClient(conn)

	var (
		totalRequests atomic.Int64
		totalErrors   atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
		labelDist     = make(map[string]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(clientID)))
			for ctx.Err() == nil {
				if limiter.Wait(ctx) != nil {
					return
				}
				reqStart := time.Now()
				var (
					preds []worker.Prediction
					err   error
				)
				if *batch > 0 {
					texts := make([]string, *batch)
					for j := range texts {
						texts[j] = randomText(r)
					}
					preds, err = client.BatchPredict(ctx, texts)
				} else {
					var p worker.Prediction
					p, err = client.Predict(ctx, randomText(r))
					preds = []worker.Prediction{p}
				}
				if err != nil {
					if ctx.Err() == nil {
						totalErrors.Add(1)
					}
					continue
				}

				elapsed := time.Since(reqStart)
				totalRequests.Add(int64(len(preds)))

				mu.Lock()
				latencies = append(latencies, elapsed)
				for _, p := range preds {
					labelDist[p.Label]++
				}
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	mu.Lock()
	slices.Sort(latencies)
	mu.Unlock()

	total := totalRequests.Load()
	failed := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()

	fmt.Println("\n" + "═══════════════════════════════════════════════════")
	fmt.Println("   LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Concurrency:   %d\n", *concurrency)
	fmt.Printf("   Predictions:   %d\n", total)
	fmt.Printf("   Failed calls:  %d\n", failed)
	fmt.Printf("   Throughput:    %.1f predictions/sec\n", throughput)
	fmt.Println()

	if len(latencies) > 0 {
		fmt.Println("   Call latency percentiles:")
		fmt.Printf("      p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("      p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("      p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("      max:  %v\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("   Label distribution:")
	for label, count := range labelDist {
		pct := float64(count) / float64(max(total, 1)) * 100
		fmt.Printf("      %s: %d (%.1f%%)\n", label, count, pct)
	}
	fmt.Println("═══════════════════════════════════════════════════")
}
