// Command stress_test hammers a fedhive ingest server with Arrow IPC update
// batches and reports throughput and latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedhive/engine/api"
	"github.com/fedhive/engine/coordinator"
	"github.com/fedhive/engine/data"
)

// Config holds load generator settings.
type Config struct {
	Address     string
	Concurrency int
	Duration    time.Duration
	BatchSize   int
	WeightDim   int
	Round       int64
	AuthToken   string
	ReportFile  string
}

// Result holds the aggregated outcome of a run.
type Result struct {
	TotalFrames      int64
	AcceptedFrames   int64
	RejectedFrames   int64
	TotalDuration    time.Duration
	AvgLatency       time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	FramesPerSec     float64
	UpdatesPerSec    float64
	ConnectionErrors int64
}

func main() {
	config := parseFlags()

	fmt.Println("=== fedhive ingest stress test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Batch: %d updates x %d weights\n", config.BatchSize, config.WeightDim)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	result := run(config)
	printResults(config, result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:5651", "ingest server address")
	flag.IntVar(&config.Concurrency, "c", 10, "number of concurrent workers")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "duration of test")
	flag.IntVar(&config.BatchSize, "b", 5, "updates per frame")
	flag.IntVar(&config.WeightDim, "w", 1000, "weight vector length per update")
	flag.Int64Var(&config.Round, "round", 1, "round number stamped on updates")
	flag.StringVar(&config.AuthToken, "token", "", "auth token (empty = no handshake)")
	flag.StringVar(&config.ReportFile, "o", "", "output report file (JSON)")

	flag.Parse()

	return config
}

type counters struct {
	frames    int64
	accepted  int64
	rejected  int64
	latency   int64
	minLat    int64
	maxLat    int64
	connFails int64
}

func run(config Config) Result {
	var (
		c        = counters{minLat: 1<<63 - 1}
		wg       sync.WaitGroup
		stopChan = make(chan struct{})
	)

	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			worker(workerID, config, stopChan, &c)
		}(i)
	}

	time.Sleep(config.Duration)
	close(stopChan)
	wg.Wait()

	duration := time.Since(startTime)
	frames := atomic.LoadInt64(&c.frames)
	accepted := atomic.LoadInt64(&c.accepted)

	var avgLatency time.Duration
	if accepted > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&c.latency) / accepted)
	}

	return Result{
		TotalFrames:      frames,
		AcceptedFrames:   accepted,
		RejectedFrames:   atomic.LoadInt64(&c.rejected),
		TotalDuration:    duration,
		AvgLatency:       avgLatency,
		MinLatency:       time.Duration(atomic.LoadInt64(&c.minLat)),
		MaxLatency:       time.Duration(atomic.LoadInt64(&c.maxLat)),
		FramesPerSec:     float64(frames) / duration.Seconds(),
		UpdatesPerSec:    float64(frames*int64(config.BatchSize)) / duration.Seconds(),
		ConnectionErrors: atomic.LoadInt64(&c.connFails),
	}
}

// worker holds one connection open and streams frames until stopped,
// redialing after an error.
func worker(id int, config Config, stop chan struct{}, c *counters) {
	codec := data.NewCodec()
	rng := rand.New(rand.NewSource(int64(id) + 1))

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if conn == nil {
			var err error
			conn, err = dial(config)
			if err != nil {
				atomic.AddInt64(&c.connFails, 1)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		frame, err := buildFrame(codec, rng, config, id)
		if err != nil {
			log.Fatalf("failed to build frame: %v", err)
		}

		latency, accepted, err := sendFrame(conn, frame)
		atomic.AddInt64(&c.frames, 1)
		if err != nil {
			atomic.AddInt64(&c.rejected, 1)
			conn.Close()
			conn = nil
			continue
		}

		if accepted {
			atomic.AddInt64(&c.accepted, 1)
			atomic.AddInt64(&c.latency, int64(latency))
			updateMin(&c.minLat, int64(latency))
			updateMax(&c.maxLat, int64(latency))
		} else {
			atomic.AddInt64(&c.rejected, 1)
		}
	}
}

func dial(config Config) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", config.Address, 5*time.Second)
	if err != nil {
		return nil, err
	}

	if config.AuthToken != "" {
		req, _ := json.Marshal(api.AuthRequest{Type: "auth", Token: config.AuthToken})
		if err := api.WriteFrame(conn, req); err != nil {
			conn.Close()
			return nil, err
		}
		raw, err := api.ReadFrame(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		var resp api.AuthResponse
		if err := json.Unmarshal(raw, &resp); err != nil || !resp.Success {
			conn.Close()
			return nil, fmt.Errorf("auth refused: %s", resp.Error)
		}
	}
	return conn, nil
}

func buildFrame(codec *data.Codec, rng *rand.Rand, config Config, workerID int) ([]byte, error) {
	updates := make([]*coordinator.ModelUpdate, config.BatchSize)
	for i := range updates {
		weights := make([]float64, config.WeightDim)
		for j := range weights {
			weights[j] = rng.NormFloat64()
		}
		updates[i] = &coordinator.ModelUpdate{
			NodeID:       fmt.Sprintf("stress-%d-%d", workerID, i),
			RoundNumber:  config.Round,
			NumSamples:   int64(100 + rng.Intn(900)),
			TrainingTime: time.Duration(rng.Intn(5000)) * time.Millisecond,
			Weights:      weights,
		}
	}
	return codec.EncodeUpdates(updates)
}

func sendFrame(conn net.Conn, frame []byte) (time.Duration, bool, error) {
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	start := time.Now()
	if err := api.WriteFrame(conn, frame); err != nil {
		return 0, false, err
	}
	raw, err := api.ReadFrame(conn)
	latency := time.Since(start)
	if err != nil {
		return latency, false, err
	}

	var resp api.IngestResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return latency, false, err
	}
	return latency, resp.Success, nil
}

func updateMin(addr *int64, v int64) {
	for {
		old := atomic.LoadInt64(addr)
		if v >= old || atomic.CompareAndSwapInt64(addr, old, v) {
			return
		}
	}
}

func updateMax(addr *int64, v int64) {
	for {
		old := atomic.LoadInt64(addr)
		if v <= old || atomic.CompareAndSwapInt64(addr, old, v) {
			return
		}
	}
}

func printResults(config Config, result Result) {
	fmt.Println("=== results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Frames:          %d (%.2f/sec)\n", result.TotalFrames, result.FramesPerSec)
	fmt.Printf("Updates/sec:     %.2f\n", result.UpdatesPerSec)
	fmt.Printf("Accepted:        %d\n", result.AcceptedFrames)
	fmt.Printf("Rejected:        %d\n", result.RejectedFrames)
	fmt.Printf("Conn errors:     %d\n", result.ConnectionErrors)
	fmt.Printf("Avg latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config Config, result Result) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
			"batch_size":  config.BatchSize,
			"weight_dim":  config.WeightDim,
		},
		"results": map[string]interface{}{
			"total_frames":    result.TotalFrames,
			"accepted":        result.AcceptedFrames,
			"rejected":        result.RejectedFrames,
			"frames_per_sec":  result.FramesPerSec,
			"updates_per_sec": result.UpdatesPerSec,
			"avg_latency_ms":  float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":  float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":  float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
