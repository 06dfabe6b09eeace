package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// WebhookPayload mirrors the event envelope the reconciliation endpoint
// ingests.
type WebhookPayload struct {
	Type              string `json:"type"`
	ExternalMessageID string `json:"external_message_id"`
	NewStatus         string `json:"new_status,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ButtonPayload     string `json:"button_payload,omitempty"`
	OccurredAt        string `json:"occurred_at"`
}

// Test configuration
type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	ExternalIDSpace   int
	DuplicateRatio    float64
}

// Stats tracking
type Stats struct {
	successCount  atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	mu            sync.Mutex
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

var statuses = []string{"delivered", "delivered", "delivered", "read", "failed"}

// randomPayload synthesizes one webhook event. A slice of the traffic reuses
// a previous external ID to exercise the dedup path, matching how providers
// redeliver callbacks under load.
func randomPayload(rng *rand.Rand, config LoadTestConfig, lastID *atomic.Int64) []byte {
	var extID int64
	if rng.Float64() < config.DuplicateRatio && lastID.Load() > 0 {
		extID = rng.Int63n(lastID.Load()) + 1
	} else {
		extID = int64(rng.Intn(config.ExternalIDSpace)) + 1
		lastID.Store(extID)
	}

	p := WebhookPayload{
		ExternalMessageID: fmt.Sprintf("ext-%d", extID),
		OccurredAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rng.Float64() < 0.15 {
		p.Type = "click"
		p.ButtonPayload = "buy_now"
	} else {
		p.Type = "status"
		p.NewStatus = statuses[rng.Intn(len(statuses))]
		if p.NewStatus == "failed" && rng.Float64() < 0.1 {
			p.ErrorCode = "ACCOUNT_BLOCKED"
		}
	}

	body, _ := json.Marshal(p)
	return body
}

func sendRequest(client *http.Client, config LoadTestConfig, payload []byte, stats *Stats) {
	start := time.Now()

	req, err := http.NewRequest("POST", config.URL, bytes.NewBuffer(payload))
	if err != nil {
		stats.errorCount.Add(1)
		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stats.errorCount.Add(1)
		stats.addResponseTime(time.Since(start).Seconds())
		return
	}
	defer resp.Body.Close()

	// Read and discard body
	io.Copy(io.Discard, resp.Body)

	duration := time.Since(start).Seconds()
	stats.addResponseTime(duration)

	if resp.StatusCode == 200 || resp.StatusCode == 202 {
		stats.successCount.Add(1)
	} else {
		stats.errorCount.Add(1)
	}
}

func worker(client *http.Client, config LoadTestConfig, stats *Stats, jobs <-chan struct{}, lastID *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range jobs {
		sendRequest(client, config, randomPayload(rng, config, lastID), stats)
	}
}

func calculatePercentile(times []float64, percentile float64) float64 {
	if len(times) == 0 {
		return 0
	}

	// Sort times
	sorted := make([]float64, len(times))
	copy(sorted, times)

	for i := 0; i < len(sorted)-1; i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func main() {
	// Read configuration from environment variables
	config := LoadTestConfig{
		URL:               getEnvOrDefault("TARGET_URL", "http://localhost:8080/api/v1/webhooks/events"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 5000),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 500),
		ExternalIDSpace:   getEnvIntOrDefault("EXTERNAL_ID_SPACE", 100000),
		DuplicateRatio:    getEnvFloatOrDefault("DUPLICATE_RATIO", 0.2),
	}

	// Print test configuration
	fmt.Println("Starting webhook load test...")
	fmt.Printf("Target: %s\n", config.URL)
	fmt.Printf("Total requests: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Duration: %d seconds\n", config.DurationSeconds)
	fmt.Printf("External ID space: %d, duplicate ratio: %.2f\n", config.ExternalIDSpace, config.DuplicateRatio)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{}
	var lastID atomic.Int64

	// Create HTTP client with connection pooling
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	// Create job channel
	jobs := make(chan struct{}, config.RequestsPerSecond)

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(client, config, stats, jobs, &lastID, &wg)
	}

	// Send requests
	startTime := time.Now()
	totalRequests := config.RequestsPerSecond * config.DurationSeconds
	requestsSent := 0

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < config.DurationSeconds && requestsSent < totalRequests; i++ {
		batchStart := time.Now()

		// Send batch of requests for this second
		for j := 0; j < config.RequestsPerSecond && requestsSent < totalRequests; j++ {
			jobs <- struct{}{}
			requestsSent++
		}

		// Wait for next second
		elapsed := time.Since(batchStart)
		if elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()

	totalDuration := time.Since(startTime).Seconds()

	// Calculate and print results
	times := getResults(stats)
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()
	total := success + errors

	fmt.Println(strings.Repeat("-", 50))
	fmt.Println("Load test finished.")
	fmt.Printf("Total requests sent: %d\n", total)
	fmt.Printf("Successful: %d (%.2f%%)\n", success, percent(success, total))
	fmt.Printf("Errors: %d (%.2f%%)\n", errors, percent(errors, total))
	fmt.Printf("Actual RPS: %.2f\n", float64(total)/totalDuration)
	if len(times) > 0 {
		fmt.Printf("p50 latency: %.1fms\n", calculatePercentile(times, 0.50)*1000)
		fmt.Printf("p95 latency: %.1fms\n", calculatePercentile(times, 0.95)*1000)
		fmt.Printf("p99 latency: %.1fms\n", calculatePercentile(times, 0.99)*1000)
	}
}

func getResults(stats *Stats) []float64 {
	return stats.getResponseTimes()
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
