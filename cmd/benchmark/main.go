package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail422       uint64 // Business rejections (insufficient funds)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "credit", "Workload type: credit | transfer | replay")
}

type bootstrapAccount struct {
	ID     string
	APIKey string
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	source, err := createAccount("Benchmark Source", "bench-source@example.com")
	if err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}
	counterparty, err := createAccount("Benchmark Sink", "bench-sink@example.com")
	if err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}

	// Fund the source so transfer workloads do not starve.
	if workload == "transfer" {
		if err := post(source, map[string]interface{}{
			"type":   "credit",
			"amount": int64(1_000_000_000),
		}, nil); err != nil {
			log.Fatalf("Funding failed: %v", err)
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i, source, counterparty)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int, source, counterparty *bootstrapAccount) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	seq := 0
	for time.Since(start) < duration {
		seq++
		key := fmt.Sprintf("bench-%d-%d", id, seq)
		if workload == "replay" {
			// Hammer a single key per worker to measure idempotent replays.
			key = fmt.Sprintf("bench-replay-%d", id)
		}

		payload := map[string]interface{}{
			"type":            "credit",
			"amount":          int64(100),
			"idempotency_key": key,
		}
		if workload == "transfer" {
			payload["type"] = "transfer"
			payload["counterparty_account_id"] = counterparty.ID
		}

		body, _ := json.Marshal(payload)
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+source.APIKey)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func createAccount(name, email string) (*bootstrapAccount, error) {
	body, _ := json.Marshal(map[string]string{"business_name": name, "email": email})
	resp, err := http.Post(targetURL+"/api/v1/accounts", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &bootstrapAccount{ID: out.Account.ID, APIKey: out.APIKey}, nil
}

func post(acct *bootstrapAccount, payload map[string]interface{}, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acct.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   tps,
		"success_created":  s201,
		"success_replay":   s200,
		"business_rejects": f422,
		"errors":           fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
