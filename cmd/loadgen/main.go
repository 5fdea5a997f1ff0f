// Load generator and detection check for Tillwatch.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -events 5000
//	go run ./cmd/loadgen -csv labelled-events.csv -workers 20
//
// This tool:
//  1. Reads labelled POS events from CSV, or synthesizes a shift of events
//     with known fraud patterns injected
//  2. Submits each event to POST /events
//  3. Compares "flagged" (at least one flag) with the label
//  4. Reports precision, recall, a confusion matrix and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// LabelledEvent is one POS event with its ground-truth label.
type LabelledEvent struct {
	Event   map[string]any
	IsFraud bool
}

// SubmitResponse is the subset of the submission result the tool needs.
type SubmitResponse struct {
	EventID        string   `json:"eventId"`
	FlagsCreated   []string `json:"flagsCreated"`
	DuplicateFlags []string `json:"duplicateFlags"`
	RiskScore      int      `json:"riskScore"`
	Evaluated      bool     `json:"evaluated"`
}

// Results tracks run outcomes.
type Results struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalErrors    int64
	TotalSkipped   int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *Results) observe(d time.Duration) {
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

func main() {
	csvPath := flag.String("csv", "", "Path to a labelled events CSV (synthesized when empty)")
	baseURL := flag.String("url", "http://localhost:8080", "Tillwatch base URL")
	count := flag.Int("events", 2000, "Events to synthesize when no CSV is given")
	branches := flag.Int("branches", 5, "Branches to spread synthesized events over")
	cashiers := flag.Int("cashiers", 8, "Cashiers per branch")
	fraudRate := flag.Float64("fraud-rate", 0.03, "Share of cashiers behaving fraudulently")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for synthesized events")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|              TILLWATCH LOAD GENERATOR                         |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nTillwatch URL: %s\n", *baseURL)
	fmt.Printf("Workers:       %d\n", *workers)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tillwatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Tillwatch is running:")
		fmt.Println("  go run ./cmd/tillwatch")
		os.Exit(1)
	}
	fmt.Println("Tillwatch is healthy")

	var events []LabelledEvent
	var err error
	if *csvPath != "" {
		fmt.Printf("\nReading events from %s...\n", *csvPath)
		events, err = readEventsCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("\nSynthesizing %d events (seed %d)...\n", *count, *seed)
		events = synthesize(rand.New(rand.NewSource(*seed)), *count, *branches, *cashiers, *fraudRate)
	}

	fraud := 0
	for _, ev := range events {
		if ev.IsFraud {
			fraud++
		}
	}
	fmt.Printf("Loaded %d events\n", len(events))
	if len(events) > 0 {
		fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraud, 100*float64(fraud)/float64(len(events)))
		fmt.Printf("  - Non-fraud: %d\n", len(events)-fraud)
	}

	fmt.Printf("\nSubmitting with %d workers...\n", *workers)
	start := time.Now()
	results := run(events, *baseURL, *workers, *verbose)
	printResults(results, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readEventsCSV reads a header row followed by events. Column names are the
// event field names; an optional isFraud column carries the label. Numeric
// columns are sent as numbers, metadata.* columns are nested under metadata.
func readEventsCSV(path string) ([]LabelledEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	numeric := map[string]bool{"orderTotal": true, "discountAmount": true, "discountPercent": true}

	var events []LabelledEvent
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		ev := LabelledEvent{Event: map[string]any{}}
		meta := map[string]any{}
		for i, col := range header {
			if i >= len(record) || record[i] == "" {
				continue
			}
			val := record[i]
			switch {
			case strings.EqualFold(col, "isFraud"):
				ev.IsFraud = val == "1" || strings.EqualFold(val, "true")
			case strings.HasPrefix(col, "metadata."):
				meta[strings.TrimPrefix(col, "metadata.")] = val
			case numeric[col]:
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					ev.Event[col] = f
				}
			default:
				ev.Event[col] = val
			}
		}
		if len(meta) > 0 {
			ev.Event["metadata"] = meta
		}
		if _, ok := ev.Event["eventId"]; !ok {
			ev.Event["eventId"] = uuid.NewString()
		}
		events = append(events, ev)
	}
	return events, nil
}

// synthesize produces one shift of events in time order. Fraudulent cashiers
// void in bursts, give outsized discounts and ring sales after hours.
func synthesize(rng *rand.Rand, count, branches, cashiers int, fraudRate float64) []LabelledEvent {
	if branches < 1 {
		branches = 1
	}
	if cashiers < 1 {
		cashiers = 1
	}

	type cashier struct {
		id, branch, device string
		fraud              bool
	}
	var staff []cashier
	for b := 0; b < branches; b++ {
		for c := 0; c < cashiers; c++ {
			staff = append(staff, cashier{
				id:     fmt.Sprintf("c-%02d-%02d", b, c),
				branch: fmt.Sprintf("b-%02d", b),
				device: fmt.Sprintf("pos-%02d-%d", b, c%3),
				fraud:  rng.Float64() < fraudRate,
			})
		}
	}

	shiftStart := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour).Add(9 * time.Hour)
	events := make([]LabelledEvent, 0, count)

	for i := 0; i < count; i++ {
		who := staff[rng.Intn(len(staff))]
		at := shiftStart.Add(time.Duration(rng.Int63n(int64(12 * time.Hour))))
		total := float64(5+rng.Intn(200)) + float64(rng.Intn(100))/100

		ev := map[string]any{
			"eventId":     uuid.NewString(),
			"branchId":    who.branch,
			"posDeviceId": who.device,
			"cashierId":   who.id,
			"orderTotal":  total,
		}
		isFraud := false

		switch roll := rng.Float64(); {
		case who.fraud && roll < 0.3:
			// Void burst: three voids inside ten minutes.
			for j := 0; j < 3 && i < count; j++ {
				burst := copyEvent(ev)
				burst["eventId"] = uuid.NewString()
				burst["eventType"] = "VOID"
				burst["occurredAt"] = at.Add(time.Duration(j) * 3 * time.Minute).Format(time.RFC3339)
				events = append(events, LabelledEvent{Event: burst, IsFraud: j == 2})
				i++
			}
			i--
			continue
		case who.fraud && roll < 0.6:
			ev["eventType"] = "DISCOUNT_APPLIED"
			ev["discountAmount"] = total * (0.4 + rng.Float64()*0.5)
			isFraud = true
		case who.fraud && roll < 0.75:
			ev["eventType"] = "SALE"
			at = shiftStart.Add(-6 * time.Hour).Add(time.Duration(rng.Int63n(int64(2 * time.Hour))))
			isFraud = true
		case roll < 0.1:
			ev["eventType"] = "DISCOUNT_APPLIED"
			ev["discountAmount"] = total * rng.Float64() * 0.15
		case roll < 0.15:
			ev["eventType"] = "VOID"
		case roll < 0.2:
			ev["eventType"] = "RETURN"
			ev["reason"] = "customer changed mind"
		default:
			ev["eventType"] = "SALE"
		}

		ev["occurredAt"] = at.Format(time.RFC3339)
		events = append(events, LabelledEvent{Event: ev, IsFraud: isFraud})
	}

	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Event["occurredAt"].(string) < events[b].Event["occurredAt"].(string)
	})
	return events
}

func copyEvent(ev map[string]any) map[string]any {
	out := make(map[string]any, len(ev))
	for k, v := range ev {
		out[k] = v
	}
	return out
}

func run(events []LabelledEvent, baseURL string, numWorkers int, verbose bool) *Results {
	results := &Results{}

	work := make(chan LabelledEvent, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := submit(client, baseURL, ev.Event)
				results.observe(time.Since(start))
				atomic.AddInt64(&results.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&results.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v -> %v\n", ev.Event["eventId"], err)
					}
					continue
				}
				if !result.Evaluated {
					atomic.AddInt64(&results.TotalSkipped, 1)
					continue
				}

				predicted := len(result.FlagsCreated)+len(result.DuplicateFlags) > 0
				actual := ev.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&results.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&results.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&results.TrueNegatives, 1)
				default:
					atomic.AddInt64(&results.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok "
					if predicted != actual {
						mark = "ERR"
					}
					fmt.Printf("%s %-36v | %-16v | cashier %-9v | fraud %-5v | flags %d score %3d\n",
						mark,
						ev.Event["eventId"],
						ev.Event["eventType"],
						ev.Event["cashierId"],
						actual,
						len(result.FlagsCreated),
						result.RiskScore,
					)
				}
			}
		}()
	}

	for _, ev := range events {
		work <- ev
	}
	close(work)
	wg.Wait()

	return results
}

func submit(client *http.Client, baseURL string, event map[string]any) (*SubmitResponse, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                          RESULTS                              |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nTOTALS\n")
	fmt.Printf("   Processed:  %d\n", r.TotalProcessed)
	fmt.Printf("   Errors:     %d\n", r.TotalErrors)
	fmt.Printf("   Skipped:    %d (detection disabled)\n", r.TotalSkipped)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Predicted")
	fmt.Println("                 FLAGGED    CLEAN")
	fmt.Printf("   Actual  F   %8d %8d   (TP, FN)\n", r.TruePositives, r.FalseNegatives)
	fmt.Printf("          NF   %8d %8d   (FP, TN)\n", r.FalsePositives, r.TrueNegatives)

	precision := ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
	recall := ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if r.TotalProcessed > 0 {
		fmt.Printf("   Throughput:  %.2f events/sec\n", float64(r.TotalProcessed)/duration.Seconds())
	}
	if len(r.latencies) > 0 {
		sort.Slice(r.latencies, func(a, b int) bool { return r.latencies[a] < r.latencies[b] })
		fmt.Printf("   p50:         %v\n", percentile(r.latencies, 0.50))
		fmt.Printf("   p95:         %v\n", percentile(r.latencies, 0.95))
		fmt.Printf("   p99:         %v\n", percentile(r.latencies, 0.99))
	}
	fmt.Println()
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx].Round(10 * time.Microsecond)
}
