// Benchmark tool for replaying PaySim fraud data through Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each PaySim row is sent to POST /decide with the originating account as
// the entity. REVIEW and BLOCK count as alerts and are compared with the
// fraud label to build a confusion matrix, precision and recall.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PaySimTransaction is one row of the PaySim dataset.
type PaySimTransaction struct {
	Step     int64
	Type     string
	Amount   decimal.Decimal
	NameOrig string
	NameDest string
	IsFraud  bool
}

type decideRequest struct {
	Transaction decideTransaction `json:"transaction"`
	Entity      decideEntity      `json:"entity"`
}

type decideTransaction struct {
	ID          string          `json:"id"`
	MerchantID  string          `json:"merchantId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CountryCode string          `json:"countryCode"`
	Direction   string          `json:"direction"`
	Timestamp   time.Time       `json:"timestamp"`
}

type decideEntity struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type decideResponse struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
	SAR      bool     `json:"sarRequired"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	Processed atomic.Int64
	Fraud     atomic.Int64
	NonFraud  atomic.Int64
	Errors    atomic.Int64
	Throttled atomic.Int64

	LatencyMs atomic.Int64
}

// epoch anchors PaySim steps, which are hours since the start of the simulation.
var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	caller := flag.String("psp", "benchmark", "PSP code sent as X-PSP-Code")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|            KESTREL BENCHMARK - PaySim replay                  |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("PSP Code:    %s\n", *caller)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	transactions, err := readPaySimCSV(*csvPath, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	m, err := runBenchmark(context.Background(), transactions, *baseURL, *caller, *workers, *verbose)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	printResults(m, time.Since(start))
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

func readPaySimCSV(path string, limit int, fraudOnly bool) ([]PaySimTransaction, error) {
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
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, name := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []PaySimTransaction
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[col["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		amount, err := decimal.NewFromString(record[col["amount"]])
		if err != nil || !amount.IsPositive() {
			continue
		}
		step, err := decimal.NewFromString(record[col["step"]])
		if err != nil {
			continue
		}

		out = append(out, PaySimTransaction{
			Step:     step.IntPart(),
			Type:     record[col["type"]],
			Amount:   amount.Round(2),
			NameOrig: record[col["nameorig"]],
			NameDest: record[col["namedest"]],
			IsFraud:  isFraud,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// entityID strips the account-type letter from PaySim names ("C1231006815").
func entityID(name string) string {
	return strings.TrimLeft(name, "CM")
}

func direction(txType string) string {
	if txType == "CASH_IN" {
		return "INBOUND"
	}
	return "OUTBOUND"
}

func runBenchmark(ctx context.Context, transactions []PaySimTransaction, baseURL, caller string, workers int, verbose bool) (*Metrics, error) {
	m := &Metrics{}
	work := make(chan int, 100)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i := range transactions {
			select {
			case work <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			client := &http.Client{Timeout: 10 * time.Second}
			for i := range work {
				tx := transactions[i]
				start := time.Now()
				result, status, err := decide(ctx, client, baseURL, caller, i, tx)
				m.LatencyMs.Add(time.Since(start).Milliseconds())
				m.Processed.Add(1)

				if status == http.StatusTooManyRequests {
					m.Throttled.Add(1)
					continue
				}
				if err != nil {
					m.Errors.Add(1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
					}
					continue
				}

				if tx.IsFraud {
					m.Fraud.Add(1)
				} else {
					m.NonFraud.Add(1)
				}

				predicted := result.Decision == "REVIEW" || result.Decision == "BLOCK"
				switch {
				case predicted && tx.IsFraud:
					m.TruePositives.Add(1)
				case predicted:
					m.FalsePositives.Add(1)
				case tx.IsFraud:
					m.FalseNegatives.Add(1)
				default:
					m.TrueNegatives.Add(1)
				}

				if verbose {
					fmt.Printf("%-12s | %-8s | %14s | fraud=%-5v | %-6s %v\n",
						tx.NameOrig, tx.Type, tx.Amount.StringFixed(2), tx.IsFraud, result.Decision, result.Reasons)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

func decide(ctx context.Context, client *http.Client, baseURL, caller string, seq int, tx PaySimTransaction) (*decideResponse, int, error) {
	id := entityID(tx.NameOrig)
	req := decideRequest{
		Transaction: decideTransaction{
			ID:          fmt.Sprintf("paysim-%d-%s", seq, tx.NameOrig),
			MerchantID:  id,
			Amount:      tx.Amount,
			Currency:    "USD",
			CountryCode: "US",
			Direction:   direction(tx.Type),
			Timestamp:   epoch.Add(time.Duration(tx.Step) * time.Hour),
		},
		Entity: decideEntity{ID: id, Status: "ACTIVE"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-PSP-Code", caller)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result decideResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}
	return &result, resp.StatusCode, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func printResults(m *Metrics, duration time.Duration) {
	tp, fp := m.TruePositives.Load(), m.FalsePositives.Load()
	tn, fn := m.TrueNegatives.Load(), m.FalseNegatives.Load()

	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Processed:  %d\n", m.Processed.Load())
	fmt.Printf("   Fraud:      %d\n", m.Fraud.Load())
	fmt.Printf("   Non-Fraud:  %d\n", m.NonFraud.Load())
	fmt.Printf("   Errors:     %d\n", m.Errors.Load())
	fmt.Printf("   Throttled:  %d (raise the caller's plan to avoid 429s)\n", m.Throttled.Load())

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                   Predicted")
	fmt.Println("                 ALERT      ALLOW")
	fmt.Printf("   Actual  F  %9d  %9d   (TP, FN)\n", tp, fn)
	fmt.Printf("          NF  %9d  %9d   (FP, TN)\n", fp, tn)

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", ratio(tp+tn, tp+tn+fp+fn))

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if n := m.Processed.Load(); n > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.LatencyMs.Load())/float64(n))
		fmt.Printf("   Throughput:  %.2f tx/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}
