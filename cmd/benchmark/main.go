// Command benchmark measures the webhook pipeline end to end. It creates
// pending payins directly in Postgres, fires every webhook several times
// concurrently at the ingress, waits for the worker to drain, and checks
// that each payin was credited exactly once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/backendenjoyer/decard-scalable-integration/internal/config"
	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
	"github.com/backendenjoyer/decard-scalable-integration/internal/store"
)

var (
	targetURL   string
	concurrency int
	payins      int
	duplicates  int
	settleWait  time.Duration
	workload    string
)

var (
	totalRequests uint64
	accepted200   uint64
	rejected4xx   uint64
	unavailable   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:3001", "Ingress base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent senders")
	flag.IntVar(&payins, "payins", 200, "Pending payins to create")
	flag.IntVar(&duplicates, "duplicates", 3, "Deliveries of each webhook")
	flag.DurationVar(&settleWait, "wait", 60*time.Second, "How long to wait for the worker to settle")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

type delivery struct {
	body []byte
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.RequireDB(); err != nil {
		log.Fatal(err)
	}
	signer := signature.NewSigner(cfg.ShopSecret)
	if !signer.Configured() {
		log.Fatal("DECARD_SHOP_SECRET is required to sign webhooks")
	}

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	users, err := benchUsers(ctx, st)
	if err != nil {
		log.Fatal(err)
	}
	before := make(map[uuid.UUID]money.Amount, len(users))
	for _, u := range users {
		before[u] = mustBalance(ctx, st, u)
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Payins: %d x %d", workload, concurrency, payins, duplicates)
	expected := make(map[uuid.UUID]money.Amount, len(users))
	var queue []delivery
	for i := 0; i < payins; i++ {
		user := pickUser(users)
		amount := money.Amount(100 + rand.Intn(9900))
		tx := &domain.Transaction{
			Provider:      domain.ProviderDecard,
			Direction:     domain.DirectionPayin,
			Amount:        amount,
			Currency:      money.TRY,
			PaymentMethod: "card",
			UserID:        user,
		}
		if err := st.CreateTransaction(ctx, tx); err != nil {
			log.Fatalf("create payin: %v", err)
		}
		expected[user] += amount

		body, err := signedWebhook(signer, tx)
		if err != nil {
			log.Fatal(err)
		}
		for d := 0; d < duplicates; d++ {
			queue = append(queue, delivery{body: body})
		}
	}
	rand.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })

	start := time.Now()
	jobs := make(chan delivery)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, jobs)
	}
	for _, d := range queue {
		jobs <- d
	}
	close(jobs)
	wg.Wait()
	sendTime := time.Since(start)

	settled, mismatched := waitSettled(ctx, st, users, before, expected)
	printResults(sendTime, time.Since(start), settled, mismatched)
}

// benchUsers creates the users payins are spread across. The hotspot
// workload funnels every payin into one user row.
func benchUsers(ctx context.Context, st *store.Store) ([]uuid.UUID, error) {
	n := 10
	if workload == "hotspot" {
		n = 1
	}
	out := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		u := &domain.User{Currency: money.TRY, Country: "TR", City: "Istanbul"}
		if err := st.CreateUser(ctx, u); err != nil {
			return nil, err
		}
		out = append(out, u.ID)
	}
	return out, nil
}

func pickUser(users []uuid.UUID) uuid.UUID {
	return users[rand.Intn(len(users))]
}

func signedWebhook(signer *signature.Signer, tx *domain.Transaction) ([]byte, error) {
	payload := map[string]any{
		"number":   tx.ID.String(),
		"status":   "success",
		"amount":   tx.Amount.Int64(),
		"currency": string(tx.Currency),
		"type":     "payment",
		"token":    "bench-" + tx.ID.String()[:8],
	}
	sig, err := signer.SignStruct(payload)
	if err != nil {
		return nil, err
	}
	payload[signature.Field] = sig
	return signature.Marshal(payload)
}

func worker(wg *sync.WaitGroup, jobs <-chan delivery) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for d := range jobs {
		req, _ := http.NewRequest("POST", targetURL+"/webhook/decard", bytes.NewReader(d.body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&accepted200, 1)
		case resp.StatusCode == http.StatusServiceUnavailable:
			atomic.AddUint64(&unavailable, 1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&rejected4xx, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func mustBalance(ctx context.Context, st *store.Store, id uuid.UUID) money.Amount {
	b, err := st.GetBalance(ctx, id)
	if err != nil {
		log.Fatalf("balance %s: %v", id, err)
	}
	return b
}

// waitSettled polls balances until every user has received exactly its
// expected credit or the wait expires. Overshoot means a double credit.
func waitSettled(ctx context.Context, st *store.Store, users []uuid.UUID, before, expected map[uuid.UUID]money.Amount) (bool, int) {
	deadline := time.Now().Add(settleWait)
	for {
		mismatched := 0
		overshoot := false
		for _, u := range users {
			got := mustBalance(ctx, st, u) - before[u]
			if got != expected[u] {
				mismatched++
			}
			if got > expected[u] {
				overshoot = true
			}
		}
		if mismatched == 0 {
			return true, 0
		}
		if overshoot || time.Now().After(deadline) {
			return false, mismatched
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func printResults(send, total time.Duration, settled bool, mismatched int) {
	sent := atomic.LoadUint64(&totalRequests)

	results := map[string]any{
		"workload":           workload,
		"payins":             payins,
		"duplicates":         duplicates,
		"send_duration_sec":  send.Seconds(),
		"total_duration_sec": total.Seconds(),
		"total_requests":     sent,
		"throughput_rps":     float64(sent) / send.Seconds(),
		"accepted":           atomic.LoadUint64(&accepted200),
		"rejected":           atomic.LoadUint64(&rejected4xx),
		"unavailable":        atomic.LoadUint64(&unavailable),
		"errors":             atomic.LoadUint64(&failOther),
		"settled_exactly":    settled,
		"users_mismatched":   mismatched,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
