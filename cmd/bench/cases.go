// README: Bench cases: environment, API contract, matching flow, schema invariants and request-drives load.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"driveup/internal/infra"
)

const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPending = "PENDING"
	StatusSkip    = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 35 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	driver, passenger := r.cfg.DriverToken, r.cfg.PassengerToken
	origin := map[string]any{"current_lat": 32.0853, "current_lon": 34.7818}
	ride := map[string]any{
		"passengers_amount": 1,
		"start_lat":         32.0809,
		"start_lon":         34.7806,
		"destination_lat":   32.1093,
		"destination_lon":   34.8555,
	}

	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigrations},
		{Name: "Migration: tables exist", Run: tablesExist},

		httpCase("API: health", http.MethodGet, "/health", "", nil, []int{200}, nil),
		{Name: "API: metrics exposed", Run: metricsExposed},
		httpCase("Auth: missing token -> 401", http.MethodPost, "/driver/request-drives", "", origin, []int{401}, nil),

		httpCase("Passenger: order drive", http.MethodPost, "/passenger/order-drive", passenger, ride, []int{200}, []int{502, 504}),
		httpCase("Passenger: order drive (missing fields -> 400)", http.MethodPost, "/passenger/order-drive", passenger, map[string]any{}, []int{400}, nil),
		httpCase("Passenger: order history", http.MethodGet, "/passenger/order-history?page=1&size=5", passenger, nil, []int{200}, nil),
		httpCase("Passenger: get unknown drive -> 404", http.MethodGet, "/passenger/get-drive/1073741824", passenger, nil, []int{404}, nil),

		httpCase("Driver: request drives", http.MethodPost, "/driver/request-drives", driver, origin, []int{200}, []int{502, 504}),
		httpCase("Driver: request drives again (cached)", http.MethodPost, "/driver/request-drives", driver, origin, []int{200}, []int{502, 504}),
		httpCase("Driver: request drives (bad limit -> 400)", http.MethodPost, "/driver/request-drives", driver,
			map[string]any{"current_lat": 32.08, "current_lon": 34.78, "limits": map[string]any{"rating": map[string]any{}}}, []int{400}, nil),
		httpCase("Driver: accept unknown suggestion -> 406", http.MethodPost, "/driver/accept-drive", driver,
			map[string]any{"suggestion_id": "does-not-exist"}, []int{406}, nil),
		httpCase("Driver: unknown drive details -> 404", http.MethodGet, "/driver/drive-details/does-not-exist", driver, nil, []int{404}, nil),
		httpCase("Driver: reject drives", http.MethodPost, "/driver/reject-drives", driver, nil, []int{200}, []int{502, 504}),
		httpCase("Driver: reject drives again (idempotent)", http.MethodPost, "/driver/reject-drives", driver, nil, []int{200}, []int{502, 504}),

		{Name: "Load: request-drives with force_reject", Run: func(ctx context.Context, r *Runner) Result {
			if driver == "" {
				return Result{Status: StatusSkip, Note: "no driver token"}
			}
			return perfLoad(ctx, r, "/driver/request-drives?force_reject=true", driver, origin)
		}},

		dbCase("Invariant: no orphan freezes", `
			SELECT count(*) FROM passenger_drive_orders p
			WHERE p.status = 'FROZEN' AND NOT EXISTS (
				SELECT 1 FROM driver_drive_orders d, jsonb_array_elements(d.passenger_orders) it
				WHERE d.driver_id = p.frozen_by AND d.status = 'PENDING' AND it->>'id' = p.id::text)`),
		dbCase("Invariant: assigned orders point at a live drive", `
			SELECT count(*) FROM passenger_drive_orders p
			LEFT JOIN driver_drive_orders d ON d.id = p.drive_id
			WHERE p.status IN ('ACTIVE', 'FINISHED') AND (d.id IS NULL OR d.status = 'PENDING')`),
		dbCase("Invariant: one active drive per driver", `
			SELECT count(*) FROM (
				SELECT driver_id FROM driver_drive_orders WHERE status = 'ACTIVE'
				GROUP BY driver_id HAVING count(*) > 1) dup`),
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "directions cache disabled"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	n, err := r.redis.DBSize(ctx).Result()
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("keys=%d", n)}
}

func applyMigrations(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	if err := infra.ApplyMigrations(ctx, r.db, r.cfg.MigrationsDir); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationsDir)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

func metricsExposed(ctx context.Context, r *Runner) Result {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/metrics", nil)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "driveup_") {
		return Result{Status: StatusFail, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
	}
	return Result{Status: StatusPass}
}

// httpCase expects one of okStatuses. pendingStatuses mark an upstream that
// is not reachable from the bench environment (solver, directions).
func httpCase(name, method, path, token string, body any, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if token == "" && !contains(okStatuses, http.StatusUnauthorized) && path != "/health" {
				return Result{Status: StatusSkip, Note: "no token"}
			}
			start := time.Now()
			code, err := r.do(ctx, method, path, token, body)
			if err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			latency := time.Since(start)
			note := fmt.Sprintf("status=%d", code)
			switch {
			case contains(okStatuses, code):
				return Result{Status: StatusPass, Latency: latency, Note: note}
			case contains(pendingStatuses, code):
				return Result{Status: StatusPending, Latency: latency, Note: note}
			default:
				return Result{Status: StatusFail, Latency: latency, Note: note}
			}
		},
	}
}

func dbCase(name, countSQL string) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: StatusSkip, Note: "db not configured"}
			}
			var n int
			if err := r.db.QueryRow(ctx, countSQL).Scan(&n); err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			if n > 0 {
				return Result{Status: StatusFail, Note: fmt.Sprintf("violations=%d", n)}
			}
			return Result{Status: StatusPass}
		},
	}
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// perfLoad hammers one endpoint from cfg.Concurrency workers for cfg.Duration
// and reports throughput and latency percentiles.
func perfLoad(ctx context.Context, r *Runner, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu        sync.Mutex
		latencies []time.Duration
		errCount  int
		non2xx    int
	)
	wg := sync.WaitGroup{}
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				start := time.Now()
				code, err := r.do(ctx, http.MethodPost, path, token, payload)
				elapsed := time.Since(start)
				mu.Lock()
				switch {
				case err != nil:
					errCount++
				case code < 200 || code >= 300:
					non2xx++
				default:
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(latencies) == 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("no successful requests (errors=%d non2xx=%d)", errCount, non2xx)}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	rps := float64(len(latencies)) / r.cfg.Duration.Seconds()
	return Result{
		Status:  StatusPass,
		Latency: percentile(latencies, 0.5),
		Note:    fmt.Sprintf("rps=%.1f p95=%s errors=%d non2xx=%d", rps, percentile(latencies, 0.95), errCount, non2xx),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func extractTables(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, m := range createTableRe.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	return tables, nil
}
