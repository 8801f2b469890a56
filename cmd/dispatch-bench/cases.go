// README: Bench cases: connectivity, migration, ledger races and throughput against real stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/types"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
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
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
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
		fmt.Printf("%-5s %s", res.Status, tc.Name)
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
	return []TestCase{
		{Name: "Env: Postgres connect", Focus: "db reachable", Run: pingPostgres},
		{Name: "Env: Redis connect", Focus: "redis reachable", Run: pingRedis},
		{Name: "Migration: apply (optional)", Focus: "apply migration SQL", Run: applyMigration},
		{Name: "Migration: tables exist", Focus: "tables from migrations/0001_init.sql", Run: tablesExist},
		{Name: "API: health", Focus: "server answers /health", Run: apiHealth},
		{Name: "Directory: radius query", Focus: "GEO search returns nearest first", Run: directoryRadius},
		{Name: "Ledger: candidates accept same assignment", Focus: "exactly one winner", Run: concurrentAccept},
		{Name: "Ledger: courier accepts many assignments", Focus: "one job per courier", Run: courierExclusivity},
		{Name: "Perf: accept throughput", Focus: "create + accept pairs per second", Run: acceptThroughput},
	}
}

func pingPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
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

func apiHealth(ctx context.Context, r *Runner) Result {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/health", nil)
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: StatusSkip, Note: "api not running: " + err.Error()}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

// directoryRadius writes three positions around a random point and expects
// the two inside 1 km back, nearest first.
func directoryRadius(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusFail, Note: "redis not configured"}
	}
	store := courier.NewRedisStore(r.redis)
	center := types.Point{Lat: 12.97, Lng: 77.59}
	run := string(types.NewID())
	ids := []types.ID{types.ID(run + "-near"), types.ID(run + "-mid"), types.ID(run + "-far")}
	offsets := []float64{200, 800, 1500}
	now := time.Now()
	for i, id := range ids {
		p := types.Point{Lat: center.Lat + offsets[i]/111195, Lng: center.Lng}
		if err := store.SetPosition(ctx, id, p, now); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	defer func() {
		for _, id := range ids {
			r.redis.ZRem(ctx, "courier:positions", string(id))
			r.redis.Del(ctx, "courier:"+string(id)+":state")
		}
	}()

	start := time.Now()
	found, err := store.WithinRadius(ctx, center, 1000)
	latency := time.Since(start)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var ours []types.ID
	for _, n := range found {
		if strings.HasPrefix(string(n.ID), run) {
			ours = append(ours, n.ID)
		}
	}
	if len(ours) != 2 || ours[0] != ids[0] || ours[1] != ids[1] {
		return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("got %v", ours)}
	}
	return Result{Status: StatusPass, Latency: latency}
}

func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ledger := assignment.NewLedger(assignment.NewPostgresStore(r.db))
	run := string(types.NewID())
	candidates := make([]types.ID, r.cfg.Concurrency)
	for i := range candidates {
		candidates[i] = types.ID(fmt.Sprintf("%s-c%d", run, i))
	}
	a, err := ledger.Create(ctx, assignment.CreateCommand{
		OrderID:    types.ID(run),
		LineID:     "line1",
		ShopID:     "bench",
		Candidates: candidates,
	})
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	succ, lost, other := 0, 0, 0
	for _, c := range candidates {
		wg.Add(1)
		go func(courierID types.ID) {
			defer wg.Done()
			<-start
			_, err := ledger.Accept(ctx, assignment.AcceptCommand{AssignmentID: a.ID, CourierID: courierID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succ++
			case errors.Is(err, assignment.ErrAlreadyResolved):
				lost++
			default:
				other++
			}
		}(c)
	}
	began := time.Now()
	close(start)
	wg.Wait()
	latency := time.Since(began)

	note := fmt.Sprintf("success=%d resolved=%d other=%d", succ, lost, other)
	if succ != 1 || other != 0 {
		return Result{Status: StatusFail, Latency: latency, Note: note}
	}
	return Result{Status: StatusPass, Latency: latency, Note: note}
}

func courierExclusivity(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ledger := assignment.NewLedger(assignment.NewPostgresStore(r.db))
	run := string(types.NewID())
	courierID := types.ID(run + "-courier")
	ids := make([]types.ID, r.cfg.Concurrency)
	for i := range ids {
		a, err := ledger.Create(ctx, assignment.CreateCommand{
			OrderID:    types.ID(fmt.Sprintf("%s-o%d", run, i)),
			LineID:     "line1",
			ShopID:     "bench",
			Candidates: []types.ID{courierID},
		})
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		ids[i] = a.ID
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	succ, busy, other := 0, 0, 0
	for _, id := range ids {
		wg.Add(1)
		go func(assignmentID types.ID) {
			defer wg.Done()
			<-start
			_, err := ledger.Accept(ctx, assignment.AcceptCommand{AssignmentID: assignmentID, CourierID: courierID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succ++
			case errors.Is(err, assignment.ErrCourierBusy):
				busy++
			default:
				other++
			}
		}(id)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("success=%d busy=%d other=%d", succ, busy, other)
	if succ != 1 || other != 0 {
		return Result{Status: StatusFail, Note: note}
	}
	return Result{Status: StatusPass, Note: note}
}

// acceptThroughput runs create, accept and complete cycles with distinct
// couriers until the configured duration elapses.
func acceptThroughput(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	ledger := assignment.NewLedger(assignment.NewPostgresStore(r.db))
	run := string(types.NewID())
	end := time.Now().Add(r.cfg.Duration)

	var count, errCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			courierID := types.ID(fmt.Sprintf("%s-w%d", run, worker))
			for i := 0; time.Now().Before(end) && ctx.Err() == nil; i++ {
				orderID := types.ID(fmt.Sprintf("%s-w%d-%d", run, worker, i))
				err := cycle(ctx, ledger, orderID, courierID)
				mu.Lock()
				if err != nil {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("no cycles completed, errors=%d", errCount)}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("cycles/s=%.1f errors=%d", rps, errCount)}
}

func cycle(ctx context.Context, ledger *assignment.Ledger, orderID, courierID types.ID) error {
	a, err := ledger.Create(ctx, assignment.CreateCommand{OrderID: orderID, LineID: "line1", ShopID: "bench", Candidates: []types.ID{courierID}})
	if err != nil {
		return err
	}
	if _, err := ledger.Accept(ctx, assignment.AcceptCommand{AssignmentID: a.ID, CourierID: courierID}); err != nil {
		return err
	}
	_, err = ledger.Complete(ctx, assignment.CompleteCommand{OrderID: orderID, LineID: "line1", CourierID: courierID})
	return err
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
