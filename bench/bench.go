// Package bench drives concurrent query load against a gateway and
// summarizes latency and outcomes per workload.
package bench

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/sqlgate/client"
	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Mode selects the transport a workload uses.
type Mode string

const (
	// ModeAction sends SQL through the execute_query action.
	ModeAction Mode = "action"
	// ModeFlight runs SQL as a Flight SQL statement.
	ModeFlight Mode = "flight"
)

// Querier is the subset of client.Client the runner needs.
type Querier interface {
	ExecuteQuery(ctx context.Context, sql string) (*models.ToolResponse, error)
	Query(ctx context.Context, sql string) (*client.Result, error)
}

// Workload is one named query repeated Iterations times.
type Workload struct {
	Name       string
	SQL        string
	Mode       Mode
	Iterations int
}

// Result summarizes one workload run.
type Result struct {
	Name       string        `json:"name"`
	Mode       Mode          `json:"mode"`
	Iterations int           `json:"iterations"`
	Succeeded  int           `json:"succeeded"`
	Rejected   int           `json:"rejected"`
	Failed     int           `json:"failed"`
	Rows       int64         `json:"rows"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	P50        time.Duration `json:"p50_ns"`
	P95        time.Duration `json:"p95_ns"`
	P99        time.Duration `json:"p99_ns"`
	Throughput float64       `json:"queries_per_sec"`
}

func (r Result) String() string {
	return fmt.Sprintf("%s (%s): %d ok, %d rejected, %d failed, p50 %v, p99 %v, %.0f q/s",
		r.Name, r.Mode, r.Succeeded, r.Rejected, r.Failed, r.P50, r.P99, r.Throughput)
}

type outcome int

const (
	succeeded outcome = iota
	rejected
	failed
)

// Runner executes workloads with bounded concurrency.
type Runner struct {
	querier     Querier
	concurrency int
}

// NewRunner returns a runner issuing at most concurrency queries at once.
func NewRunner(q Querier, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{querier: q, concurrency: concurrency}
}

// Run executes each workload in order. Query failures are counted, not
// returned; only context cancellation stops the run.
func (r *Runner) Run(ctx context.Context, workloads []Workload) ([]Result, error) {
	results := make([]Result, 0, len(workloads))
	for _, w := range workloads {
		res, err := r.runWorkload(ctx, w)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runWorkload(ctx context.Context, w Workload) (Result, error) {
	if w.Mode == "" {
		w.Mode = ModeAction
	}
	if w.Iterations <= 0 {
		w.Iterations = 1
	}

	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, w.Iterations)
		res       = Result{Name: w.Name, Mode: w.Mode, Iterations: w.Iterations}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	start := time.Now()
	for i := 0; i < w.Iterations; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			began := time.Now()
			out, rows := r.execute(gctx, w)
			took := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			latencies = append(latencies, took)
			res.Rows += rows
			switch out {
			case succeeded:
				res.Succeeded++
			case rejected:
				res.Rejected++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Elapsed = time.Since(start)
	res.P50 = percentile(latencies, 50)
	res.P95 = percentile(latencies, 95)
	res.P99 = percentile(latencies, 99)
	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.Throughput = float64(len(latencies)) / secs
	}
	return res, nil
}

func (r *Runner) execute(ctx context.Context, w Workload) (outcome, int64) {
	if w.Mode == ModeFlight {
		result, err := r.querier.Query(ctx, w.SQL)
		if err != nil {
			if status.Code(err) == codes.PermissionDenied {
				return rejected, 0
			}
			return failed, 0
		}
		defer result.Release()
		return succeeded, result.NumRows()
	}

	resp, err := r.querier.ExecuteQuery(ctx, w.SQL)
	switch {
	case err != nil:
		return failed, 0
	case resp.IsError && resp.Text() == "Error: "+errors.MsgReadOnlyPolicy:
		return rejected, 0
	case resp.IsError:
		return failed, 0
	}
	return succeeded, 0
}

// percentile returns the nearest-rank percentile of latencies.
func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
