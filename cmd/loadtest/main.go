// Command loadtest нагружает сервис конкурентными CreateOrder по одному товару
// и проверяет со стороны клиента, что остаток не ушёл в минус.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/shopcore/internal/service/grpc"
	"github.com/vladislavdragonenkov/shopcore/internal/version"
)

const scenarioMethod = "scenario"

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreatePay    loadMode = "create-pay"
	modeCreateCancel loadMode = "create-cancel"
)

type config struct {
	addr         string
	total        int
	concurrency  int
	connections  int
	timeout      time.Duration
	mode         loadMode
	productID    string
	quantity     int
	initialStock int64
	currency     string
	userTag      string
	outputPath   string
}

// caller: то, что сценарию нужно от gRPC-клиента.
type caller interface {
	Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error)
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-pay | create-cancel")
	fs.StringVar(&cfg.productID, "product", "", "product id every order reserves")
	fs.IntVar(&cfg.quantity, "qty", 1, "quantity per order")
	fs.Int64Var(&cfg.initialStock, "stock", -1, "known initial stock; enables the oversell check")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch loadMode(strings.TrimSpace(modeValue)) {
	case modeCreate, modeCreatePay, modeCreateCancel:
		cfg.mode = loadMode(strings.TrimSpace(modeValue))
	default:
		return cfg, fmt.Errorf("unsupported mode: %s", modeValue)
	}

	var errs []error
	if cfg.total <= 0 {
		errs = append(errs, errors.New("total must be > 0"))
	}
	if cfg.concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if cfg.connections <= 0 {
		errs = append(errs, errors.New("connections must be > 0"))
	}
	if cfg.timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if strings.TrimSpace(cfg.productID) == "" {
		errs = append(errs, errors.New("product is required"))
	}
	if cfg.quantity <= 0 {
		errs = append(errs, errors.New("qty must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	clients := make([]caller, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUserAgent(version.UserAgent()+"-loadtest"),
		)
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		defer conn.Close()
		clients = append(clients, grpcsvc.NewClient(conn))
	}

	result := runLoad(cfg, clients)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 || result.Oversold {
		os.Exit(1)
	}
}

// runLoad распределяет сценарии по воркерам и собирает отчёт.
func runLoad(cfg config, clients []caller) report {
	startedAt := time.Now()
	runID := uuid.NewString()[:8]
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client caller) {
			defer wg.Done()
			for index := range jobs {
				runScenario(client, cfg, index, runID, col)
			}
		}(clients[workerID%len(clients)])
	}

	for i := 0; i < cfg.total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), cfg.initialStock)
}

func runScenario(client caller, cfg config, index int, runID string, col *collector) {
	start := time.Now()
	code := codes.OK
	defer func() { col.record(scenarioMethod, time.Since(start), code) }()

	created, err := call(client, cfg.timeout, grpcsvc.MethodCreateOrder, fmt.Sprintf("lt-create-%s-%d", runID, index), map[string]any{
		"user_id":  fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index),
		"currency": cfg.currency,
		"items": []any{
			map[string]any{"product_id": cfg.productID, "quantity": cfg.quantity},
		},
	}, col)
	if status.Code(err) == codes.FailedPrecondition {
		col.recordOutOfStock()
		return
	}
	if err != nil {
		code = status.Code(err)
		return
	}
	orderID, _ := created["id"].(string)
	if orderID == "" {
		code = codes.Internal
		return
	}
	col.recordReservation(int64(cfg.quantity))

	switch cfg.mode {
	case modeCreatePay:
		_, err = call(client, cfg.timeout, grpcsvc.MethodInitiatePayment, fmt.Sprintf("lt-pay-%s-%d", runID, index), map[string]any{
			"order_id": orderID,
			"method":   "CARD",
		}, col)
	case modeCreateCancel:
		_, err = call(client, cfg.timeout, grpcsvc.MethodCancelOrder, fmt.Sprintf("lt-cancel-%s-%d", runID, index), map[string]any{
			"order_id": orderID,
			"reason":   "load-cancel",
		}, col)
		if err == nil {
			col.recordReservation(-int64(cfg.quantity))
		}
	}
	if err != nil {
		code = status.Code(err)
	}
}

func call(client caller, timeout time.Duration, method, key string, req map[string]any, col *collector) (map[string]any, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)

	resp, err := client.Call(ctx, method, req)
	col.record(method, time.Since(start), status.Code(err))
	return resp, err
}
