// ABOUTME: gavranctl CLI entrypoint
// ABOUTME: opens/creates a database, runs a demo transaction, serves health checks

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ayende-gavran/gavran-go/internal/database"
	"github.com/ayende-gavran/gavran-go/internal/logger"
	"github.com/ayende-gavran/gavran-go/internal/metrics"
	"github.com/ayende-gavran/gavran-go/internal/txn"
	"github.com/ayende-gavran/gavran-go/pkg/table"
)

var (
	dbPath      = flag.String("db", "gavran.db", "database file path")
	port        = flag.Int("port", 50061, "gRPC health port (0 disables)")
	minSize     = flag.Int64("min-size", 0, "minimum database file size in bytes")
	walSize     = flag.Int64("wal-size", 0, "nominal WAL file size in bytes")
	logLevel    = flag.String("log-level", "info", "zerolog level")
	prettyLog   = flag.Bool("pretty-log", false, "human-readable log output")
	demo        = flag.Bool("demo", false, "run a demo transaction against a sample table and exit")
)

func main() {
	flag.Parse()

	logger.Init(logger.Config{Level: *logLevel, Pretty: *prettyLog, Output: os.Stderr})
	lg := logger.Global().Component("gavranctl")
	m := metrics.NewMetrics()

	lg.Info("opening database").Str("path", *dbPath).Send()

	db, err := database.Open(*dbPath, database.Options{
		MinimumSize: *minSize,
		WalSize:     *walSize,
		Logger:      logger.Global().Component("database"),
		Metrics:     m,
	})
	if err != nil {
		lg.Error("failed to open database").Err(err).Send()
		os.Exit(1)
	}
	defer db.Close()

	if *demo {
		if err := runDemo(db); err != nil {
			lg.Error("demo transaction failed").Err(err).Send()
			os.Exit(1)
		}
		lg.Info("demo transaction committed").Send()
		return
	}

	if *port == 0 {
		lg.Info("health server disabled, idling").Send()
		waitForSignal()
		return
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		lg.Error("failed to listen").Err(err).Send()
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("gavran", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		lg.Info("shutting down gracefully").Send()
		healthServer.SetServingStatus("gavran", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()

	lg.Info("health server listening").Int("port", *port).Send()
	if err := grpcServer.Serve(lis); err != nil {
		lg.Error("serve failed").Err(err).Send()
		os.Exit(1)
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

// runDemo opens a write transaction, creates a small table with one ordered
// and one hash secondary index, inserts a few rows, and scans both indexes.
func runDemo(db *database.Database) error {
	wtx, err := db.BeginWrite()
	if err != nil {
		return err
	}

	tbl, err := table.Create(wtx, []table.IndexDef{
		{Name: "by_email", Columns: []string{"email"}, Kind: table.IndexHash},
		{Name: "by_age", Columns: []string{"age"}, Kind: table.IndexOrdered},
	})
	if err != nil {
		_ = wtx.Rollback()
		return fmt.Errorf("create table: %w", err)
	}

	rows := []struct {
		id    string
		email string
		age   int64
	}{
		{"user-1", "alice@example.com", 30},
		{"user-2", "bob@example.com", 25},
		{"user-3", "carol@example.com", 41},
	}
	for _, r := range rows {
		row := table.Row{
			"email": table.NewBytesValue([]byte(r.email)),
			"age":   table.NewInt64Value(r.age),
		}
		if err := tbl.Put([]byte(r.id), row); err != nil {
			_ = wtx.Rollback()
			return fmt.Errorf("put %s: %w", r.id, err)
		}
	}

	if err := wtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	rtx, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer rtx.Close()

	root := tbl.Root()
	readTbl := table.Open(rtx, root)

	if pk, ok, err := readTbl.LookupIndex("by_email", []table.Value{table.NewBytesValue([]byte("bob@example.com"))}); err == nil && ok {
		fmt.Printf("by_email lookup -> primary key %q\n", pk)
	}

	_ = readTbl.ScanIndex("by_age", nil, func(pk []byte, row table.Row) bool {
		fmt.Printf("by_age scan -> %q age=%d email=%s\n", pk, row["age"].I64, row["email"].Str)
		return true
	})

	return nil
}
