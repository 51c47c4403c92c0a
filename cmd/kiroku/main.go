// Package main is the Kiroku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/config"
	"github.com/hyperjump/kiroku/internal/consistency"
	"github.com/hyperjump/kiroku/internal/ingest"
	"github.com/hyperjump/kiroku/internal/models"
	"github.com/hyperjump/kiroku/internal/repair"
	"github.com/hyperjump/kiroku/internal/retrieval"
	"github.com/hyperjump/kiroku/internal/server"
	"github.com/hyperjump/kiroku/internal/store"
	"github.com/hyperjump/kiroku/internal/txn"
	"github.com/hyperjump/kiroku/internal/watcher"
	"github.com/hyperjump/kiroku/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kiroku/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "upload":
		runUpload()
	case "process":
		runProcess()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "check":
		runCheck()
	case "repair":
		runRepair()
	case "version", "--version", "-v":
		fmt.Printf("kiroku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Ingest.WatchInboxOrDefault() {
		svc := components.Service
		watchOpts := []watcher.Option{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		inbox := watcher.New(cfg.Storage.InboxDir, cfg.Ingest.Extensions, func(path string) {
			if _, err := svc.Upload(context.Background(), path); err != nil {
				logger.Warn("inbox upload failed", zap.String("path", path), zap.Error(err))
			}
		}, watchOpts...)
		if err := inbox.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start inbox watcher", zap.Error(err))
		}
		inbox.SyncExisting()
		defer inbox.Stop()
	}

	if cfg.Consistency.Schedule != "" {
		var repairFn consistency.RepairFunc
		if cfg.Consistency.AutoRepair {
			repairer := components.Repairer
			repairFn = func(ctx context.Context, docID string) error {
				_, err := repairer.Repair(ctx, docID)
				return err
			}
		}
		scanner := consistency.NewPeriodicScanner(components.Checker, cfg.Consistency.Schedule, repairFn, logger)
		if err := scanner.Start(); err != nil {
			logger.Fatal("Failed to start consistency scanner", zap.Error(err))
		}
		defer scanner.Stop()
	}

	srv := server.NewServer(
		components.Service,
		components.Checker,
		components.Repairer,
		&cfg.Server,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	process := fs.Bool("process", false, "process the document immediately after upload")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kiroku upload [flags] <file>")
		os.Exit(1)
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Printf("Invalid path: %v\n", err)
		os.Exit(1)
	}

	var doc models.Document
	if err := postJSON(*serverURL+"/api/v1/documents", map[string]string{"file_path": path}, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document uploaded: %s (%s)\n", doc.ID, doc.FileName)

	if *process {
		var processed models.Document
		if err := postJSON(*serverURL+"/api/v1/documents/"+doc.ID+"/process", nil, &processed); err != nil {
			fmt.Fprintf(os.Stderr, "Processing failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Document processed: %s (%d chunks)\n", processed.ID, processed.ChunkCount)
	}
}

func runProcess() {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kiroku process [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)
	var doc models.Document
	if err := postJSON(*serverURL+"/api/v1/documents/"+docID+"/process", nil, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Processing failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document processed: %s (%d chunks)\n", doc.ID, doc.ChunkCount)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kiroku delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)
	req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/documents/"+docID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Delete failed (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status struct {
		Documents         int            `json:"documents"`
		DocumentsByStatus map[string]int `json:"documents_by_status"`
		Tasks             int            `json:"tasks"`
		Batches           int            `json:"batches"`
	}
	if err := getJSON(*serverURL+"/api/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("documents:  %d\n", status.Documents)
		for s, n := range status.DocumentsByStatus {
			fmt.Printf("  %-11s %d\n", s+":", n)
		}
		fmt.Printf("tasks:      %d\n", status.Tasks)
		fmt.Printf("batches:    %d\n", status.Batches)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runCheck() {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var scan models.ScanResult
	if err := getJSON(*serverURL+"/api/v1/consistency", &scan); err != nil {
		fmt.Fprintf(os.Stderr, "Consistency scan failed: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(scan); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("scanned:       %d document(s)\n", len(scan.Reports))
		fmt.Printf("consistent:    %d\n", scan.Consistent)
		fmt.Printf("recoverable:   %d\n", scan.Recoverable)
		fmt.Printf("unrecoverable: %d\n", scan.Unrecoverable)
		for _, r := range scan.Reports {
			if r.Classification == models.ClassConsistent {
				continue
			}
			fmt.Printf("  %s  %s  %s (status=%s, chunks=%d)\n",
				r.Classification, r.DocID, r.FileName, r.DeclaredStatus, r.ChunkCount)
		}
		for _, note := range scan.Notes {
			fmt.Printf("note: %s\n", note)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func runRepair() {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	all := fs.Bool("all", false, "repair every recoverable document")
	_ = fs.Parse(os.Args[2:])

	if *all {
		var batch models.BatchOperation
		if err := postJSON(*serverURL+"/api/v1/consistency/repair", nil, &batch); err != nil {
			fmt.Fprintf(os.Stderr, "Repair failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Repaired %d of %d document(s), %d failed\n",
			batch.CompletedItems, batch.TotalItems, batch.FailedItems)
		return
	}
	if fs.NArg() < 1 {
		fmt.Println("Usage: kiroku repair [flags] <document-id> | kiroku repair --all")
		os.Exit(1)
	}
	docID := fs.Arg(0)
	var doc models.Document
	if err := postJSON(*serverURL+"/api/v1/consistency/"+docID+"/repair", nil, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Repair failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document repaired: %s (%d chunks)\n", doc.ID, doc.ChunkCount)
}

func postJSON(url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Docs     *store.Store[*models.Document]
	Tasks    *store.Store[*models.Task]
	Batches  *store.Store[*models.BatchOperation]
	Engine   retrieval.Engine
	Service  *ingest.Service
	Checker  *consistency.Checker
	Repairer *repair.Engine
}

func (c *Components) Close() {
	if c.Engine != nil {
		_ = c.Engine.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	for _, dir := range []string{cfg.Storage.StateDir, cfg.Storage.ArtifactDir, filepath.Dir(cfg.Storage.DatabasePath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	storeOpts := []store.Option{}
	if debug {
		storeOpts = append(storeOpts, store.WithLogger(logger))
	}
	docs, err := store.Open[*models.Document]("documents", filepath.Join(cfg.Storage.StateDir, "documents.json"), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	tasks, err := store.Open[*models.Task]("tasks", filepath.Join(cfg.Storage.StateDir, "tasks.json"), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	batches, err := store.Open[*models.BatchOperation]("batches", filepath.Join(cfg.Storage.StateDir, "batches.json"), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch store: %w", err)
	}

	txm, err := txn.NewManager(cfg.Storage.StateDir, txn.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transaction manager: %w", err)
	}

	engineOpts := []retrieval.LocalOption{}
	if debug {
		engineOpts = append(engineOpts, retrieval.WithLogger(logger))
	}
	engine, err := retrieval.NewLocalEngine(cfg.Storage.DatabasePath, cfg.Storage.IndexPath, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize retrieval engine: %w", err)
	}

	svc := ingest.NewService(docs, tasks, batches, txm, engine, nil, ingest.Config{
		StateDir:    cfg.Storage.StateDir,
		ArtifactDir: cfg.Storage.ArtifactDir,
		Workers:     cfg.Ingest.Workers,
	}, logger)

	checkerOpts := []consistency.Option{}
	if debug {
		checkerOpts = append(checkerOpts, consistency.WithLogger(logger))
	}
	checker := consistency.NewChecker(docs, svc.FullContentPath(), svc.ChunksPath(), cfg.Storage.ArtifactDir, checkerOpts...)
	repairer := repair.NewEngine(svc, checker, txm, engine, logger)

	return &Components{
		Docs:     docs,
		Tasks:    tasks,
		Batches:  batches,
		Engine:   engine,
		Service:  svc,
		Checker:  checker,
		Repairer: repairer,
	}, nil
}

func printUsage() {
	fmt.Println(`kiroku - Transactional document state manager

Usage:
  kiroku server [flags]             Start the HTTP server
  kiroku upload [flags] <file>      Upload a document
  kiroku process [flags] <id>       Process an uploaded document
  kiroku delete [flags] <id>        Delete a document
  kiroku status [flags]             Show store status
  kiroku check [flags]              Run a consistency scan
  kiroku repair [flags] <id>        Repair a recoverable document
  kiroku version                    Show version
  kiroku help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kiroku/config.yaml)
  --debug            Enable debug logging

Client Flags (upload, process, delete, status, check, repair):
  --server string    Server URL (default: http://localhost:8080)
  --output string    Output format for status/check: text or json (default: text)
  --process          Upload only: process the document immediately after upload
  --all              Repair only: repair every recoverable document

Examples:
  kiroku server
  kiroku upload --process report.pdf
  kiroku check
  kiroku repair --all
  kiroku status --output json`)
}
