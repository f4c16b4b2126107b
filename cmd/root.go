package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lovinmaxwell/nexus/internal/config"
	"github.com/lovinmaxwell/nexus/internal/engine"
	"github.com/lovinmaxwell/nexus/internal/ingress"
	"github.com/lovinmaxwell/nexus/internal/limiter"
	"github.com/lovinmaxwell/nexus/internal/progress"
	"github.com/lovinmaxwell/nexus/internal/scheduler"
	"github.com/lovinmaxwell/nexus/internal/store"
	"github.com/lovinmaxwell/nexus/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// daemon holds the wired engine while the root command runs.
type daemon struct {
	store       *store.SQLiteStore
	scheduler   *scheduler.Scheduler
	broadcaster *progress.Broadcaster
	limiter     *limiter.Limiter
	adapter     *ingress.Adapter
	settings    *config.Settings
}

var rootCmd = &cobra.Command{
	Use:     "nexus",
	Short:   "A multi-connection download engine",
	Long:    `Nexus accelerates HTTP(S) transfers by splitting files into byte ranges served by parallel connections, with queues, rate limiting and resumable state.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		isMaster, err := AcquireLock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
			os.Exit(1)
		}
		if !isMaster {
			fmt.Fprintln(os.Stderr, "Error: nexus is already running.")
			fmt.Fprintln(os.Stderr, "Use 'nexus add <url>' to add a download to the active instance.")
			os.Exit(1)
		}
		defer ReleaseLock()

		portFlag, _ := cmd.Flags().GetInt("port")
		outputDir, _ := cmd.Flags().GetString("output")

		d, err := newDaemon(outputDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer d.store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := d.scheduler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting scheduler: %v\n", err)
			os.Exit(1)
		}

		port, listener, err := bindControlPort(portFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		writePortFile(port)
		defer clearPortFile()

		go d.serveHTTP(listener, port)

		fmt.Printf("Nexus %s running.\n", Version)
		fmt.Printf("HTTP server listening on port %d\n", port)
		fmt.Println("Press Ctrl+C to exit.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		d.scheduler.Shutdown()
	},
}

func newDaemon(outputDir string) (*daemon, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to ensure config dirs: %w", err)
	}
	utils.SetDebugDir(config.GetNexusDir())

	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if outputDir != "" {
		settings.General.DefaultDownloadDir = outputDir
	}

	st, err := store.OpenSQLite(config.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	runtime := settings.Runtime()
	lim := limiter.New(settings.Connections.SpeedLimitBytesPerSec)
	broadcaster := progress.NewBroadcaster()
	transport := engine.NewHTTPTransport(runtime, runtime.GetMaxConnectionsPerTask())

	sched := scheduler.New(scheduler.Options{
		Store:       st,
		Transport:   transport,
		Limiter:     lim,
		Broadcaster: broadcaster,
		Runtime:     runtime,
	})

	return &daemon{
		store:       st,
		scheduler:   sched,
		broadcaster: broadcaster,
		limiter:     lim,
		adapter:     ingress.NewAdapter(settings.General.DefaultDownloadDir),
		settings:    settings,
	}, nil
}

// serveHTTP runs the local control API other nexus invocations talk to.
func (d *daemon) serveHTTP(ln net.Listener, port int) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "port": port, "version": Version})
	})

	mux.HandleFunc("/download", d.handleDownload)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/pause", d.handlePause)
	mux.HandleFunc("/resume", d.handleResume)
	mux.HandleFunc("/cancel", d.handleCancel)
	mux.HandleFunc("/queues", d.handleQueues)
	mux.HandleFunc("/limit", d.handleLimit)

	server := &http.Server{Handler: mux}
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		utils.Debug("HTTP server error: %v", err)
	}
}

func (d *daemon) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingress.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if strings.Contains(req.DestinationFolder, "..") || strings.Contains(req.SuggestedFilename, "..") {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(req.SuggestedFilename, "/\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	task, err := d.adapter.Normalize(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := d.scheduler.Enqueue(task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.Debug("Received download request: URL=%s -> task %s", req.URL, task.ID)
	writeJSON(w, map[string]string{"status": "queued", "id": task.ID})
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		tasks, err := d.store.LoadTasks(store.TaskFilter{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, tasks)
		return
	}

	if snap := d.broadcaster.Snapshot(id); snap != nil {
		writeJSON(w, snap)
		return
	}

	task, err := d.store.GetTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, task)
}

func (d *daemon) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := d.scheduler.PauseTask(r.URL.Query().Get("id")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "pausing"})
}

func (d *daemon) handleResume(w http.ResponseWriter, r *http.Request) {
	restart := r.URL.Query().Get("restart") == "true"
	if err := d.scheduler.ResumeTask(r.URL.Query().Get("id"), restart); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "resumed"})
}

func (d *daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := d.scheduler.CancelTask(r.URL.Query().Get("id")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}

func (d *daemon) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, d.scheduler.Queues())
	case http.MethodPost:
		var q queueRequest
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()
		queue := q.toQueue()
		if err := d.scheduler.CreateQueue(queue); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, queue)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *daemon) handleLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		BytesPerSecond int64 `json:"bytes_per_second"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	d.limiter.SetLimit(body.BytesPerSecond)
	writeJSON(w, map[string]any{"status": "ok", "bytes_per_second": body.BytesPerSecond})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// controlPortBase is where the port scan starts when no --port is given.
const controlPortBase = 8080

// bindControlPort binds the loopback listener for the control API. A
// nonzero flag demands that exact port; otherwise the default range is
// scanned for a free one.
func bindControlPort(portFlag int) (int, net.Listener, error) {
	if portFlag > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", portFlag))
		if err != nil {
			return 0, nil, fmt.Errorf("could not bind to port %d: %w", portFlag, err)
		}
		return portFlag, ln, nil
	}

	for port := controlPortBase; port < controlPortBase+100; port++ {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
			return port, ln, nil
		}
	}
	return 0, nil, fmt.Errorf("no free control port in %d-%d", controlPortBase, controlPortBase+99)
}

// portFilePath is where the daemon advertises its control port so that
// sibling invocations (add, pause, queue) can find it without config.
func portFilePath() string {
	return filepath.Join(config.GetNexusDir(), "port")
}

func writePortFile(port int) {
	if err := os.WriteFile(portFilePath(), []byte(strconv.Itoa(port)), 0644); err != nil {
		utils.Debug("Could not write port file: %v", err)
	}
	utils.Debug("Control API listening on port %d", port)
}

func clearPortFile() {
	os.Remove(portFilePath())
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: 8080 or first available)")
	rootCmd.Flags().StringP("output", "o", "", "Default output directory")
	rootCmd.SetVersionTemplate("Nexus version {{.Version}}\n")
}
