package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/cluster"
	"github.com/xypriss/xypriss/ipc"
	"github.com/xypriss/xypriss/plugin"
	"github.com/xypriss/xypriss/pool"
	"github.com/xypriss/xypriss/request"
	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/server"
)

// flags mirrors the knobs in SPEC_FULL.md's §6 CLI surface. Unset string
// flags fall back to the struct field defaults applied by each
// subsystem's Config.applyDefaults().
type flags struct {
	host string
	port int

	timeoutSec   int
	maxBodySize  int64
	maxURLLength int

	clusterEnabled   bool
	clusterWorkers   int
	clusterRespawn   bool
	clusterStrategy  string
	clusterMaxMemory int
	clusterMaxCPU    int
	clusterHardLimit bool
	rescueMode       bool
	controlSocket    string

	cacheStrategy  string
	cacheRedisAddr string
	cacheEncrypt   bool
	cacheNamespace string

	compression     bool
	compressionAlgs string

	adminEnabled bool
}

// envOverrides is the JSON shape accepted via XYPRISS_SERVER_CONFIG,
// matching the ambient "configuration loadable from environment" rule.
type envOverrides struct {
	Host              *string `json:"host"`
	Port              *int    `json:"port"`
	ClusterWorkers    *int    `json:"clusterWorkers"`
	CacheRedisAddr    *string `json:"cacheRedisAddr"`
	CacheMasterKeyHex *string `json:"cacheMasterKeyHex"`
}

func newServeCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the XyPriss HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}

	cmd.Flags().StringVar(&f.host, "host", "0.0.0.0", "address to bind")
	cmd.Flags().IntVar(&f.port, "port", 4349, "port to listen on (or base port in cluster mode)")
	cmd.Flags().IntVar(&f.timeoutSec, "timeout", 30, "default per-request timeout, in seconds")
	cmd.Flags().Int64Var(&f.maxBodySize, "max-body-size", 10<<20, "max request body size in bytes")
	cmd.Flags().IntVar(&f.maxURLLength, "max-url-length", 8192, "max URL length")

	cmd.Flags().BoolVar(&f.clusterEnabled, "cluster", false, "run as a supervised cluster of worker processes")
	cmd.Flags().IntVar(&f.clusterWorkers, "cluster-workers", 0, "worker count (0 = number of CPUs)")
	cmd.Flags().BoolVar(&f.clusterRespawn, "cluster-respawn", true, "respawn crashed workers")
	cmd.Flags().StringVar(&f.clusterStrategy, "cluster-strategy", "round-robin", "round-robin | weighted-least-connections")
	cmd.Flags().IntVar(&f.clusterMaxMemory, "cluster-max-memory", 0, "per-worker memory limit in MB (0 = unlimited)")
	cmd.Flags().IntVar(&f.clusterMaxCPU, "cluster-max-cpu", 0, "per-worker CPU percent limit (0 = unlimited)")
	cmd.Flags().BoolVar(&f.clusterHardLimit, "cluster-enforce-hard-limits", false, "kill workers that exceed resource limits")
	cmd.Flags().BoolVar(&f.rescueMode, "rescue-mode", false, "aggressively respawn if every worker dies")
	cmd.Flags().StringVar(&f.controlSocket, "control-socket", "/tmp/xypriss-control.sock", "unix socket workers use to report heartbeats/metrics")

	cmd.Flags().StringVar(&f.cacheStrategy, "cache-strategy", "memory", "memory | redis | hybrid")
	cmd.Flags().StringVar(&f.cacheRedisAddr, "cache-redis-addr", "", "Redis address, required for redis/hybrid cache strategy")
	cmd.Flags().BoolVar(&f.cacheEncrypt, "cache-encrypt", false, "enable AES-256-GCM cache encryption (master key via XYPRISS_CACHE_KEY)")
	cmd.Flags().StringVar(&f.cacheNamespace, "cache-namespace", "default", "cache key namespace")

	cmd.Flags().BoolVar(&f.compression, "compression", true, "enable brotli/gzip response compression")
	cmd.Flags().StringVar(&f.compressionAlgs, "compression-algs", "br,gzip", "comma-separated compression algorithms, in preference order")

	cmd.Flags().BoolVar(&f.adminEnabled, "admin", true, "mount the /XyPriss administrative endpoints")

	return cmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if os.Getenv("NODE_ENV") != "production" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
}

func applyEnvOverrides(f *flags) ([]byte, error) {
	raw := os.Getenv("XYPRISS_SERVER_CONFIG")
	if raw == "" {
		return nil, nil
	}
	var o envOverrides
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("parsing XYPRISS_SERVER_CONFIG: %w", err)
	}
	if o.Host != nil {
		f.host = *o.Host
	}
	if o.Port != nil {
		f.port = *o.Port
	}
	if o.ClusterWorkers != nil {
		f.clusterWorkers = *o.ClusterWorkers
	}
	if o.CacheRedisAddr != nil {
		f.cacheRedisAddr = *o.CacheRedisAddr
	}
	var masterKey []byte
	if o.CacheMasterKeyHex != nil {
		decoded, err := hex.DecodeString(*o.CacheMasterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("parsing XYPRISS_SERVER_CONFIG cacheMasterKeyHex: %w", err)
		}
		masterKey = decoded
	}
	return masterKey, nil
}

func runServe(f *flags) error {
	masterKeyOverride, err := applyEnvOverrides(f)
	if err != nil {
		return err
	}
	log := newLogger()

	if workerPort := os.Getenv("WORKER_PORT"); os.Getenv("CLUSTER_MODE") == "true" && workerPort != "" {
		return runWorker(f, log, workerPort)
	}

	if f.clusterEnabled {
		return runClusterMaster(f, log)
	}
	return runStandalone(f, log, masterKeyOverride)
}

// buildServer assembles the Router/Request/Cache/Pool/Plugins/Server
// stack shared by both standalone and per-worker processes.
func buildServer(f *flags, log zerolog.Logger, masterKeyOverride []byte, sup *cluster.Supervisor) (*server.Server, error) {
	rt := router.New(router.WithWarningHandler(func(msg string) {
		log.Warn().Msg("router: " + msg)
	}))

	reqMgr := request.New(request.Config{
		DefaultTimeout: time.Duration(f.timeoutSec) * time.Second,
		MaxBodyBytes:   f.maxBodySize,
		MaxURLLength:   f.maxURLLength,
	}, func(ev request.StageEvent) {
		log.Warn().Str("method", ev.Method).Str("path", ev.Path).
			Str("stage", string(ev.Stage)).Dur("elapsed", ev.Elapsed).Msg("request: slow stage")
	})

	var c *cache.Cache
	strategy, err := parseCacheStrategy(f.cacheStrategy)
	if err != nil {
		return nil, err
	}
	var redisClient *redis.Client
	if strategy != cache.StrategyMemory {
		if f.cacheRedisAddr == "" {
			return nil, fmt.Errorf("cache strategy %q requires --cache-redis-addr", f.cacheStrategy)
		}
		redisClient = redis.NewClient(&redis.Options{Addr: f.cacheRedisAddr})
	}
	masterKey := masterKeyOverride
	if len(masterKey) == 0 {
		masterKey = []byte(os.Getenv("XYPRISS_CACHE_KEY"))
	}
	c, err = cache.New(cache.Options{
		Strategy:    strategy,
		Encrypt:     f.cacheEncrypt,
		MasterKey:   masterKey,
		Namespace:   f.cacheNamespace,
		RedisClient: redisClient,
		Log:         log,
		OnEvent: func(ev cache.Event) {
			// A worker under cluster supervision has no cross-process
			// visibility into memory pressure; forward it to the
			// supervisor so RescueMode/resource-limit logic can see it
			// alongside its own process-level CPU/memory checks.
			if sup != nil && ev.Type == cache.EventMemoryPressure {
				sup.Broadcast(ipc.TypeBroadcast, map[string]any{"event": string(ev.Type), "key": ev.Key})
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	taskPool := pool.New(pool.Config{}, log)
	plugins := plugin.New(log)

	srv := server.New(server.Config{
		Router:  rt,
		Request: reqMgr,
		Log:     log,
		Cache:   c,
		Pool:    taskPool,
		Plugins: plugins,
		Cluster: sup,
		Compression: server.CompressionConfig{
			Enabled:    f.compression,
			Algorithms: strings.Split(f.compressionAlgs, ","),
		},
		AdminEnabled: f.adminEnabled,
	}, nil)

	return srv, nil
}

func parseCacheStrategy(s string) (cache.Strategy, error) {
	switch s {
	case "memory", "":
		return cache.StrategyMemory, nil
	case "redis":
		return cache.StrategyRedis, nil
	case "hybrid":
		return cache.StrategyHybrid, nil
	default:
		return 0, fmt.Errorf("unknown cache strategy %q", s)
	}
}

func runStandalone(f *flags, log zerolog.Logger, masterKeyOverride []byte) error {
	srv, err := buildServer(f, log, masterKeyOverride, nil)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", f.host, f.port)
	log.Info().Str("addr", addr).Msg("xypriss: listening")
	return runWithSignalHandling(func(ctx context.Context) error { return srv.Run(ctx, addr) })
}

func runWorker(f *flags, log zerolog.Logger, workerPortStr string) error {
	port, err := strconv.Atoi(workerPortStr)
	if err != nil {
		return fmt.Errorf("invalid WORKER_PORT: %w", err)
	}
	f.port = port
	srv, err := buildServer(f, log, nil, nil)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	workerID, _ := strconv.Atoi(os.Getenv("WORKER_ID"))
	log.Info().Str("addr", addr).Int("worker_id", workerID).Msg("xypriss: worker listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if socketPath := os.Getenv("CONTROL_SOCKET"); socketPath != "" {
		var key []byte
		if hexKey := os.Getenv("IPC_KEY"); hexKey != "" {
			key, _ = hex.DecodeString(hexKey)
		}
		go func() {
			if err := cluster.ReportHeartbeat(ctx, socketPath, key, workerID, 0); err != nil {
				log.Warn().Err(err).Msg("xypriss: worker heartbeat reporter stopped")
			}
		}()
	}

	return srv.Run(ctx, addr)
}

// runClusterMaster spawns the worker pool and fronts it with a reverse
// proxy that asks the Balancer which worker should handle each
// connection, since workers each bind their own discrete port.
func runClusterMaster(f *flags, log zerolog.Logger) error {
	var ipcKey []byte
	if hexKey := os.Getenv("XYPRISS_IPC_KEY"); hexKey != "" {
		decoded, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("parsing XYPRISS_IPC_KEY: %w", err)
		}
		ipcKey = decoded
	}

	sup, err := cluster.New(cluster.Config{
		WorkerCount:       f.clusterWorkers,
		BasePort:          f.port + 1,
		Strategy:          f.clusterStrategy,
		Respawn:           f.clusterRespawn,
		MaxMemoryMB:       f.clusterMaxMemory,
		MaxCPUPct:         f.clusterMaxCPU,
		EnforceHardLimits: f.clusterHardLimit,
		RescueMode:        f.rescueMode,
		ControlSocket:     f.controlSocket,
		IPCEncryptionKey:  ipcKey,
	}, log)
	if err != nil {
		return fmt.Errorf("building cluster supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster: %w", err)
	}
	defer sup.Stop()

	front := &http.Server{
		Addr: fmt.Sprintf("%s:%d", f.host, f.port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			worker := sup.Balancer().Select(sup.Workers(), r)
			if worker == nil {
				http.Error(w, "no healthy worker available", http.StatusServiceUnavailable)
				return
			}
			target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", worker.Port)}
			httputil.NewSingleHostReverseProxy(target).ServeHTTP(w, r)
		}),
	}

	log.Info().Str("addr", front.Addr).Int("workers", f.clusterWorkers).Msg("xypriss: cluster front proxy listening")

	errCh := make(chan error, 1)
	go func() { errCh <- front.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return front.Shutdown(shutdownCtx)
	}
}

func runWithSignalHandling(run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}
