package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/telemetry"
)

// Config carries the daemon's runtime knobs. Zero values fall back to the
// settings file and then to built-in defaults.
type Config struct {
	DBPath         string
	SocketPath     string
	FxCachePath    string
	FxEndpoints    []string
	RollupInterval time.Duration
	RetentionDays  int
	Verbose        bool
}

type Service struct {
	cfg Config

	store *telemetry.Store
	rates *fx.Store

	ingestMu  sync.Mutex
	logMu     sync.Mutex
	lastLogAt map[string]time.Time
}

func RunServer(cfg Config) error {
	if cfg.Verbose {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := startService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	<-ctx.Done()
	svc.infof("daemon_stop", "reason=signal")
	return nil
}

func startService(ctx context.Context, cfg Config) (*Service, error) {
	fileCfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = fileCfg.Data.DBPath
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		defaultDBPath, err := telemetry.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.SocketPath) == "" {
		cfg.SocketPath = fileCfg.Daemon.SocketPath
	}
	if strings.TrimSpace(cfg.SocketPath) == "" {
		cfg.SocketPath = config.DefaultSocketPath()
	}
	if strings.TrimSpace(cfg.FxCachePath) == "" {
		cfg.FxCachePath = fileCfg.Fx.CachePath
	}
	if strings.TrimSpace(cfg.FxCachePath) == "" {
		cfg.FxCachePath = config.DefaultFxCachePath()
	}
	if len(cfg.FxEndpoints) == 0 {
		cfg.FxEndpoints = fileCfg.Fx.Endpoints
	}
	if cfg.RollupInterval <= 0 {
		cfg.RollupInterval = time.Duration(fileCfg.Daemon.RollupIntervalSeconds) * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = fileCfg.Data.RetentionDays
	}

	store, err := telemetry.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}

	svc := &Service{
		cfg:       cfg,
		store:     store,
		rates:     fx.NewStore(cfg.FxCachePath, cfg.FxEndpoints),
		lastLogAt: map[string]time.Time{},
	}
	if err := svc.rates.Load(); err != nil {
		svc.warnf("fx_cache_load_warning", "error=%v", err)
	}

	svc.infof(
		"daemon_start",
		"socket=%s db=%s fx_cache=%s rollup_interval=%s retention_days=%d",
		cfg.SocketPath, cfg.DBPath, cfg.FxCachePath, cfg.RollupInterval, cfg.RetentionDays,
	)

	if err := svc.startSocketServer(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	go svc.runRollupLoop(ctx)
	go svc.runRetentionLoop(ctx)
	go svc.runFxRefreshLoop(ctx)
	go svc.watchFxCache(ctx)

	return svc, nil
}

func (s *Service) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}

// --- Logging ---

func (s *Service) infof(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	if strings.TrimSpace(format) == "" {
		log.Printf("daemon level=info event=%s", event)
		return
	}
	log.Printf("daemon level=info event=%s "+format, append([]any{event}, args...)...)
}

func (s *Service) warnf(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	if strings.TrimSpace(format) == "" {
		log.Printf("daemon level=warn event=%s", event)
		return
	}
	log.Printf("daemon level=warn event=%s "+format, append([]any{event}, args...)...)
}

func (s *Service) shouldLog(key string, interval time.Duration) bool {
	if s == nil {
		return false
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	now := time.Now()
	if interval > 0 {
		if last, ok := s.lastLogAt[key]; ok && now.Sub(last) < interval {
			return false
		}
	}
	s.lastLogAt[key] = now
	return true
}

// --- Rollup loop ---

func (s *Service) runRollupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RollupInterval)
	defer ticker.Stop()

	s.infof("rollup_loop_start", "interval=%s", s.cfg.RollupInterval)
	s.rollUpRecentDays(ctx)
	for {
		select {
		case <-ctx.Done():
			s.infof("rollup_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.rollUpRecentDays(ctx)
		}
	}
}

// rollUpRecentDays refreshes today and yesterday. Yesterday is included so
// events landing shortly after midnight still settle into the right bucket.
func (s *Service) rollUpRecentDays(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	started := time.Now()
	now := time.Now().UTC()

	rollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var failed int
	for _, day := range []string{core.DayKey(now.AddDate(0, 0, -1)), core.DayKey(now)} {
		s.ingestMu.Lock()
		err := s.store.RollUpDay(rollCtx, day)
		s.ingestMu.Unlock()
		if err != nil {
			failed++
			if s.shouldLog("rollup_error", 30*time.Second) {
				s.warnf("rollup_error", "day=%s error=%v", day, err)
			}
		}
	}
	if failed == 0 && s.shouldLog("rollup_cycle", 30*time.Minute) {
		s.infof("rollup_cycle", "duration_ms=%d", time.Since(started).Milliseconds())
	}
}

// --- Retention loop ---

func (s *Service) runRetentionLoop(ctx context.Context) {
	s.pruneOldData(ctx)
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.infof("retention_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.pruneOldData(ctx)
		}
	}
}

func (s *Service) pruneOldData(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	retentionDays := s.cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 90
	}

	pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := s.store.PruneOlderThan(pruneCtx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		if s.shouldLog("retention_prune_error", 30*time.Second) {
			s.warnf("retention_prune_error", "error=%v", err)
		}
		return
	}
	if deleted > 0 {
		s.infof("retention_prune", "deleted=%d retention_days=%d", deleted, retentionDays)
	}
}

// --- FX refresh loop ---

func (s *Service) runFxRefreshLoop(ctx context.Context) {
	s.refreshFx(ctx)
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.infof("fx_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.refreshFx(ctx)
		}
	}
}

// watchFxCache picks up rate tables written by other processes, e.g. a
// manual `costlens fx refresh`.
func (s *Service) watchFxCache(ctx context.Context) {
	if s == nil || s.rates == nil {
		return
	}
	if err := s.rates.Watch(ctx); err != nil && ctx.Err() == nil {
		s.warnf("fx_watch_error", "error=%v", err)
	}
}

func (s *Service) refreshFx(ctx context.Context) {
	if s == nil || s.rates == nil {
		return
	}
	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	s.rates.RefreshDaily(refreshCtx, false)
	if s.shouldLog("fx_refresh", 6*time.Hour) {
		s.infof("fx_refresh", "date=%s rates=%d", s.rates.Table().Date, len(s.rates.Table().Rates))
	}
}

// --- HTTP server ---

func (s *Service) startSocketServer(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.SocketPath) == "" {
		return fmt.Errorf("daemon socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create daemon socket dir: %w", err)
	}
	if err := EnsureSocketPathAvailable(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen daemon socket: %w", err)
	}
	_ = os.Chmod(s.cfg.SocketPath, 0o660)
	s.infof("socket_listening", "path=%s", s.cfg.SocketPath)

	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.infof("socket_shutdown", "reason=context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = listener.Close()
		_ = os.Remove(s.cfg.SocketPath)
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.warnf("socket_server_error", "error=%v", err)
		}
	}()

	return nil
}

func EnsureSocketPathAvailable(socketPath string) error {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		return fmt.Errorf("socket path is empty")
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path %s: %w", socketPath, err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s already exists and is not a socket", socketPath)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()
	dialer := net.Dialer{Timeout: 450 * time.Millisecond}
	conn, dialErr := dialer.DialContext(dialCtx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running on socket %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale daemon socket %s: %w", socketPath, err)
	}
	return nil
}
