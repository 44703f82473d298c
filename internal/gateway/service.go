// Package gateway assembles the store, session, transport and dispatch
// engine into one runnable service and owns their lifecycle: start, resume,
// periodic sweeps and orderly shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smstool/gateway/internal/backoff"
	"github.com/smstool/gateway/internal/config"
	"github.com/smstool/gateway/internal/dispatch"
	"github.com/smstool/gateway/internal/models"
	"github.com/smstool/gateway/internal/protocol"
	"github.com/smstool/gateway/internal/session"
	"github.com/smstool/gateway/internal/store"
	"github.com/smstool/gateway/internal/transport"
)

// retentionInterval is how often the age-based retention sweep runs.
const retentionInterval = 6 * time.Hour

// Service is the running gateway.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *store.Store
	transport transport.Transport
	session   *session.Engine
	engine    *dispatch.Engine

	deviceID string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a gateway service. The endpoint comes from configuration when
// set (and is then persisted), otherwise from the store.
func New(cfg *config.Config, st *store.Store, tr transport.Transport, logger zerolog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if st == nil {
		return nil, errors.New("gateway: store dependency is required")
	}
	if tr == nil {
		return nil, errors.New("gateway: transport dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	ctx := context.Background()

	endpoint := cfg.Gateway.EndpointURL
	if endpoint != "" {
		if err := st.SetEndpoint(ctx, endpoint); err != nil {
			return nil, err
		}
	} else {
		persisted, err := st.Endpoint(ctx)
		if err != nil {
			return nil, err
		}
		endpoint = persisted
	}
	if endpoint == "" {
		return nil, errors.New("gateway: no endpoint configured (set GATEWAY_URL)")
	}

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		store:     st,
		transport: tr,
		deviceID:  deviceID,
	}

	sess, err := session.New(session.Config{
		Endpoint:    endpoint,
		DialTimeout: time.Duration(cfg.Session.DialTimeoutSeconds) * time.Second,
		Policy: backoff.NewPolicy(
			time.Duration(cfg.Session.ReconnectBaseSeconds)*time.Second,
			time.Duration(cfg.Session.ReconnectMaxSeconds)*time.Second,
			0,
		),
	}, s, logger)
	if err != nil {
		return nil, err
	}
	s.session = sess

	engine, err := dispatch.NewEngine(dispatch.Config{
		DefaultMaxAttempts: cfg.Retry.MaxAttempts,
		SweepInterval:      time.Duration(cfg.Retry.SweepSeconds) * time.Second,
	}, dispatch.Dependencies{
		Store:     st,
		Transport: tr,
		Reporter:  sess,
		Policy: backoff.NewPolicy(
			time.Duration(cfg.Retry.BaseBackoffSeconds)*time.Second,
			time.Duration(cfg.Retry.MaxBackoffSeconds)*time.Second,
			time.Duration(cfg.Retry.JitterSeconds)*time.Second,
		),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	return s, nil
}

// DeviceID returns the stable device identity.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// Start marks the gateway as desired-running, launches the dispatch engine
// and connects to the controller.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("gateway: already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.store.SetDesiredRunning(s.ctx, true); err != nil {
		return err
	}
	s.logEvent(models.LevelInfo, "Gateway service started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(s.ctx)
	}()

	if s.cfg.Retention.Days > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.retentionLoop(s.ctx)
		}()
	}

	s.session.Connect()
	return nil
}

// Stop performs an orderly shutdown: cancels all timers and loops, closes
// the session and clears the desired-running flag so a restart does not
// resume automatically.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	s.session.Close()
	cancel()
	s.wg.Wait()
	if err := s.transport.Close(); err != nil {
		s.logger.Error().Err(err).Msg("transport close failed")
	}

	ctx := context.Background()
	if err := s.store.SetDesiredRunning(ctx, false); err != nil {
		s.logger.Error().Err(err).Msg("desired-running flag not cleared")
	}
	if err := s.store.LogEvent(ctx, time.Now().UnixMilli(), models.LevelInfo, "Gateway service stopped"); err != nil {
		s.logger.Error().Err(err).Msg("event log write failed")
	}
}

// OnOpened implements session.Handler. It announces the device and replays
// any reports that accumulated while disconnected.
func (s *Service) OnOpened() {
	s.logEvent(models.LevelInfo, "Connected to server")

	info := protocol.NewDeviceInfo(
		s.deviceID,
		s.cfg.Gateway.DeviceName,
		runtime.GOOS+"/"+runtime.Version(),
		s.cfg.Gateway.AppVersion,
		time.Now(),
	)
	if err := s.session.Send(info); err != nil {
		s.logger.Warn().Err(err).Msg("device info not sent")
	}

	s.engine.Flush()
}

// OnMessage implements session.Handler.
func (s *Service) OnMessage(data []byte) {
	s.engine.HandleFrame(data)
}

// OnClosed implements session.Handler.
func (s *Service) OnClosed(reason string) {
	s.logEvent(models.LevelWarn, "Disconnected from server")
}

// OnFailed implements session.Handler.
func (s *Service) OnFailed(err error) {
	s.logEvent(models.LevelError, fmt.Sprintf("Connection failed: %v", err))
}

func (s *Service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	s.runRetention(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetention(ctx)
		}
	}
}

func (s *Service) runRetention(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.Retention.Days).UnixMilli()
	n, err := s.store.DeleteJobsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("old jobs purged")
		s.logEvent(models.LevelInfo, fmt.Sprintf("Purged %d jobs older than %d days", n, s.cfg.Retention.Days))
	}
}

func (s *Service) logEvent(level, message string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.store.LogEvent(ctx, time.Now().UnixMilli(), level, message); err != nil {
		s.logger.Error().Err(err).Msg("event log write failed")
	}
}
