package a2a

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/internal/transport/natsx"
	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/envelope"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Announcer emits this agent's record on the register subject at startup
// and on every heartbeat interval, keeping the soft-state registry
// current across restarts and prunes.
type Announcer struct {
	client *natsx.Client
	cfg    config.DiscoveryConfig
	logger *logrus.Entry

	mu     sync.Mutex
	record AgentRecord

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewAnnouncer prepares heartbeats for one agent record.
func NewAnnouncer(client *natsx.Client, cfg config.DiscoveryConfig, record AgentRecord, logger *logrus.Logger) (*Announcer, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &Announcer{
		client: client,
		cfg:    cfg,
		logger: utils.ComponentLogger(utils.EnsureLogger(logger), "a2a-announcer"),
		record: record,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// SetHealth updates the health state carried on subsequent heartbeats.
func (a *Announcer) SetHealth(state HealthState) {
	a.mu.Lock()
	a.record.Health = state
	a.mu.Unlock()
}

// Start announces immediately, then on every heartbeat interval until
// Stop. The first announcement's failure is returned so a dead substrate
// surfaces at startup; later failures are logged and retried on the next
// beat.
func (a *Announcer) Start(ctx context.Context) error {
	if err := a.announce(ctx); err != nil {
		return err
	}

	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}

	a.started = true
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				hctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := a.announce(hctx); err != nil {
					a.logger.WithError(err).Warn("Heartbeat failed")
				}
				cancel()
			}
		}
	}()
	return nil
}

// Stop ends the heartbeat loop and waits for the in-flight beat.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	if a.started {
		<-a.done
	}
}

func (a *Announcer) announce(ctx context.Context) error {
	a.mu.Lock()
	rec := a.record.Clone()
	a.mu.Unlock()
	rec.LastHeartbeat = time.Now().UTC()

	meta := envelope.NewMeta()
	meta.Tenant = rec.Tenant

	raw, err := envelope.ToRaw(envelope.New(meta, rec))
	if err != nil {
		return err
	}

	subject := a.cfg.RegisterSubject
	if subject == "" {
		subject = config.DefaultRegisterSubject
	}
	if err := a.client.Publish(ctx, subject, raw); err != nil {
		return err
	}
	a.logger.WithField("agent_id", rec.ID).Debug("Heartbeat announced")
	return nil
}
