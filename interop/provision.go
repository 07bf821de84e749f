package interop

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"

	"github.com/thibmeu/daphne/dap"
	"github.com/thibmeu/daphne/hpke"
)

// HPKE config IDs the harness provisions. Stable IDs keep republishing
// idempotent across runs against the same aggregators.
const (
	leaderConfigID    = 1
	helperConfigID    = 2
	collectorConfigID = 3
)

// Provisioner establishes the task and key configuration Leader, Helper and
// Collector must agree on before any report flows. Key material and the
// built descriptor are cached on first use, so repeating any step republishes
// identical state instead of conflicting with it.
type Provisioner struct {
	cfg Config
	api *api

	leaderCfg    *hpke.ReceiverConfig
	helperCfg    *hpke.ReceiverConfig
	collectorCfg *hpke.ReceiverConfig
	task         *dap.TaskDescriptor
}

func NewProvisioner(cfg Config, opts Options) *Provisioner {
	return &Provisioner{cfg: cfg, api: newAPI(cfg, opts)}
}

// Reset wipes all state on both aggregators. Destructive, test-only; the
// sequencer calls it before provisioning so leftovers from a prior run
// cannot conflict.
func (p *Provisioner) Reset(ctx context.Context) error {
	for _, base := range []string{p.cfg.Leader, p.cfg.Helper} {
		endpoint, err := joinURL(base, "internal", "delete_all")
		if err != nil {
			return err
		}
		if err := p.api.postJSON(ctx, "reset", endpoint, "", nil, nil, true); err != nil {
			return err
		}
		p.api.log.Info("reset aggregator state", "endpoint", endpoint)
	}
	return nil
}

// WaitReady blocks until both aggregators answer their readiness probe,
// retrying transport failures until the configured ceiling. A non-network
// refusal surfaces immediately.
func (p *Provisioner) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout.Std())
	defer cancel()

	for _, base := range []string{p.cfg.Leader, p.cfg.Helper} {
		endpoint, err := joinURL(base, "internal", "test", "ready")
		if err != nil {
			return err
		}
		for {
			err := p.api.postJSON(ctx, "wait-ready", endpoint, "", nil, nil, false)
			if err == nil {
				break
			}
			if !IsKind(err, KindNetwork) {
				return err
			}
			if sleepErr := sleep(ctx, p.cfg.PollInterval.Std()); sleepErr != nil {
				return networkErr("wait-ready", endpoint,
					fmt.Errorf("aggregator not ready before deadline: %w", err))
			}
		}
		p.api.log.Info("aggregator ready", "endpoint", endpoint)
	}
	return nil
}

// PublishHpkeConfigs pushes each aggregator its receiver config. Calling it
// again republishes the same key material, which the aggregators accept as a
// no-op.
func (p *Provisioner) PublishHpkeConfigs(ctx context.Context) error {
	if err := p.ensureKeys(); err != nil {
		return err
	}
	targets := []struct {
		base string
		rc   *hpke.ReceiverConfig
	}{
		{p.cfg.Leader, p.leaderCfg},
		{p.cfg.Helper, p.helperCfg},
	}
	for _, target := range targets {
		endpoint, err := joinURL(target.base, "internal", "test", "add_hpke_config")
		if err != nil {
			return err
		}
		if err := p.api.postJSON(ctx, "publish-hpke", endpoint, "", target.rc, nil, true); err != nil {
			return err
		}
		p.api.log.Info("published HPKE config", "endpoint", endpoint, "config_id", target.rc.Config.ID)
	}
	return nil
}

// RegisterTask registers the task on both aggregators, leader first. The
// descriptor is built once and reused, so re-registration is idempotent; the
// helper's copy never carries the collector credentials.
func (p *Provisioner) RegisterTask(ctx context.Context) (*dap.TaskDescriptor, error) {
	task, err := p.Task()
	if err != nil {
		return nil, err
	}

	for _, target := range []struct {
		base string
		td   *dap.TaskDescriptor
	}{
		{p.cfg.Leader, task},
		{p.cfg.Helper, task.HelperView()},
	} {
		endpoint, err := joinURL(target.base, "internal", "test", "add_task")
		if err != nil {
			return nil, err
		}
		if err := p.api.postJSON(ctx, "register-task", endpoint, "", target.td, nil, true); err != nil {
			return nil, err
		}
		p.api.log.Info("registered task",
			"endpoint", endpoint, "task_id", task.TaskID.String(), "role", target.td.Role)
	}
	return task, nil
}

// Provision publishes the HPKE configs and registers the task. Reset and
// WaitReady stay separate calls: resetting is destructive and the sequencer
// decides when it happens.
func (p *Provisioner) Provision(ctx context.Context) (*dap.TaskDescriptor, error) {
	if err := p.PublishHpkeConfigs(ctx); err != nil {
		return nil, err
	}
	return p.RegisterTask(ctx)
}

// Task returns the leader-view descriptor this provisioner registers,
// building it on first call.
func (p *Provisioner) Task() (*dap.TaskDescriptor, error) {
	if p.task != nil {
		return p.task, nil
	}

	var taskID dap.TaskID
	var err error
	if p.cfg.TaskID != "" {
		taskID, err = dap.ParseTaskID(p.cfg.TaskID)
	} else {
		taskID, err = dap.NewTaskID()
	}
	if err != nil {
		return nil, err
	}

	verifyKey := make([]byte, 16)
	if _, err := rand.Read(verifyKey); err != nil {
		return nil, fmt.Errorf("generating VDAF verify key: %w", err)
	}

	collectorCfg, err := p.CollectorConfig()
	if err != nil {
		return nil, err
	}
	collectorBytes, err := collectorCfg.Config.MarshalBinary()
	if err != nil {
		return nil, err
	}

	task := &dap.TaskDescriptor{
		TaskID:              taskID,
		Leader:              p.cfg.Leader,
		Helper:              p.cfg.Helper,
		Vdaf:                dap.VdafSpec{Type: p.cfg.VdafType, Bits: p.cfg.VdafBits},
		LeaderAuthToken:     p.cfg.LeaderToken,
		CollectorAuthToken:  p.cfg.CollectorToken,
		Role:                dap.RoleNameLeader,
		VdafVerifyKey:       verifyKey,
		QueryType:           p.cfg.QueryType,
		MinBatchSize:        p.cfg.MinBatchSize,
		MaxBatchSize:        p.cfg.MaxBatchSize,
		TimePrecision:       dap.Duration(p.cfg.TimePrecision),
		CollectorHpkeConfig: collectorBytes,
		TaskExpiration:      dap.Time(p.api.now().Add(p.cfg.TaskLifetime.Std()).Unix()),
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	p.task = task
	return task, nil
}

// CollectorConfig returns the collector's HPKE receiver config, generating
// or loading it on first call. With CollectorConfigFile set, an existing
// file wins and fresh key material is persisted there, so the private key
// survives for later offline decoding.
func (p *Provisioner) CollectorConfig() (*hpke.ReceiverConfig, error) {
	if p.collectorCfg != nil {
		return p.collectorCfg, nil
	}

	if path := p.cfg.CollectorConfigFile; path != "" {
		rc, err := hpke.ReadFile(path)
		switch {
		case err == nil:
			p.collectorCfg = rc
			return rc, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
		rc, err = hpke.Generate(collectorConfigID)
		if err != nil {
			return nil, err
		}
		if err := rc.WriteFile(path); err != nil {
			return nil, err
		}
		p.collectorCfg = rc
		return rc, nil
	}

	rc, err := hpke.Generate(collectorConfigID)
	if err != nil {
		return nil, err
	}
	p.collectorCfg = rc
	return rc, nil
}

func (p *Provisioner) ensureKeys() error {
	if _, err := p.CollectorConfig(); err != nil {
		return err
	}
	if p.leaderCfg == nil {
		rc, err := hpke.Generate(leaderConfigID)
		if err != nil {
			return err
		}
		p.leaderCfg = rc
	}
	if p.helperCfg == nil {
		rc, err := hpke.Generate(helperConfigID)
		if err != nil {
			return err
		}
		p.helperCfg = rc
	}
	return nil
}
