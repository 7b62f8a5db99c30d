package export

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepConfig controls how the sweep picks up events the inline export missed.
type SweepConfig struct {
	BatchSize  int
	MinAge     time.Duration
	RunTimeout time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		BatchSize:  100,
		MinAge:     30 * time.Second,
		RunTimeout: 30 * time.Second,
	}
}

func NewSweepConfig(cfg config.Config) SweepConfig {
	out := DefaultSweepConfig()
	if cfg.UsageExport.BatchSize > 0 {
		out.BatchSize = cfg.UsageExport.BatchSize
	}
	if cfg.UsageExport.SweepMinAge > 0 {
		out.MinAge = cfg.UsageExport.SweepMinAge
	}
	return out
}

type SweepParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     usagedomain.ExportRepository
	Exporter usagedomain.Exporter `optional:"true"`
	Config   SweepConfig          `optional:"true"`
}

// Sweeper re-exports usage events left unprocessed by a failed inline export.
type Sweeper struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     usagedomain.ExportRepository
	exporter usagedomain.Exporter
	cfg      SweepConfig
}

func NewSweeper(p SweepParams) *Sweeper {
	cfg := p.Config
	defaults := DefaultSweepConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = defaults.MinAge
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}
	return &Sweeper{
		db:       p.DB,
		log:      p.Log.Named("usage.export"),
		clock:    p.Clock,
		repo:     p.Repo,
		exporter: p.Exporter,
		cfg:      cfg,
	}
}

// Enabled reports whether a partner endpoint is configured.
func (s *Sweeper) Enabled() bool {
	return s != nil && s.exporter != nil
}

// RunOnce exports one batch and marks it processed. The rows stay locked for
// the duration so concurrent sweepers skip them.
func (s *Sweeper) RunOnce(parentCtx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(parentCtx, s.cfg.RunTimeout)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.cfg.MinAge)
	exported := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.LockUnprocessed(ctx, tx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		if err := s.exporter.Export(ctx, rows); err != nil {
			return err
		}

		ids := make([]snowflake.ID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		marked, err := s.repo.MarkProcessed(ctx, tx, ids, s.clock.Now())
		if err != nil {
			return err
		}
		exported = int(marked)
		return nil
	})
	if err != nil {
		s.log.Warn("usage export sweep failed", zap.Error(err))
		return 0, err
	}
	if exported > 0 {
		s.log.Info("usage export sweep completed", zap.Int("exported", exported))
	}
	return exported, nil
}
