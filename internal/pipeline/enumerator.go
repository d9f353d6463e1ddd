package pipeline

import (
	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/enumerate"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/models"
)

func enumeratorStrategy(task *models.BackupTask, cfg config.PipelineConfig) enumerate.Strategy {
	if cfg.UseScanMultithread {
		return enumerate.StrategyConcurrent
	}
	return enumerate.StrategySequential
}

func newEnumerator(strategy enumerate.Strategy, threads int, logger *logging.Logger) *enumerate.Enumerator {
	return enumerate.New(strategy, threads, logger)
}
