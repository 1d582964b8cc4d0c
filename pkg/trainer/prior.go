package trainer

import (
	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

// CurrentPriorLoss is the class-image loss weight for lifetimeEpoch. With
// scaling on it falls linearly from PriorLossWeight to PriorLossWeightMin
// over PriorLossTarget epochs and stays at the minimum afterwards. Unset
// target and minimum are defaulted in cfg.
func CurrentPriorLoss(cfg *runconfig.Config, lifetimeEpoch int, log logging.Interface) float64 {
	if !cfg.PriorLossScale {
		return cfg.PriorLossWeight
	}
	if cfg.PriorLossTarget == 0 {
		cfg.PriorLossTarget = constants.DefaultPriorLossTarget
	}
	if cfg.PriorLossWeightMin == 0 {
		cfg.PriorLossWeightMin = constants.DefaultPriorLossWeightMin
	}
	prior := cfg.PriorLossWeightMin
	if lifetimeEpoch < cfg.PriorLossTarget {
		done := float64(lifetimeEpoch) / float64(cfg.PriorLossTarget)
		prior = cfg.PriorLossWeight*(1-done) + cfg.PriorLossWeightMin*done
	}
	if log != nil {
		log.Debugf("Prior: %v", prior)
	}
	return prior
}
