// Package quota computes whether a user's cloud storage can accommodate
// their backup and classifies the headroom into health levels. Raw usage
// numbers come from an external collaborator (the native sync client); only
// the gating math lives here.
package quota

import (
	"context"
	"fmt"
	"math"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/store"
)

// UsageReader supplies cloud storage usage for a user. Implementations wrap
// the platform sync client; tests supply fixed numbers.
type UsageReader interface {
	Usage(ctx context.Context, userID string) (totalMB, usedMB int64, err error)
}

// Gate evaluates backup requirements against cloud quota.
type Gate struct {
	cfg config.QuotaConfig
}

// NewGate creates a quota gate with the given policy.
func NewGate(cfg config.QuotaConfig) *Gate {
	return &Gate{cfg: cfg}
}

// RequiredMB computes the space a user's backup needs: profile size scaled
// by the expected compression ratio, plus the safety margin.
func (g *Gate) RequiredMB(profileSizeBytes int64) int64 {
	sizeMB := float64(profileSizeBytes) / (1024 * 1024)
	return int64(math.Ceil(sizeMB*g.cfg.CompressionRatio)) + g.cfg.SafetyMarginMB
}

// Evaluate classifies a user's cloud-storage health for a required backup
// size. AvailableMB is always TotalMB - UsedMB.
func (g *Gate) Evaluate(userID string, totalMB, usedMB, requiredMB int64) *store.QuotaStatus {
	available := totalMB - usedMB
	q := &store.QuotaStatus{
		UserID:      userID,
		TotalMB:     totalMB,
		UsedMB:      usedMB,
		AvailableMB: available,
		RequiredMB:  requiredMB,
	}

	var usedPct float64
	if totalMB > 0 {
		usedPct = float64(usedMB) / float64(totalMB) * 100
	}

	fits := requiredMB <= available
	marginalFit := fits && available-requiredMB < requiredMB/10

	// Health follows the usage thresholds and the fit test. A marginal fit
	// (under 10% headroom) is surfaced as an issue but a fitting backup at
	// healthy usage stays Healthy.
	switch {
	case available <= 0:
		q.Health = store.HealthExceeded
		q.Issues = append(q.Issues, "cloud storage is full")
	case usedPct > g.cfg.CriticalThresholdPct || !fits:
		q.Health = store.HealthCritical
		if !fits {
			q.Issues = append(q.Issues,
				fmt.Sprintf("backup needs %d MB but only %d MB is available", requiredMB, available))
		}
		if usedPct > g.cfg.CriticalThresholdPct {
			q.Issues = append(q.Issues, fmt.Sprintf("storage %.0f%% used", usedPct))
		}
	case usedPct >= g.cfg.WarningThresholdPct:
		q.Health = store.HealthWarning
		q.Issues = append(q.Issues, fmt.Sprintf("storage %.0f%% used", usedPct))
		if marginalFit {
			q.Issues = append(q.Issues,
				fmt.Sprintf("backup fits with only %d MB to spare", available-requiredMB))
		}
	default:
		q.Health = store.HealthHealthy
		if marginalFit {
			q.Issues = append(q.Issues,
				fmt.Sprintf("backup fits with only %d MB to spare", available-requiredMB))
		}
	}

	if !fits {
		q.ShortfallMB = requiredMB - available
		if q.ShortfallMB < 0 {
			q.ShortfallMB = requiredMB
		}
		q.Recommendations = append(q.Recommendations,
			fmt.Sprintf("free at least %d MB of cloud storage or request a quota increase", q.ShortfallMB))
	}
	if q.Health == store.HealthWarning {
		q.Recommendations = append(q.Recommendations, "consider cleaning up cloud storage before backup")
	}
	return q
}

// IsBlocking reports whether the health level denies starting a backup.
func IsBlocking(health store.HealthLevel) bool {
	return health == store.HealthExceeded
}

// NeedsEscalation reports whether the health level should page IT when
// auto-escalation is enabled.
func NeedsEscalation(health store.HealthLevel) bool {
	return health == store.HealthCritical || health == store.HealthExceeded
}
