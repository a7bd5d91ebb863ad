// Package backup defines the provider boundary the agent drives. Concrete
// copy engines (browser data, mail stores) live outside this repository;
// the directory provider here covers the files category and doubles as the
// reference implementation for the progress-reporting contract.
package backup

import "context"

// Backup categories requested by the service.
const (
	CategoryFiles    = "files"
	CategoryBrowsers = "browsers"
	CategoryEmail    = "email"
	CategorySystem   = "system"
)

// Progress is reported by providers as work advances. Counters are
// cumulative for the attempt.
type Progress struct {
	BytesDone  int64
	BytesTotal int64
	ItemsDone  int64
	ItemsTotal int64
}

// Percent returns completion as 0-100, by bytes when known, else by items.
func (p Progress) Percent() int {
	switch {
	case p.BytesTotal > 0:
		return int(p.BytesDone * 100 / p.BytesTotal)
	case p.ItemsTotal > 0:
		return int(p.ItemsDone * 100 / p.ItemsTotal)
	default:
		return 0
	}
}

// Result is the terminal outcome of one attempt.
type Result struct {
	BytesDone    int64
	ItemsDone    int64
	ManifestPath string
}

// Provider runs one category's backup for one user.
type Provider interface {
	// Name identifies the provider in operation records.
	Name() string
	// Category returns the backup category this provider serves.
	Category() string
	// Estimate sizes the work before starting.
	Estimate(ctx context.Context) (Progress, error)
	// Run performs the backup, invoking report as progress is made.
	Run(ctx context.Context, report func(Progress)) (*Result, error)
}
