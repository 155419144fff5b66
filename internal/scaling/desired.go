// Package scaling keeps the worker fleet sized to min(pending work, registered resources).
package scaling

import "github.com/ILLUVRSE/account-pool/internal/models"

// Desired is the fleet size for a snapshot: never more workers than pending items,
// never more than there are resources to lease. Negative inputs count as zero.
func Desired(s models.DemandSnapshot) int {
	pending, total := max(s.PendingWork, 0), max(s.Total, 0)
	return min(pending, total)
}
