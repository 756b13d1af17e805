package ports

import (
	"context"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// AlertNotifier receives monitor alerts. Delivery channel is out of scope.
type AlertNotifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}
