package models

import "context"

// Notifier delivers operator alerts. Delivery is best effort.
type Notifier interface {
	Alert(ctx context.Context, subject, message string)
}
