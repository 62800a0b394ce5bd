package outbound

import (
	"context"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// EventSink defines the interface for publishing position events.
type EventSink interface {
	// Publish publishes a completed operation's event.
	// Accepts DepositAndBorrowEvent or PaybackAndWithdrawEvent.
	Publish(ctx context.Context, event entity.PositionEvent) error

	// Close closes the sink and releases any resources.
	Close() error
}
