package events

import (
	"context"
	"time"
)

// DefaultKeepalive is the idle interval after which a keepalive is emitted.
const DefaultKeepalive = 20 * time.Second

// EmitFunc writes one event to the client. A returned error ends the stream.
type EmitFunc func(Event) error

// Stream drives sub until ctx is done or emit fails. It first emits a
// connected event, then every queued event, and a keepalive whenever nothing
// was sent for the keepalive interval. The subscription is removed on return.
func (b *Broker) Stream(ctx context.Context, sub *Subscription, keepalive time.Duration, emit EmitFunc) error {
	defer b.Unsubscribe(sub)
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}

	if err := emit(Event{"type": TypeConnected}); err != nil {
		return err
	}

	idle := time.NewTimer(keepalive)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C:
			if err := emit(ev); err != nil {
				return err
			}
		case <-idle.C:
			if err := emit(Event{"type": TypeKeepalive}); err != nil {
				return err
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(keepalive)
	}
}
