package bus

import "io"

// Fleet-wide subjects. Every instance subscribes to SubjectDirect on boot;
// the registry publishes there when the target user has no local sockets.
const (
	SubjectUserOnline  = "drift.user.online"
	SubjectUserOffline = "drift.user.offline"
	SubjectDirect      = "drift.direct"
	SubjectMatchFound  = "drift.match.found"
)

// Handler receives a published message. Handlers run on the bus delivery
// goroutine and must not block.
type Handler func(subject string, data []byte)

// Bus is the fleet-wide publish/subscribe channel. Delivery is best-effort
// at-most-once; ordering is preserved per subject per publisher.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h Handler) (io.Closer, error)
	Close()
}
