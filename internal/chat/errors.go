package chat

import (
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
)

// Content errors wrap pubsub.ErrPoison: the delivery is acked and dropped.
var (
	ErrMissingMessageID = fmt.Errorf("%w: missing external message id", pubsub.ErrPoison)
	ErrInvalidMessage   = fmt.Errorf("%w: invalid incoming message", pubsub.ErrPoison)
	ErrInvalidTask      = fmt.Errorf("%w: invalid outgoing task", pubsub.ErrPoison)
	ErrInvalidPhone     = fmt.Errorf("%w: no phone number in chat id", pubsub.ErrPoison)
	ErrContactNotFound  = fmt.Errorf("%w: contact not found", pubsub.ErrPoison)
	ErrMediaMissing     = fmt.Errorf("%w: media file missing", pubsub.ErrPoison)
	ErrEmptyMessage     = fmt.Errorf("%w: empty text message", pubsub.ErrPoison)
)

// ErrSessionNotConnected is transient: the task is requeued until the
// tenant's session is back.
var ErrSessionNotConnected = errors.New("session not connected")
