package chat

import (
	"log/slog"
	"time"

	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/realtime"
)

type presenceChange struct {
	handle int64
	online bool
}

// decodeInbound turns a transport event into a normalized message. Decode
// failures are logged as *domain.DecodeError and reported as ok=false.
func decodeInbound(logger *slog.Logger, rec SubscriptionRecord, m realtime.Message, receivedAt time.Time) (envelope.Message, bool) {
	if m.Name != envelope.EventChat {
		logger.Debug("ignoring non-chat event", "topic", rec.Topic, "event", m.Name)
		return envelope.Message{}, false
	}

	props, err := envelope.Parse(m.Data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		logger.Warn("dropping malformed message", "error", &domain.DecodeError{Topic: rec.Topic, Err: err})
		return envelope.Message{}, false
	}

	metrics.MessagesReceived.Inc()
	return envelope.Normalize(props, receivedAt), true
}

// presenceOf maps a presence event to an online flag for a numeric handle.
// Events from unattributable clients report ok=false.
func presenceOf(p realtime.PresenceMessage) (presenceChange, bool) {
	handle, ok := domain.ParseClientID(p.ClientID)
	if !ok {
		return presenceChange{}, false
	}
	online := p.Action == realtime.PresenceEnter || p.Action == realtime.PresenceUpdate
	return presenceChange{handle: handle, online: online}, true
}
