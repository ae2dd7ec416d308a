package gossip

import "context"

// Mux routes each variant to its own callback. Variants without a callback
// go to Fallback, or are dropped if it is nil too.
type Mux struct {
	PatternUpdate  func(context.Context, PatternUpdate)
	LearningUpdate func(context.Context, LearningUpdate)
	PeerAnnounce   func(context.Context, PeerAnnounce)
	HealthPing     func(context.Context, HealthPing)
	HealthPong     func(context.Context, HealthPong)
	Fallback       Handler
}

var _ Handler = (*Mux)(nil)

func (m *Mux) HandleGossip(ctx context.Context, msg Message) {
	switch v := msg.(type) {
	case PatternUpdate:
		if m.PatternUpdate != nil {
			m.PatternUpdate(ctx, v)
			return
		}
	case LearningUpdate:
		if m.LearningUpdate != nil {
			m.LearningUpdate(ctx, v)
			return
		}
	case PeerAnnounce:
		if m.PeerAnnounce != nil {
			m.PeerAnnounce(ctx, v)
			return
		}
	case HealthPing:
		if m.HealthPing != nil {
			m.HealthPing(ctx, v)
			return
		}
	case HealthPong:
		if m.HealthPong != nil {
			m.HealthPong(ctx, v)
			return
		}
	}

	if m.Fallback != nil {
		m.Fallback.HandleGossip(ctx, msg)
	}
}
