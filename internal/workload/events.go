package workload

import (
	"context"
	"math/rand/v2"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/wesleyorama2/volley/internal/event"
	"github.com/wesleyorama2/volley/internal/selector"
	"github.com/wesleyorama2/volley/internal/session"
)

// Event call tags.
const (
	TagLoginEvent = "login_event"
	TagStatEvent  = "stat_event"
)

type eventKind int

const (
	eventLogin eventKind = iota
	eventStat
)

// randReader feeds uuid generation from a VU's seeded source, so event ids
// are reproducible for a given seed.
type randReader struct {
	r *rand.Rand
}

func (rr randReader) Read(p []byte) (int, error) {
	for i := 0; i < len(p); i += 8 {
		v := rr.r.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}

// NewEventID returns a random UUID drawn from r.
func NewEventID(r *rand.Rand) string {
	id, err := uuid.NewRandomFromReader(randReader{r: r})
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// buildEvents sends one gameplay event per arrival over the VU's two
// persistent event handler connections, opened on first use and kept for
// the life of the slot.
func buildEvents(o Options) (*session.Journey, error) {
	kinds := selector.MustNew(
		selector.Entry[eventKind]{Value: eventLogin, Weight: 0.2},
		selector.Entry[eventKind]{Value: eventStat, Weight: 0.8},
	)
	statCodes, err := selector.Uniform(event.StatCodes...)
	if err != nil {
		return nil, err
	}

	run := func(ctx context.Context, vu *session.VirtualUser) error {
		rec := o.begin(vu)
		id := NewEventID(vu.Rand)

		if kinds.Pick(vu.Rand) == eventLogin {
			msg := event.NewLogin(id, rec.User.ID, o.Namespace)
			res := vu.Invoke(ctx, ConnLogin, event.LoginMethod, msg, &emptypb.Empty{}, TagLoginEvent, nil)
			vu.Check("Event: login OK", res.OK(), nil)
			return res.Err
		}

		msg := event.NewStatUpdate(id, rec.User.ID, o.Namespace, statCodes.Pick(vu.Rand), float64(vu.Rand.IntN(1000)))
		res := vu.Invoke(ctx, ConnStat, event.StatMethod, msg, &emptypb.Empty{}, TagStatEvent, nil)
		vu.Check("Event: stat OK", res.OK(), nil)
		return res.Err
	}

	return &session.Journey{
		Name:  Events,
		Steps: []session.Step{{Name: "send_event", Run: run}},
	}, nil
}
