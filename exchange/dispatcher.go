package exchange

import (
	"context"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NotificationDispatcher privately tells every giver who they drew.
type NotificationDispatcher struct {
	transport Transport
	limiter   *rate.Limiter
	eventDate string
	budget    string
	log       zerolog.Logger
}

func NewNotificationDispatcher(transport Transport, limiter *rate.Limiter, eventDate, budget string, log zerolog.Logger) *NotificationDispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &NotificationDispatcher{
		transport: transport,
		limiter:   limiter,
		eventDate: eventDate,
		budget:    budget,
		log:       log,
	}
}

// DeliverAssignments sends one private message per enrolled identity,
// skipping the organizer. Each delivery stands alone: failures are
// counted and never retried or reported per recipient.
func (n *NotificationDispatcher) DeliverAssignments(ctx context.Context, assignments, enrollment map[string]string, organizer string) DeliveryReport {
	var report DeliveryReport

	identities := make([]string, 0, len(enrollment))
	for identity := range enrollment {
		if identity == organizer {
			continue
		}
		identities = append(identities, identity)
	}
	slices.Sort(identities)

	for _, identity := range identities {
		giver := enrollment[identity]
		receiver, ok := assignments[giver]
		if !ok {
			report.Failed++
			continue
		}

		if err := n.limiter.Wait(ctx); err != nil {
			report.Failed++
			continue
		}

		err := n.transport.SendPrivate(ctx, identity, AssignmentMessage{
			Giver:     giver,
			Receiver:  receiver,
			EventDate: n.eventDate,
			Budget:    n.budget,
		})
		if err != nil {
			report.Failed++
			deliveriesTotal.WithLabelValues("failed").Inc()
			n.log.Debug().Err(err).Msg("assignment delivery failed")
			continue
		}
		report.Sent++
		deliveriesTotal.WithLabelValues("sent").Inc()
	}

	return report
}
