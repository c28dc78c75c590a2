package exchange

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverAssignments(t *testing.T) {
	transport := newFakeTransport()
	transport.setUnreachable("u3")
	n := NewNotificationDispatcher(transport, nil, "2026-12-24", "", zerolog.Nop())

	report := n.DeliverAssignments(context.Background(),
		map[string]string{"Ann": "Bob", "Bob": "Cy", "Cy": "Ann"},
		map[string]string{"u1": "Ann", "u2": "Bob", "u3": "Cy"},
		"",
	)

	assert.Equal(t, DeliveryReport{Sent: 2, Failed: 1}, report)

	msg, ok := transport.privateMessage("u2")
	require.True(t, ok)
	assert.Equal(t, AssignmentMessage{Giver: "Bob", Receiver: "Cy", EventDate: "2026-12-24"}, msg)
}

func TestDeliverAssignmentsSkipsOrganizerAndCountsGaps(t *testing.T) {
	transport := newFakeTransport()
	n := NewNotificationDispatcher(transport, nil, "", "", zerolog.Nop())

	report := n.DeliverAssignments(context.Background(),
		map[string]string{"Ann": "Bob", "Bob": "Ann"},
		map[string]string{"u1": "Ann", "boss": "Bob", "u3": "Zed"},
		"boss",
	)

	assert.Equal(t, DeliveryReport{Sent: 1, Failed: 1}, report)
	_, ok := transport.privateMessage("boss")
	assert.False(t, ok)
}

func TestDeliverAssignmentsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := newFakeTransport()
	n := NewNotificationDispatcher(transport, nil, "", "", zerolog.Nop())

	report := n.DeliverAssignments(ctx,
		map[string]string{"Ann": "Bob", "Bob": "Ann"},
		map[string]string{"u1": "Ann", "u2": "Bob"},
		"",
	)

	assert.Equal(t, 2, report.Sent+report.Failed)
}
