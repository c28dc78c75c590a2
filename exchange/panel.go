package exchange

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Action is something a viewer may do from their panel.
type Action string

const (
	ActionClaim    Action = "claim"
	ActionOrganize Action = "organize"
	ActionStart    Action = "start"
	ActionReset    Action = "reset"
	ActionReveal   Action = "reveal"
)

// Panel is the per-viewer display state.
type Panel struct {
	GameID       string          `json:"game_id"`
	ClaimedName  string          `json:"claimed_name,omitempty"`
	Claimed      int             `json:"claimed"`
	Total        int             `json:"total"`
	Progress     float64         `json:"progress"`
	Available    []string        `json:"available"`
	ClaimedNames []string        `json:"claimed_names"`
	State        DrawState       `json:"state"`
	IsOrganizer  bool            `json:"is_organizer"`
	HasOrganizer bool            `json:"has_organizer"`
	Drawn        bool            `json:"drawn"`
	DrawnAt      *time.Time      `json:"drawn_at,omitempty"`
	Delivery     *DeliveryReport `json:"delivery,omitempty"`
	EventDate    string          `json:"event_date,omitempty"`
	Budget       string          `json:"budget,omitempty"`
	Actions      []Action        `json:"actions"`
}

// PanelMeta is the static part of every panel.
type PanelMeta struct {
	GameID           string
	EventDate        string
	Budget           string
	OrganizerEnabled bool
}

// Can reports whether action is offered on p.
func (p Panel) Can(action Action) bool {
	return slices.Contains(p.Actions, action)
}

// RenderPanel computes what identity should see for doc. It has no side
// effects.
func RenderPanel(identity string, doc *Document, meta PanelMeta) Panel {
	claimedName, enrolled := doc.NameOf(identity)
	claimed := doc.ClaimCount()
	total := len(doc.Roster)

	p := Panel{
		GameID:       meta.GameID,
		ClaimedName:  claimedName,
		Claimed:      claimed,
		Total:        total,
		Available:    doc.AvailableNames(),
		ClaimedNames: doc.ClaimedNames(),
		State:        doc.Draw.State,
		IsOrganizer:  doc.Organizer != "" && doc.Organizer == identity,
		HasOrganizer: doc.Organizer != "",
		Drawn:        doc.HasAssignments(),
		EventDate:    meta.EventDate,
		Budget:       meta.Budget,
		Actions:      []Action{},
	}
	if total > 0 {
		p.Progress = float64(claimed) / float64(total)
	}
	if doc.DrawnAt != nil {
		t := *doc.DrawnAt
		p.DrawnAt = &t
	}
	if doc.LastDelivery != nil {
		r := *doc.LastDelivery
		p.Delivery = &r
	}

	idle := doc.Draw.State == StateIdle && !p.Drawn
	privileged := enrolled
	if meta.OrganizerEnabled {
		privileged = p.IsOrganizer
	}

	if idle && !enrolled && !p.IsOrganizer && len(p.Available) > 0 {
		p.Actions = append(p.Actions, ActionClaim)
	}
	if meta.OrganizerEnabled && !p.HasOrganizer && !enrolled {
		p.Actions = append(p.Actions, ActionOrganize)
	}
	if idle && privileged && doc.IsComplete() {
		p.Actions = append(p.Actions, ActionStart)
	}
	if privileged && !doc.Draw.State.InFlight() && (meta.OrganizerEnabled || (!p.Drawn && doc.Draw.State != StateDone)) {
		p.Actions = append(p.Actions, ActionReset)
	}
	if doc.Draw.State == StateDone && enrolled {
		p.Actions = append(p.Actions, ActionReveal)
	}

	return p
}

// PanelSynchronizer pushes panels through a Transport.
type PanelSynchronizer struct {
	transport Transport
	limiter   *rate.Limiter
	log       zerolog.Logger
}

func NewPanelSynchronizer(transport Transport, limiter *rate.Limiter, log zerolog.Logger) *PanelSynchronizer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &PanelSynchronizer{transport: transport, limiter: limiter, log: log}
}

// Push updates the viewer's surface in place when handle is set, and
// falls back to a fresh surface. It returns the handle the viewer should
// be indexed under; ErrUnreachable means the entry should be dropped.
func (s *PanelSynchronizer) Push(ctx context.Context, identity string, handle SurfaceHandle, panel Panel) (SurfaceHandle, error) {
	if handle != "" {
		err := s.transport.EditPanel(ctx, handle, panel)
		if err == nil {
			panelPushesTotal.WithLabelValues("edited").Inc()
			return handle, nil
		}
		s.log.Debug().Err(err).Str("handle", string(handle)).Msg("panel edit failed, sending a new one")
	}

	next, err := s.transport.SendPanel(ctx, identity, panel)
	if err != nil {
		panelPushesTotal.WithLabelValues("pruned").Inc()
		return "", wrapError(KindDelivery, CodeUnreachable, "send panel", err)
	}
	panelPushesTotal.WithLabelValues("sent").Inc()
	return next, nil
}

// indexChange records what a push did to one subscriber entry.
type indexChange struct {
	identity string
	old      SurfaceHandle
	new      SurfaceHandle
}

func (c indexChange) removed() bool {
	return c.new == ""
}

// applyIndexChanges merges push outcomes into doc. Entries that were
// replaced by a concurrent Open since the push are left alone.
func applyIndexChanges(doc *Document, changes []indexChange) bool {
	changed := false
	for _, c := range changes {
		cur, ok := doc.Subscribers[c.identity]
		if ok && cur != c.old {
			continue
		}
		if !ok && c.old != "" {
			continue
		}
		switch {
		case c.removed():
			if ok {
				delete(doc.Subscribers, c.identity)
				changed = true
			}
		case !ok || cur != c.new:
			doc.Subscribers[c.identity] = c.new
			changed = true
		}
	}
	return changed
}

// BroadcastReport summarises one refresh pass.
type BroadcastReport struct {
	Pushed int
	Pruned int
}

// Open is called when a viewer opens the interface: it always creates a
// new surface and indexes it.
func (g *Game) Open(ctx context.Context, identity string) (Panel, error) {
	if identity == "" {
		return Panel{}, ErrEmptyIdentity
	}

	doc, err := g.Snapshot(ctx)
	if err != nil {
		return Panel{}, err
	}
	panel := RenderPanel(identity, doc, g.meta)

	old := doc.Subscribers[identity]
	handle, err := g.panels.Push(ctx, identity, "", panel)
	change := indexChange{identity: identity, old: old, new: handle}
	if _, ierr := g.commitIndex(ctx, []indexChange{change}); ierr != nil {
		g.log.Error().Err(ierr).Msg("failed to record subscriber")
	}
	if err != nil {
		return panel, err
	}
	return panel, nil
}

// PushPanel refreshes one viewer's panel.
func (g *Game) PushPanel(ctx context.Context, identity string) error {
	doc, err := g.Snapshot(ctx)
	if err != nil {
		return err
	}

	old := doc.Subscribers[identity]
	handle, pushErr := g.panels.Push(ctx, identity, old, RenderPanel(identity, doc, g.meta))
	if _, err := g.commitIndex(ctx, []indexChange{{identity: identity, old: old, new: handle}}); err != nil {
		return err
	}
	return pushErr
}

// BroadcastRefresh pushes the current panel to every indexed viewer, one
// at a time and paced by the limiter. A failing viewer is pruned without
// affecting the others.
func (g *Game) BroadcastRefresh(ctx context.Context) (BroadcastReport, error) {
	var report BroadcastReport

	doc, err := g.Snapshot(ctx)
	if err != nil {
		return report, err
	}

	identities := make([]string, 0, len(doc.Subscribers))
	for identity := range doc.Subscribers {
		identities = append(identities, identity)
	}
	slices.Sort(identities)

	changes := make([]indexChange, 0, len(identities))
	for _, identity := range identities {
		if err := g.panels.limiter.Wait(ctx); err != nil {
			break
		}

		old := doc.Subscribers[identity]
		handle, err := g.panels.Push(ctx, identity, old, RenderPanel(identity, doc, g.meta))
		if err != nil {
			report.Pruned++
		} else {
			report.Pushed++
		}
		changes = append(changes, indexChange{identity: identity, old: old, new: handle})
	}

	if _, err := g.commitIndex(context.WithoutCancel(ctx), changes); err != nil {
		return report, err
	}

	g.log.Debug().Int("pushed", report.Pushed).Int("pruned", report.Pruned).Msg("panels refreshed")
	return report, nil
}

func (g *Game) commitIndex(ctx context.Context, changes []indexChange) (*Document, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	return g.mutate(ctx, func(doc *Document) error {
		if !applyIndexChanges(doc, changes) {
			return errUnchanged
		}
		return nil
	})
}

var errUnchanged = errors.New("document unchanged")
