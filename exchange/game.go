package exchange

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultCountdownTicks = 10
	DefaultTickInterval   = time.Second

	maxSaveAttempts = 5
)

// Options configures a Game. GameID, Roster, Store and Transport are
// required.
type Options struct {
	GameID    string
	Roster    []string
	Store     StateStore
	Transport Transport
	Events    EventSink

	Clock   clockwork.Clock
	Rand    Shuffler
	Limiter *rate.Limiter

	CountdownTicks int
	TickInterval   time.Duration

	OrganizerSecret string
	EventDate       string
	Budget          string

	Logger zerolog.Logger
}

// Game coordinates enrollment, the draw and panel refreshes for one
// gift exchange.
type Game struct {
	id       string
	roster   []string
	store    StateStore
	events   EventSink
	clock    clockwork.Clock
	ticks    int
	interval time.Duration
	secret   string
	meta     PanelMeta
	log      zerolog.Logger

	panels     *PanelSynchronizer
	dispatcher *NotificationDispatcher

	rngMu sync.Mutex
	rng   Shuffler

	// mu serializes every load, modify and save of the document.
	mu         sync.Mutex
	owner      atomic.Value
	cancelDraw context.CancelFunc

	wake chan struct{}
}

func NewGame(opts Options) (*Game, error) {
	if opts.GameID == "" {
		return nil, newError(KindValidation, CodeInvalidDocument, "game id is required")
	}
	if err := ValidateRoster(opts.Roster); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("exchange: store and transport are required")
	}
	if opts.CountdownTicks < 0 || opts.TickInterval < 0 {
		return nil, errors.New("exchange: countdown must not be negative")
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rand == nil {
		seed, err := NewSeed()
		if err != nil {
			return nil, err
		}
		opts.Rand = NewRand(seed)
	}
	if opts.CountdownTicks == 0 {
		opts.CountdownTicks = DefaultCountdownTicks
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = DefaultTickInterval
	}

	log := opts.Logger.With().Str("game_id", opts.GameID).Logger()

	g := &Game{
		id:       opts.GameID,
		roster:   slices.Clone(opts.Roster),
		store:    opts.Store,
		events:   opts.Events,
		clock:    opts.Clock,
		ticks:    opts.CountdownTicks,
		interval: opts.TickInterval,
		secret:   opts.OrganizerSecret,
		meta: PanelMeta{
			GameID:           opts.GameID,
			EventDate:        opts.EventDate,
			Budget:           opts.Budget,
			OrganizerEnabled: opts.OrganizerSecret != "",
		},
		log:        log,
		panels:     NewPanelSynchronizer(opts.Transport, opts.Limiter, log),
		dispatcher: NewNotificationDispatcher(opts.Transport, opts.Limiter, opts.EventDate, opts.Budget, log),
		rng:        opts.Rand,
		wake:       make(chan struct{}, 1),
	}
	g.owner.Store("")

	return g, nil
}

func (g *Game) ID() string {
	return g.id
}

// Drawing reports whether a draw sequence is running in this process.
func (g *Game) Drawing() bool {
	return g.activeOwner() != ""
}

func (g *Game) activeOwner() string {
	return g.owner.Load().(string)
}

// load reads the document, creating an empty epoch when none exists. A
// draw guard not held by a sequence of this process is stale and is
// released in the returned copy; healed reports whether that happened.
func (g *Game) load(ctx context.Context) (doc *Document, healed bool, err error) {
	doc, err = g.store.Load(ctx, g.id)
	switch {
	case errors.Is(err, ErrNotFound):
		doc = NewDocument(g.roster)
	case err != nil:
		if KindOf(err) == KindPersistence {
			return nil, false, err
		}
		return nil, false, Persistence("load document", err)
	default:
		if err := doc.Migrate(); err != nil {
			return nil, false, err
		}
		if len(doc.Roster) == 0 {
			doc.Roster = slices.Clone(g.roster)
		}
	}

	if (doc.Draw.State.InFlight() || doc.Draw.Guarded()) && doc.Draw.Owner != g.activeOwner() {
		g.log.Warn().Str("state", string(doc.Draw.State)).Str("owner", doc.Draw.Owner).Msg("releasing stale draw guard")
		if doc.Draw.State.InFlight() {
			doc.Draw.State = StateIdle
			doc.Draw.Since = g.clock.Now().UTC()
		}
		doc.Draw.Owner = ""
		healed = true
	}

	return doc, healed, nil
}

// Snapshot returns the current document.
func (g *Game) Snapshot(ctx context.Context) (*Document, error) {
	doc, _, err := g.load(ctx)
	return doc, err
}

// mutate applies fn to a freshly loaded document and saves it. fn may
// return errUnchanged to skip the save.
func (g *Game) mutate(ctx context.Context, fn func(*Document) error) (*Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.mutateLocked(ctx, fn)
}

func (g *Game) mutateLocked(ctx context.Context, fn func(*Document) error) (*Document, error) {
	for attempt := 1; ; attempt++ {
		doc, healed, err := g.load(ctx)
		if err != nil {
			return nil, err
		}

		if err := fn(doc); err != nil {
			if !errors.Is(err, errUnchanged) {
				return nil, err
			}
			if !healed {
				return doc, nil
			}
		}

		err = g.store.CompareAndSwap(ctx, g.id, doc)
		switch {
		case err == nil:
			return doc, nil
		case errors.Is(err, ErrVersionConflict) && attempt < maxSaveAttempts:
			g.log.Debug().Int("attempt", attempt).Msg("document version conflict, retrying")
		case KindOf(err) == KindPersistence:
			return nil, err
		default:
			return nil, Persistence("save document", err)
		}
	}
}

// RequestRefresh schedules a BroadcastRefresh on the RunRefresher loop.
// Requests made while one is pending are coalesced. Every broadcast goes
// through this loop so an older snapshot never lands after a newer one.
func (g *Game) RequestRefresh() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// RunRefresher serves refresh requests until ctx is done.
func (g *Game) RunRefresher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
			if _, err := g.BroadcastRefresh(ctx); err != nil && ctx.Err() == nil {
				g.log.Error().Err(err).Msg("panel refresh failed")
			}
		}
	}
}

func (g *Game) publish(ctx context.Context, event Event) {
	if g.events == nil {
		return
	}
	event.GameID = g.id
	event.At = g.clock.Now().UTC()
	if err := g.events.Publish(ctx, event); err != nil {
		g.log.Debug().Err(err).Str("event", string(event.Type)).Msg("event publish failed")
	}
}

// Panel renders identity's current panel without pushing it.
func (g *Game) Panel(ctx context.Context, identity string) (Panel, error) {
	doc, err := g.Snapshot(ctx)
	if err != nil {
		return Panel{}, err
	}
	return RenderPanel(identity, doc, g.meta), nil
}

// Claim binds identity to name and returns how many names are claimed.
func (g *Game) Claim(ctx context.Context, identity, name string) (int, error) {
	var count int
	doc, err := g.mutate(ctx, func(doc *Document) error {
		n, err := doc.Claim(identity, name)
		count = n
		return err
	})
	claimsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return 0, err
	}

	g.log.Info().Int("claimed", count).Int("total", len(doc.Roster)).Msg("name claimed")
	g.publish(ctx, Event{Type: EventClaimed, Claimed: count, Total: len(doc.Roster)})
	g.RequestRefresh()

	return count, nil
}

// ClaimOrganizer grants identity the organizer role when secret matches.
// Claiming it again as the same identity is a no-op.
func (g *Game) ClaimOrganizer(ctx context.Context, identity, secret string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if g.secret == "" || !hmac.Equal([]byte(secret), []byte(g.secret)) {
		return ErrUnauthorized
	}

	_, err := g.mutate(ctx, func(doc *Document) error {
		switch doc.Organizer {
		case identity:
			return errUnchanged
		case "":
		default:
			return ErrOrganizerTaken
		}
		if _, ok := doc.Enrollment[identity]; ok {
			return ErrAlreadyClaimed
		}
		doc.Organizer = identity
		return nil
	})
	if err != nil {
		return err
	}

	g.log.Info().Msg("organizer role claimed")
	g.RequestRefresh()
	return nil
}

// authorize checks that requester may start or reset the draw: the
// organizer when the role is configured, otherwise any enrolled identity.
func (g *Game) authorize(doc *Document, requester string) error {
	if requester == "" {
		return ErrUnauthorized
	}
	if g.secret != "" {
		if doc.Organizer == "" || doc.Organizer != requester {
			return ErrUnauthorized
		}
		return nil
	}
	if _, ok := doc.Enrollment[requester]; !ok {
		return ErrUnauthorized
	}
	return nil
}

// authorizeReset is authorize, except that a finished draw can only be
// undone by the organizer. Without the role nobody can reset it.
func (g *Game) authorizeReset(doc *Document, requester string) error {
	if err := g.authorize(doc, requester); err != nil {
		return err
	}
	if g.secret == "" && (doc.Draw.State == StateDone || doc.HasAssignments()) {
		return ErrUnauthorized
	}
	return nil
}

// Draw is a running draw sequence.
type Draw struct {
	done   chan struct{}
	report DeliveryReport
	err    error
}

// Done is closed when the sequence has finished and released its guard.
func (d *Draw) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the sequence finishes or ctx is done.
func (d *Draw) Wait(ctx context.Context) (DeliveryReport, error) {
	select {
	case <-d.done:
		return d.report, d.err
	case <-ctx.Done():
		return DeliveryReport{}, ctx.Err()
	}
}

// Start validates the request, takes the draw guard and runs the countdown,
// generation and delivery in the background. Cancelling ctx aborts the
// sequence.
func (g *Game) Start(ctx context.Context, requester string) (*Draw, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Drawing() {
		drawsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrDrawBusy
	}

	owner := uuid.NewString()
	doc, err := g.mutateLocked(ctx, func(doc *Document) error {
		switch doc.Draw.State {
		case StateIdle:
		case StateDone:
			return ErrDrawClosed
		default:
			return ErrDrawBusy
		}
		if err := g.authorize(doc, requester); err != nil {
			return err
		}
		if doc.HasAssignments() {
			return ErrAlreadyDrawn
		}
		if !doc.IsComplete() {
			return ErrNotReady
		}
		doc.Draw = DrawStatus{State: StateCountingDown, Owner: owner, Since: g.clock.Now().UTC()}
		return nil
	})
	if err != nil {
		drawsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	g.owner.Store(owner)
	drawCtx, cancel := context.WithCancel(ctx)
	g.cancelDraw = cancel

	g.log.Info().Str("owner", owner).Int("participants", doc.ClaimCount()).Msg("draw started")

	d := &Draw{done: make(chan struct{})}
	go g.runDraw(drawCtx, owner, d)

	return d, nil
}

// Run starts a draw and waits for it.
func (g *Game) Run(ctx context.Context, requester string) (DeliveryReport, error) {
	d, err := g.Start(ctx, requester)
	if err != nil {
		return DeliveryReport{}, err
	}
	return d.Wait(ctx)
}

func (g *Game) runDraw(ctx context.Context, owner string, d *Draw) {
	defer close(d.done)

	d.report, d.err = g.guardedSequence(ctx, owner)

	after := context.WithoutCancel(ctx)
	if d.err != nil {
		drawsTotal.WithLabelValues("aborted").Inc()
		g.log.Warn().Err(d.err).Msg("draw aborted")
		g.publish(after, Event{Type: EventDrawAborted, Reason: CodeOf(d.err)})
	} else {
		drawsTotal.WithLabelValues("completed").Inc()
		g.log.Info().Int("sent", d.report.Sent).Int("failed", d.report.Failed).Msg("draw completed")
		report := d.report
		g.publish(after, Event{Type: EventDrawCompleted, Report: &report})
	}

	g.RequestRefresh()
}

// guardedSequence runs the draw and always releases the guard, even when
// the sequence panics.
func (g *Game) guardedSequence(ctx context.Context, owner string) (report DeliveryReport, err error) {
	defer g.release(ctx, owner)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("draw sequence panicked: %v", r)
		}
	}()

	return g.drawSequence(ctx, owner)
}

func (g *Game) drawSequence(ctx context.Context, owner string) (DeliveryReport, error) {
	doc, err := g.Snapshot(ctx)
	if err != nil {
		return DeliveryReport{}, err
	}
	g.publish(ctx, Event{Type: EventDrawStarted, Claimed: doc.ClaimCount(), Total: len(doc.Roster)})
	g.RequestRefresh()

	if err := g.countdown(ctx); err != nil {
		return DeliveryReport{}, err
	}

	doc, err = g.mutate(ctx, func(doc *Document) error {
		if doc.Draw.Owner != owner {
			return ErrGuardLost
		}
		doc.Draw.State = StateRunning
		doc.Draw.Since = g.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return DeliveryReport{}, err
	}

	assignments, err := g.generate(doc.Roster)
	if err != nil {
		return DeliveryReport{}, err
	}

	doc, err = g.mutate(ctx, func(doc *Document) error {
		if doc.Draw.Owner != owner {
			return ErrGuardLost
		}
		now := g.clock.Now().UTC()
		doc.Assignments = assignments
		doc.DrawnAt = &now
		doc.Draw = DrawStatus{State: StateDone, Since: now}
		return nil
	})
	if err != nil {
		return DeliveryReport{}, err
	}

	report := g.dispatcher.DeliverAssignments(ctx, doc.Assignments, doc.Enrollment, doc.Organizer)

	_, err = g.mutate(context.WithoutCancel(ctx), func(doc *Document) error {
		if !doc.HasAssignments() {
			return errUnchanged
		}
		doc.LastDelivery = &report
		return nil
	})
	if err != nil {
		g.log.Error().Err(err).Msg("failed to record delivery report")
	}

	return report, nil
}

func (g *Game) countdown(ctx context.Context) error {
	for remaining := g.ticks; remaining > 0; remaining-- {
		g.publish(ctx, Event{Type: EventCountdown, Remaining: remaining})

		timer := g.clock.NewTimer(g.interval)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return wrapError(KindState, CodeAborted, "countdown interrupted", ctx.Err())
		}
	}
	return nil
}

func (g *Game) generate(roster []string) (map[string]string, error) {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()

	return Generate(roster, g.rng)
}

// release drops the draw guard if owner still holds it. In-flight states
// fall back to idle; a completed draw stays done.
func (g *Game) release(ctx context.Context, owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.mutateLocked(context.WithoutCancel(ctx), func(doc *Document) error {
		if doc.Draw.Owner != owner {
			return errUnchanged
		}
		doc.Draw.Owner = ""
		if doc.Draw.State.InFlight() {
			doc.Draw.State = StateIdle
			doc.Draw.Since = g.clock.Now().UTC()
		}
		return nil
	})
	if err != nil {
		g.log.Error().Err(err).Msg("failed to release draw guard")
	}

	g.owner.Store("")
	if g.cancelDraw != nil {
		g.cancelDraw()
		g.cancelDraw = nil
	}
}

// Reset starts a new epoch. A running draw is cancelled and finds its
// guard gone. A finished draw needs the organizer.
func (g *Game) Reset(ctx context.Context, requester string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.mutateLocked(ctx, func(doc *Document) error {
		if err := g.authorizeReset(doc, requester); err != nil {
			return err
		}
		doc.ResetEpoch(g.roster)
		return nil
	})
	if err != nil {
		return err
	}

	if g.cancelDraw != nil {
		g.cancelDraw()
	}

	g.log.Info().Msg("game reset")
	g.publish(ctx, Event{Type: EventReset, Total: len(g.roster)})
	return nil
}

// Recover persists the release of a stale draw guard left behind by a
// crashed process. It is a no-op when the document is consistent.
func (g *Game) Recover(ctx context.Context) error {
	_, err := g.mutate(ctx, func(*Document) error {
		return errUnchanged
	})
	return err
}

// Reveal returns identity's assignment again after the draw.
func (g *Game) Reveal(ctx context.Context, identity string) (AssignmentMessage, error) {
	doc, err := g.Snapshot(ctx)
	if err != nil {
		return AssignmentMessage{}, err
	}
	if !doc.HasAssignments() || doc.Draw.State != StateDone {
		return AssignmentMessage{}, ErrNotDrawn
	}

	giver, ok := doc.NameOf(identity)
	if !ok {
		return AssignmentMessage{}, ErrNotEnrolled
	}

	return AssignmentMessage{
		Giver:     giver,
		Receiver:  doc.Assignments[giver],
		EventDate: g.meta.EventDate,
		Budget:    g.meta.Budget,
	}, nil
}
