package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu          sync.Mutex
	next        int
	unreachable map[string]bool
	surfaces    map[SurfaceHandle]string
	panels      map[string]Panel
	private     map[string]AssignmentMessage
	sends       int
	edits       int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unreachable: make(map[string]bool),
		surfaces:    make(map[SurfaceHandle]string),
		panels:      make(map[string]Panel),
		private:     make(map[string]AssignmentMessage),
	}
}

func (f *fakeTransport) SendPanel(ctx context.Context, identity string, panel Panel) (SurfaceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable[identity] {
		return "", ErrUnreachable
	}
	f.next++
	handle := SurfaceHandle(fmt.Sprintf("surface-%d", f.next))
	f.surfaces[handle] = identity
	f.panels[identity] = panel
	f.sends++
	return handle, nil
}

func (f *fakeTransport) EditPanel(ctx context.Context, handle SurfaceHandle, panel Panel) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	identity, ok := f.surfaces[handle]
	if !ok {
		return ErrSurfaceNotFound
	}
	f.panels[identity] = panel
	f.edits++
	return nil
}

func (f *fakeTransport) SendPrivate(ctx context.Context, identity string, msg AssignmentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable[identity] {
		return ErrUnreachable
	}
	f.private[identity] = msg
	return nil
}

func (f *fakeTransport) setUnreachable(identities ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range identities {
		f.unreachable[identity] = true
	}
}

// dropSurfaces forgets every surface of identity, as if the viewer closed it.
func (f *fakeTransport) dropSurfaces(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for handle, owner := range f.surfaces {
		if owner == identity {
			delete(f.surfaces, handle)
		}
	}
}

func (f *fakeTransport) panel(identity string) (Panel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panels[identity]
	return p, ok
}

func (f *fakeTransport) privateMessage(identity string) (AssignmentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.private[identity]
	return m, ok
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// flakyStore fails saves while failing is set.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, gameID string, doc *Document) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.MemoryStore.CompareAndSwap(ctx, gameID, doc)
}

// countingShuffler never moves anything and counts how often it was asked.
type countingShuffler struct {
	calls int
}

func (c *countingShuffler) Shuffle(n int, swap func(i, j int)) {
	c.calls++
}

type testGame struct {
	*Game
	transport *fakeTransport
	clock     *clockwork.FakeClock
	events    *recordingSink
	store     StateStore
}

func newTestGame(t *testing.T, roster []string, configure ...func(*Options)) *testGame {
	t.Helper()

	tg := &testGame{
		transport: newFakeTransport(),
		clock:     clockwork.NewFakeClock(),
		events:    &recordingSink{},
		store:     NewMemoryStore(),
	}
	opts := Options{
		GameID:    "test",
		Roster:    roster,
		Store:     tg.store,
		Transport: tg.transport,
		Events:    tg.events,
		Clock:     tg.clock,
		Rand:      NewRand(7),
		Logger:    zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	tg.store = opts.Store

	g, err := NewGame(opts)
	require.NoError(t, err)
	tg.Game = g
	return tg
}

// enrollAll has identity "u-<name>" claim every roster name.
func (tg *testGame) enrollAll(t *testing.T) {
	t.Helper()
	for _, name := range tg.roster {
		_, err := tg.Claim(context.Background(), "u-"+name, name)
		require.NoError(t, err)
	}
}

// finish advances the fake clock until d completes.
func (tg *testGame) finish(t *testing.T, d *Draw) (DeliveryReport, error) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-d.Done():
			return d.Wait(context.Background())
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_ = tg.clock.BlockUntilContext(ctx, 1)
		cancel()
		tg.clock.Advance(DefaultTickInterval)
	}

	t.Fatal("draw did not finish")
	return DeliveryReport{}, nil
}

func (tg *testGame) doc(t *testing.T) *Document {
	t.Helper()
	doc, err := tg.Snapshot(context.Background())
	require.NoError(t, err)
	return doc
}
