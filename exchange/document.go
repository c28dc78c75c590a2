package exchange

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// SchemaVersion is the document layout written by this build.
const SchemaVersion = 1

// MinRosterSize is the smallest roster that admits a derangement (a swap).
const MinRosterSize = 2

// DrawState is the position of a game in the draw state machine.
type DrawState string

const (
	StateIdle         DrawState = "idle"
	StateCountingDown DrawState = "counting_down"
	StateRunning      DrawState = "running"
	StateDone         DrawState = "done"
)

func (s DrawState) Valid() bool {
	switch s {
	case StateIdle, StateCountingDown, StateRunning, StateDone:
		return true
	}
	return false
}

// InFlight reports whether a draw sequence owns the game in this state.
func (s DrawState) InFlight() bool {
	return s == StateCountingDown || s == StateRunning
}

func (s *DrawState) UnmarshalText(text []byte) error {
	v := DrawState(text)
	if v != "" && !v.Valid() {
		return wrapError(KindValidation, CodeInvalidDocument, "decode draw state", fmt.Errorf("unknown state %q", text))
	}
	*s = v
	return nil
}

// DrawStatus is the draw state together with the exclusivity guard.
// The guard is held while Owner is non-empty.
type DrawStatus struct {
	State DrawState `json:"state"`
	Owner string    `json:"owner,omitempty"`
	Since time.Time `json:"since,omitzero"`
}

func (d DrawStatus) Guarded() bool {
	return d.Owner != ""
}

// SurfaceHandle is an opaque reference to a viewer's panel, issued by the transport.
type SurfaceHandle string

// DeliveryReport counts private deliveries without naming recipients.
type DeliveryReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Document is the whole coordination state of one game. It is always
// loaded and saved as a unit.
type Document struct {
	Schema       int                      `json:"schema"`
	Version      uint64                   `json:"version"`
	Roster       []string                 `json:"roster"`
	Enrollment   map[string]string        `json:"enrollment"`
	Assignments  map[string]string        `json:"assignments"`
	DrawnAt      *time.Time               `json:"drawn_at,omitempty"`
	Draw         DrawStatus               `json:"draw"`
	Subscribers  map[string]SurfaceHandle `json:"subscribers"`
	Organizer    string                   `json:"organizer,omitempty"`
	LastDelivery *DeliveryReport          `json:"last_delivery,omitempty"`
}

// NewDocument returns an empty epoch over roster.
func NewDocument(roster []string) *Document {
	return &Document{
		Schema:      SchemaVersion,
		Roster:      slices.Clone(roster),
		Enrollment:  make(map[string]string),
		Assignments: make(map[string]string),
		Draw:        DrawStatus{State: StateIdle},
		Subscribers: make(map[string]SurfaceHandle),
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	c := *d
	c.Roster = slices.Clone(d.Roster)
	c.Enrollment = maps.Clone(d.Enrollment)
	c.Assignments = maps.Clone(d.Assignments)
	c.Subscribers = maps.Clone(d.Subscribers)
	if d.DrawnAt != nil {
		t := *d.DrawnAt
		c.DrawnAt = &t
	}
	if d.LastDelivery != nil {
		r := *d.LastDelivery
		c.LastDelivery = &r
	}
	return &c
}

func (d *Document) HasAssignments() bool {
	return len(d.Assignments) > 0
}

// ResetEpoch starts a new epoch over roster. The organizer is kept.
func (d *Document) ResetEpoch(roster []string) {
	d.Roster = slices.Clone(roster)
	d.ResetEnrollment()
	d.Assignments = make(map[string]string)
	d.DrawnAt = nil
	d.Draw = DrawStatus{State: StateIdle}
	d.Subscribers = make(map[string]SurfaceHandle)
	d.LastDelivery = nil
}

// Migrate upgrades a decoded document to SchemaVersion and validates it.
// Schema 0 documents predate the typed draw state; their state is derived
// from whether assignments exist.
func (d *Document) Migrate() error {
	if d.Schema > SchemaVersion {
		return wrapError(KindValidation, CodeInvalidDocument, "migrate document",
			fmt.Errorf("schema %d is newer than %d", d.Schema, SchemaVersion))
	}

	if d.Enrollment == nil {
		d.Enrollment = make(map[string]string)
	}
	if d.Assignments == nil {
		d.Assignments = make(map[string]string)
	}
	if d.Subscribers == nil {
		d.Subscribers = make(map[string]SurfaceHandle)
	}

	if d.Schema == 0 {
		if d.Draw.State == "" {
			d.Draw = DrawStatus{State: StateIdle}
			if d.HasAssignments() {
				d.Draw.State = StateDone
			}
		}
		d.Schema = SchemaVersion
	}

	return d.Validate()
}

// Validate checks the document invariants.
func (d *Document) Validate() error {
	invalid := func(format string, args ...any) error {
		return wrapError(KindValidation, CodeInvalidDocument, "validate document", fmt.Errorf(format, args...))
	}

	if !d.Draw.State.Valid() {
		return invalid("draw state %q", d.Draw.State)
	}
	if len(d.Roster) > 0 {
		if err := ValidateRoster(d.Roster); err != nil {
			return err
		}
	}

	seen := make(map[string]string, len(d.Enrollment))
	for identity, name := range d.Enrollment {
		if len(d.Roster) > 0 && !slices.Contains(d.Roster, name) {
			return invalid("enrolled name %q is not on the roster", name)
		}
		if other, ok := seen[name]; ok {
			return invalid("name %q claimed by %q and %q", name, other, identity)
		}
		seen[name] = identity
	}

	if d.HasAssignments() {
		if err := checkDerangement(d.Roster, d.Assignments); err != nil {
			return invalid("assignments: %v", err)
		}
		if d.DrawnAt == nil {
			return invalid("assignments without a completion time")
		}
	}

	return nil
}

// ValidateRoster checks that roster has at least MinRosterSize distinct,
// non-blank names.
func ValidateRoster(roster []string) error {
	if len(roster) < MinRosterSize {
		return wrapError(KindValidation, CodeInvalidRoster, "validate roster",
			fmt.Errorf("need at least %d names, got %d", MinRosterSize, len(roster)))
	}

	seen := make(map[string]bool, len(roster))
	for _, name := range roster {
		if strings.TrimSpace(name) == "" {
			return wrapError(KindValidation, CodeInvalidRoster, "validate roster", fmt.Errorf("blank name"))
		}
		if seen[name] {
			return wrapError(KindValidation, CodeInvalidRoster, "validate roster", fmt.Errorf("duplicate name %q", name))
		}
		seen[name] = true
	}
	return nil
}
