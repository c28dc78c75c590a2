package exchange

import (
	"slices"
	"strings"
)

// Claim records that identity takes name. A claim is permanent until the
// epoch is reset: identities cannot re-pick and names cannot be shared.
// It returns the number of distinct claimed names.
func (d *Document) Claim(identity, name string) (int, error) {
	if strings.TrimSpace(identity) == "" {
		return 0, ErrEmptyIdentity
	}
	if !slices.Contains(d.Roster, name) {
		return 0, ErrUnknownName
	}
	if d.HasAssignments() {
		return 0, ErrDrawClosed
	}
	if d.Draw.State != StateIdle {
		return 0, ErrDrawBusy
	}
	if d.Organizer != "" && d.Organizer == identity {
		return 0, ErrOrganizerCannotEnroll
	}
	if _, ok := d.Enrollment[identity]; ok {
		return 0, ErrAlreadyClaimed
	}
	if d.claimant(name) != "" {
		return 0, ErrNameTaken
	}

	d.Enrollment[identity] = name
	return d.ClaimCount(), nil
}

// IsComplete reports whether every roster name has been claimed.
func (d *Document) IsComplete() bool {
	return len(d.Roster) >= MinRosterSize && d.ClaimCount() == len(d.Roster)
}

// ClaimCount returns the number of distinct claimed names.
func (d *Document) ClaimCount() int {
	names := make(map[string]struct{}, len(d.Enrollment))
	for _, name := range d.Enrollment {
		names[name] = struct{}{}
	}
	return len(names)
}

// ResetEnrollment drops every claim.
func (d *Document) ResetEnrollment() {
	d.Enrollment = make(map[string]string)
}

// NameOf returns the name claimed by identity.
func (d *Document) NameOf(identity string) (string, bool) {
	name, ok := d.Enrollment[identity]
	return name, ok
}

// ClaimedNames returns claimed names in roster order.
func (d *Document) ClaimedNames() []string {
	out := make([]string, 0, len(d.Enrollment))
	for _, name := range d.Roster {
		if d.claimant(name) != "" {
			out = append(out, name)
		}
	}
	return out
}

// AvailableNames returns unclaimed names in roster order.
func (d *Document) AvailableNames() []string {
	out := make([]string, 0, len(d.Roster))
	for _, name := range d.Roster {
		if d.claimant(name) == "" {
			out = append(out, name)
		}
	}
	return out
}

func (d *Document) claimant(name string) string {
	for identity, claimed := range d.Enrollment {
		if claimed == name {
			return identity
		}
	}
	return ""
}
