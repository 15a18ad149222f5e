// Package access decides, per call, what an actor may do with a manuscript.
// Nothing is cached between calls.
package access

import (
	"strings"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
)

// DefaultStaffRoles are the roles allowed to take editorial actions.
var DefaultStaffRoles = []string{"SUPER_ADMIN", "ADMIN", "MANAGER", "EDITOR"}

// Gate evaluates author, reviewer and editorial permissions.
type Gate struct {
	staff map[string]struct{}
}

// NewGate builds a gate for the given staff roles; empty means DefaultStaffRoles.
func NewGate(staffRoles []string) *Gate {
	if len(staffRoles) == 0 {
		staffRoles = DefaultStaffRoles
	}
	g := &Gate{staff: make(map[string]struct{}, len(staffRoles))}
	for _, r := range staffRoles {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r != "" {
			g.staff[r] = struct{}{}
		}
	}
	return g
}

// IsStaff reports whether the actor holds an editorial role.
func (g *Gate) IsStaff(actor model.Actor) bool {
	if !actor.Authenticated() {
		return false
	}
	_, ok := g.staff[strings.ToUpper(actor.Role)]
	return ok
}

// AuthorMatch is the outcome of matching an actor against the author list.
type AuthorMatch struct {
	AuthorID string
	// Claim is set when the match went through the email of an unclaimed
	// author; the caller should bind the actor's id to that author.
	Claim bool
}

// MatchAuthor finds the author entry the actor speaks for. Claimed authors
// match on their bound user id only, so a reused email never inherits
// authorship. Unclaimed authors match on email.
func (g *Gate) MatchAuthor(actor model.Actor, m model.Manuscript) (AuthorMatch, bool) {
	if !actor.Authenticated() {
		return AuthorMatch{}, false
	}
	for _, a := range m.Authors {
		if a.Claimed() && a.UserID == actor.ID {
			return AuthorMatch{AuthorID: a.ID}, true
		}
	}
	// an actor already bound to this manuscript does not claim a second seat
	if m.HasAuthorUser(actor.ID) {
		return AuthorMatch{}, false
	}
	email := model.NormalizeEmail(actor.Email)
	if email == "" {
		return AuthorMatch{}, false
	}
	for _, a := range m.Authors {
		if !a.Claimed() && model.NormalizeEmail(a.Email) == email {
			return AuthorMatch{AuthorID: a.ID, Claim: true}, true
		}
	}
	return AuthorMatch{}, false
}

// CanActAsAuthor covers author actions: listed authors, or staff override.
func (g *Gate) CanActAsAuthor(actor model.Actor, m model.Manuscript) bool {
	if g.IsStaff(actor) {
		return true
	}
	_, ok := g.MatchAuthor(actor, m)
	return ok
}

// CanSubmitReview allows only the reviewer who owns the assignment.
func (g *Gate) CanSubmitReview(actor model.Actor, a model.ReviewAssignment) bool {
	return actor.Authenticated() && actor.ID == a.ReviewerID
}

// CanReadReview allows the owning reviewer and staff.
func (g *Gate) CanReadReview(actor model.Actor, a model.ReviewAssignment) bool {
	return g.CanSubmitReview(actor, a) || g.IsStaff(actor)
}

// CanDecide covers editorial actions: status transitions and assignment.
func (g *Gate) CanDecide(actor model.Actor) bool {
	return g.IsStaff(actor)
}
