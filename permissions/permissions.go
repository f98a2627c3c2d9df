// Package permissions derives what a signed-in user may do from their user snapshot.
//
// The result is never cached: callers resolve again whenever they need an answer so a
// role change delivered by a refresh is reflected immediately.
package permissions

import (
	"sort"

	"github.com/jrsteele09/go-session-manager/users"
)

// Capability is a fine-grained action key.
type Capability string

// Clinical capabilities are granted to every active, verified user.
const (
	ViewPatients        Capability = "patients.view"
	ManagePatients      Capability = "patients.manage"
	ViewConsultations   Capability = "consultations.view"
	ManageConsultations Capability = "consultations.manage"
	WritePrescriptions  Capability = "prescriptions.write"
	ViewReports         Capability = "reports.view"
)

// Administrative capabilities require the admin role.
const (
	ManageUsers    Capability = "users.manage"
	ManageSettings Capability = "settings.manage"
	ViewAuditLog   Capability = "audit.view"
)

var clinical = []Capability{
	ViewPatients,
	ManagePatients,
	ViewConsultations,
	ManageConsultations,
	WritePrescriptions,
	ViewReports,
}

var administrative = []Capability{
	ManageUsers,
	ManageSettings,
	ViewAuditLog,
}

// All lists every known capability.
func All() []Capability {
	all := make([]Capability, 0, len(clinical)+len(administrative))
	all = append(all, clinical...)
	return append(all, administrative...)
}

// Set maps every known capability to whether it is granted.
type Set map[Capability]bool

// Has reports whether c is granted.
func (s Set) Has(c Capability) bool {
	return s[c]
}

// Granted returns the granted capabilities in a stable order.
func (s Set) Granted() []Capability {
	granted := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			granted = append(granted, c)
		}
	}
	sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
	return granted
}

// Resolve maps a user snapshot to its capability set. A nil user, an inactive account
// or an unverified account gets every capability set to false.
func Resolve(user *users.User) Set {
	set := make(Set, len(clinical)+len(administrative))
	for _, c := range All() {
		set[c] = false
	}
	if user == nil || !user.IsActive || !user.IsVerified {
		return set
	}

	switch user.Role {
	case users.RoleAdmin:
		for _, c := range administrative {
			set[c] = true
		}
		fallthrough
	case users.RoleClinician:
		for _, c := range clinical {
			set[c] = true
		}
	}
	return set
}
