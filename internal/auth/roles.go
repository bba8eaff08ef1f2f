package auth

import (
	"context"
	"fmt"
	"strings"
)

// Role is a built-in membership rank. The ordinal is the hierarchy level:
// 0 is the most privileged.
type Role uint8

const (
	RoleGod Role = iota
	RoleKK
	RoleSumo
	RoleSacerdote
	RoleMaestro
	RoleIniciado
	RoleNovicio
	RoleAdepto
)

var roleNames = [...]string{"god", "kk", "sumo", "sacerdote", "maestro", "iniciado", "novicio", "adepto"}

var roleDescriptions = [...]string{
	"Full control over the site",
	"Site administration",
	"Senior leadership",
	"Leadership",
	"Master; may manage lower ranks",
	"Initiated member",
	"Novice member",
	"Entry-level member",
}

// ManagementThreshold is the lowest-privilege role allowed to manage users and grants.
const ManagementThreshold = RoleMaestro

// Roles returns all roles ordered from most to least privileged.
func Roles() []Role {
	out := make([]Role, len(roleNames))
	for i := range roleNames {
		out[i] = Role(i)
	}
	return out
}

// ParseRole resolves a role name. Names are matched case-insensitively.
func ParseRole(name string) (Role, bool) {
	name = strings.TrimSpace(strings.ToLower(name))
	for i, n := range roleNames {
		if n == name {
			return Role(i), true
		}
	}
	return 0, false
}

// Valid reports whether r is one of the built-in roles.
func (r Role) Valid() bool { return int(r) < len(roleNames) }

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("role(%d)", uint8(r))
	}
	return roleNames[r]
}

// Level is the hierarchy level; lower is more privileged.
func (r Role) Level() int { return int(r) }

// ID is the primary key of the role row.
func (r Role) ID() int64 { return int64(r) + 1 }

// Description is the seeded human description of the role.
func (r Role) Description() string {
	if !r.Valid() {
		return ""
	}
	return roleDescriptions[r]
}

// RoleFromID maps a role row id back to the enum.
func RoleFromID(id int64) (Role, bool) {
	if id < 1 || id > int64(len(roleNames)) {
		return 0, false
	}
	return Role(id - 1), true
}

// Ordering is the result of comparing two role names.
type Ordering int

const (
	Invalid Ordering = iota
	AHigher
	BHigher
	Equal
)

func (o Ordering) String() string {
	switch o {
	case AHigher:
		return "a_higher"
	case BHigher:
		return "b_higher"
	case Equal:
		return "equal"
	default:
		return "invalid"
	}
}

// Compare orders two role names. Unknown names yield Invalid, which callers must
// treat as "no relationship".
func Compare(a, b string) Ordering {
	ra, okA := ParseRole(a)
	rb, okB := ParseRole(b)
	if !okA || !okB {
		return Invalid
	}
	switch {
	case ra.Level() < rb.Level():
		return AHigher
	case ra.Level() > rb.Level():
		return BHigher
	default:
		return Equal
	}
}

// IsHigher reports whether a strictly outranks b.
func IsHigher(a, b string) bool {
	return Compare(a, b) == AHigher
}

// LevelOf returns the level of a role name.
func LevelOf(name string) (int, bool) {
	r, ok := ParseRole(name)
	if !ok {
		return 0, false
	}
	return r.Level(), true
}

// AssignableRoles lists the roles strictly below actor, most privileged first.
func AssignableRoles(actor string) []Role {
	r, ok := ParseRole(actor)
	if !ok {
		return nil
	}
	var out []Role
	for _, candidate := range Roles() {
		if candidate.Level() > r.Level() {
			out = append(out, candidate)
		}
	}
	return out
}

// CanManageUsers reports whether role may create users and grant content access.
func CanManageUsers(role string) bool {
	r, ok := ParseRole(role)
	return ok && r.Level() <= ManagementThreshold.Level()
}

// Satisfies reports whether current meets a required role (equal or higher).
func Satisfies(current, required string) bool {
	switch Compare(current, required) {
	case Equal, AHigher:
		return true
	default:
		return false
	}
}

// RoleRecord is a row of the authoritative roles table.
type RoleRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description,omitempty"`
}

// RoleStore reads the roles table.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]RoleRecord, error)
}

// CheckRoleTable verifies that the stored role rows match the built-in hierarchy.
func CheckRoleTable(ctx context.Context, store RoleStore) error {
	rows, err := store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	if len(rows) != len(roleNames) {
		return fmt.Errorf("roles table has %d rows, want %d", len(rows), len(roleNames))
	}
	for _, row := range rows {
		r, ok := ParseRole(row.Name)
		if !ok {
			return fmt.Errorf("unknown role %q in roles table", row.Name)
		}
		if row.Level != r.Level() || row.ID != r.ID() {
			return fmt.Errorf("role %s stored as id=%d level=%d, want id=%d level=%d",
				r, row.ID, row.Level, r.ID(), r.Level())
		}
	}
	return nil
}

// Record converts the role to its table representation.
func (r Role) Record() RoleRecord {
	return RoleRecord{ID: r.ID(), Name: r.String(), Level: r.Level(), Description: r.Description()}
}

var homepages = map[Role]string{
	RoleGod:       "/pages/god/dashboard",
	RoleKK:        "/pages/kk/dashboard",
	RoleSumo:      "/pages/sumo/dashboard",
	RoleSacerdote: "/pages/sacerdote/dashboard",
	RoleMaestro:   "/pages/maestro/dashboard",
	RoleIniciado:  "/pages/iniciado/dashboard",
	RoleNovicio:   "/pages/novicio/dashboard",
	RoleAdepto:    "/pages/adepto/dashboard",
}

// DefaultHomepage is the landing path for unknown roles.
const DefaultHomepage = "/index"

// Homepage resolves the landing path for a role name.
func Homepage(role string) string {
	r, ok := ParseRole(role)
	if !ok {
		return DefaultHomepage
	}
	if p, ok := homepages[r]; ok {
		return p
	}
	return DefaultHomepage
}
