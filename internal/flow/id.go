package flow

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ID identifies a flow. Three forms exist:
//
//	random       a uuid
//	from a name  "flow-<slug>"; the same name always yields the same id
//	scoped       "user:<id>:<slug>", "system:<slug>", "category:<c>:<slug>"
type ID string

// NewID returns a random id.
func NewID() ID {
	return ID(uuid.NewString())
}

// IDFromName derives a deterministic id from a flow name.
func IDFromName(name string) ID {
	return ID("flow-" + Slug(name))
}

// UserScoped returns an id grouping the flow under a user.
func UserScoped(userID, name string) ID {
	return ID(fmt.Sprintf("user:%s:%s", userID, Slug(name)))
}

// SystemScoped returns an id for a system-wide flow.
func SystemScoped(name string) ID {
	return ID("system:" + Slug(name))
}

// CategoryScoped returns an id grouping the flow under a category.
func CategoryScoped(category, name string) ID {
	return ID(fmt.Sprintf("category:%s:%s", Slug(category), Slug(name)))
}

// Scope is the prefix of a scoped id: "user", "system" or "category".
// Unscoped ids return "".
func (id ID) Scope() string {
	s := string(id)
	for _, p := range []string{"user", "system", "category"} {
		if strings.HasPrefix(s, p+":") {
			return p
		}
	}
	return ""
}

// Owner is the user id or category of a scoped id, or "".
func (id ID) Owner() string {
	switch id.Scope() {
	case "user", "category":
		parts := strings.SplitN(string(id), ":", 3)
		if len(parts) == 3 {
			return parts[1]
		}
	}
	return ""
}

func (id ID) String() string { return string(id) }

// Slug lowercases s and collapses every run of characters that are not
// letters or digits into a single "-".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
