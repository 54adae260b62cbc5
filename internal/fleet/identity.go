package fleet

import (
	"fmt"
	"sort"
)

// Broker is the endpoint a device publishes to.
type Broker struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// Credentials authenticate one device connection.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Identity is everything needed to open a device connection. Name is for
// display only and is not part of the connection key.
type Identity struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Broker      Broker      `json:"broker"`
	Credentials Credentials `json:"credentials"`
}

// DisplayName returns Name, or the id when no name is set.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// sameConnection reports whether two identities open the same connection.
func (i Identity) sameConnection(o Identity) bool {
	return i.ID == o.ID && i.Broker == o.Broker && i.Credentials == o.Credentials
}

// Delta is the outcome of comparing the active set to a desired set. Both
// lists are sorted by device id. A device whose broker or credentials
// changed appears in Remove with its old identity and in Add with the new.
type Delta struct {
	Remove []Identity `json:"remove"`
	Add    []Identity `json:"add"`
}

// Empty reports whether nothing needs to change.
func (d Delta) Empty() bool {
	return len(d.Remove) == 0 && len(d.Add) == 0
}

// Diff compares the current connections with the desired set.
func Diff(current, desired []Identity) Delta {
	cur := make(map[string]Identity, len(current))
	for _, id := range current {
		cur[id.ID] = id
	}
	want := make(map[string]Identity, len(desired))
	for _, id := range desired {
		want[id.ID] = id
	}

	var d Delta
	for id, old := range cur {
		if next, ok := want[id]; !ok || !old.sameConnection(next) {
			d.Remove = append(d.Remove, old)
		}
	}
	for id, next := range want {
		if old, ok := cur[id]; !ok || !old.sameConnection(next) {
			d.Add = append(d.Add, next)
		}
	}

	sortByID(d.Remove)
	sortByID(d.Add)
	return d
}

// ValidateDesired rejects desired sets that cannot be applied.
func ValidateDesired(desired []Identity) error {
	seen := make(map[string]bool, len(desired))
	for i, id := range desired {
		if id.ID == "" {
			return fmt.Errorf("%w: device %d has no id", ErrInvalidIdentity, i)
		}
		if id.Broker.Host == "" {
			return fmt.Errorf("%w: device %s has no broker host", ErrInvalidIdentity, id.ID)
		}
		if seen[id.ID] {
			return fmt.Errorf("%w: device %s listed twice", ErrInvalidIdentity, id.ID)
		}
		seen[id.ID] = true
	}
	return nil
}

func sortByID(ids []Identity) {
	sort.Slice(ids, func(a, b int) bool { return ids[a].ID < ids[b].ID })
}
