package entity

import (
	"fmt"

	"github.com/user/pulldb/internal/kv"
)

// Kind names an entity type.
type Kind string

// Key identifies one entity. Parent is the owning ancestor (a user for
// per-user records, a volume for issues) and is empty for root entities.
type Key struct {
	Kind   Kind
	Parent string
	ID     string
}

// NewKey builds a key.
func NewKey(kind Kind, parent, id string) Key {
	return Key{Kind: kind, Parent: parent, ID: id}
}

func (k Key) IsZero() bool {
	return k.Kind == "" && k.Parent == "" && k.ID == ""
}

func (k Key) String() string {
	if k.Parent == "" {
		return fmt.Sprintf("%s/%s", k.Kind, k.ID)
	}
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Parent, k.ID)
}

func (k Key) validate() error {
	if k.Kind == "" || k.ID == "" {
		return fmt.Errorf("incomplete key %q", k.String())
	}
	for name, v := range map[string]string{"kind": string(k.Kind), "parent": k.Parent, "id": k.ID} {
		if err := kv.ValidatePart(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (k Key) bytes() []byte {
	return kv.EntityKey(string(k.Kind), k.Parent, k.ID)
}

func keyFromBytes(b []byte) (Key, bool) {
	kind, parent, id, ok := kv.SplitEntityKey(b)
	if !ok {
		return Key{}, false
	}
	return Key{Kind: Kind(kind), Parent: parent, ID: id}, true
}

// Entity is anything the store can persist.
type Entity interface {
	EntityKey() Key
}
