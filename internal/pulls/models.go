// Package pulls is the pull ledger: each user's acquisition, read and
// ignore state for catalog issues, and the batch operations that move it.
package pulls

import (
	"fmt"
	"time"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
)

const KindPull entity.Kind = "pull"

// Pull is one user's state for one issue. Pulled, Read and Ignored always
// satisfy Read => Pulled and Ignored => !Pulled.
type Pull struct {
	UserID  string `json:"user_id"`
	IssueID int64  `json:"issue_id"`
	// VolumeID and PubDate are copied from the issue for joins and
	// ordering. Records written before the copy existed have a zero
	// VolumeID; see Ledger.Refresh.
	VolumeID int64     `json:"volume_id,omitempty"`
	PubDate  time.Time `json:"pubdate"`
	// SubscriptionID is the collection ref of the subscription the pull
	// came from, when one could be resolved.
	SubscriptionID string `json:"subscription_id,omitempty"`
	// StreamID names the reading stream the pull is filed under.
	StreamID string    `json:"stream_id,omitempty"`
	Pulled   bool      `json:"pulled"`
	Read     bool      `json:"read"`
	Ignored  bool      `json:"ignored"`
	Weight   float64   `json:"weight"`
	Updated  time.Time `json:"updated"`
}

func (p Pull) EntityKey() entity.Key { return Key(p.UserID, p.IssueID) }

// Key derives the storage key of user's pull of issueID. There is exactly
// one per pair.
func Key(user string, issueID int64) entity.Key {
	return entity.NewKey(KindPull, user, catalog.FormatID(issueID))
}

// State is the combination of a pull's flags.
type State int

const (
	StateNew State = iota
	StatePulled
	StateRead
	StateIgnored
	StateInvalid
)

var stateNames = [...]string{"new", "pulled", "read", "ignored", "invalid"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (p Pull) State() State {
	switch {
	case !p.Pulled && !p.Read && !p.Ignored:
		return StateNew
	case p.Pulled && !p.Read && !p.Ignored:
		return StatePulled
	case p.Pulled && p.Read && !p.Ignored:
		return StateRead
	case !p.Pulled && !p.Read && p.Ignored:
		return StateIgnored
	default:
		return StateInvalid
	}
}

// normalize repairs a record that violates the flag invariants, keeping
// ignored over pulled and pulled over read. It reports whether anything
// changed.
func (p *Pull) normalize() bool {
	before := *p
	if p.Ignored {
		p.Pulled = false
	}
	if !p.Pulled {
		p.Read = false
		p.Weight = 0
	}
	return *p != before
}
