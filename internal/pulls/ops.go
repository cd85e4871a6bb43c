package pulls

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownOp = errors.New("unknown pull operation")

// Op is a state transition of the bulk update. Ops of one call are applied
// in declaration order.
type Op int

const (
	OpPull Op = iota
	OpUnpull
	OpRead
	OpUnread
	OpIgnore
	OpUnignore
	numOps
)

var opNames = [numOps]string{"pull", "unpull", "read", "unread", "ignore", "unignore"}

func (o Op) String() string {
	if o < 0 || o >= numOps {
		return fmt.Sprintf("Op(%d)", int(o))
	}
	return opNames[o]
}

// Ops returns every op in application order.
func Ops() []Op {
	out := make([]Op, numOps)
	for i := range numOps {
		out[i] = Op(i)
	}
	return out
}

func ParseOp(s string) (Op, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range opNames {
		if name == s {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// transitions maps each op to a function that moves a pull to the op's
// target state and reports whether it changed anything. Every transition
// leaves the flag invariants intact.
var transitions = [numOps]func(p *Pull) bool{
	OpPull: func(p *Pull) bool {
		if p.Pulled {
			return false
		}
		p.Pulled, p.Ignored = true, false
		return true
	},
	OpUnpull: func(p *Pull) bool {
		if !p.Pulled {
			return false
		}
		p.Pulled, p.Read, p.Weight = false, false, 0
		return true
	},
	OpRead: func(p *Pull) bool {
		if p.Read {
			return false
		}
		p.Pulled, p.Read, p.Ignored = true, true, false
		return true
	},
	OpUnread: func(p *Pull) bool {
		if !p.Read {
			return false
		}
		p.Read = false
		return true
	},
	OpIgnore: func(p *Pull) bool {
		if p.Ignored {
			return false
		}
		p.Ignored, p.Pulled, p.Read, p.Weight = true, false, false, 0
		return true
	},
	// Unignore does not restore a previous pulled state.
	OpUnignore: func(p *Pull) bool {
		if !p.Ignored {
			return false
		}
		p.Ignored = false
		return true
	},
}

// Apply runs op against p and reports whether p changed.
func (o Op) Apply(p *Pull) bool {
	return transitions[o](p)
}

// Request is a bulk update: for each op, the issues to apply it to. Issue
// identifiers may be integers or decimal strings.
type Request map[Op][]any

// ParseRequest converts a request keyed by op name.
func ParseRequest(raw map[string][]any) (Request, error) {
	req := make(Request, len(raw))
	for name, ids := range raw {
		op, err := ParseOp(name)
		if err != nil {
			return nil, err
		}
		req[op] = append(req[op], ids...)
	}
	return req, nil
}

func (r Request) size() int {
	n := 0
	for _, ids := range r {
		n += len(ids)
	}
	return n
}
