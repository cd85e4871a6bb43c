package pulls

import (
	"errors"
	"testing"
)

func reachable() []Pull {
	return []Pull{
		{},
		{Pulled: true, Weight: 2},
		{Pulled: true, Read: true, Weight: 1},
		{Ignored: true},
	}
}

func TestTransitionsPreserveInvariants(t *testing.T) {
	for _, op := range Ops() {
		for _, start := range reachable() {
			p := start
			op.Apply(&p)
			if p.State() == StateInvalid {
				t.Errorf("%s from %s produced %+v", op, start.State(), p)
			}
			if !p.Pulled && p.Weight != 0 {
				t.Errorf("%s from %s left weight %v on unpulled record", op, start.State(), p.Weight)
			}
		}
	}
}

func TestTransitionsAreIdempotent(t *testing.T) {
	for _, op := range Ops() {
		for _, start := range reachable() {
			p := start
			op.Apply(&p)
			once := p
			if op.Apply(&p) {
				t.Errorf("second %s from %s reported a change", op, start.State())
			}
			if p != once {
				t.Errorf("second %s from %s = %+v, want %+v", op, start.State(), p, once)
			}
		}
	}
}

func TestTransitionTargets(t *testing.T) {
	tests := []struct {
		op    Op
		from  State
		want  State
		moved bool
	}{
		{OpPull, StateNew, StatePulled, true},
		{OpPull, StatePulled, StatePulled, false},
		{OpPull, StateIgnored, StatePulled, true},
		{OpUnpull, StateRead, StateNew, true},
		{OpUnpull, StateNew, StateNew, false},
		{OpRead, StateNew, StateRead, true},
		{OpRead, StateIgnored, StateRead, true},
		{OpUnread, StateRead, StatePulled, true},
		{OpUnread, StatePulled, StatePulled, false},
		{OpIgnore, StateRead, StateIgnored, true},
		{OpIgnore, StateIgnored, StateIgnored, false},
		{OpUnignore, StateIgnored, StateNew, true},
		{OpUnignore, StatePulled, StatePulled, false},
	}
	for _, tt := range tests {
		p := reachable()[tt.from]
		moved := tt.op.Apply(&p)
		if moved != tt.moved || p.State() != tt.want {
			t.Errorf("%s from %s = %s (moved %v), want %s (moved %v)", tt.op, tt.from, p.State(), moved, tt.want, tt.moved)
		}
	}
}

func TestUnignoreDoesNotRestorePulled(t *testing.T) {
	p := Pull{Pulled: true, Read: true}
	OpIgnore.Apply(&p)
	OpUnignore.Apply(&p)
	if p.Pulled || p.Read || p.Ignored {
		t.Errorf("after ignore+unignore = %+v, want all flags false", p)
	}
}

func TestParseOp(t *testing.T) {
	for _, op := range Ops() {
		got, err := ParseOp(op.String())
		if err != nil || got != op {
			t.Errorf("ParseOp(%q) = %v, %v", op.String(), got, err)
		}
	}
	if _, err := ParseOp("steal"); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("err = %v, want ErrUnknownOp", err)
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(map[string][]any{"pull": {1, "2"}, "Read": {3}})
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req[OpPull]) != 2 || len(req[OpRead]) != 1 || req.size() != 3 {
		t.Errorf("request = %v", req)
	}
	if _, err := ParseRequest(map[string][]any{"bogus": {1}}); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("err = %v, want ErrUnknownOp", err)
	}
}

func TestNormalize(t *testing.T) {
	p := Pull{Pulled: true, Read: true, Ignored: true, Weight: 3}
	if !p.normalize() {
		t.Fatal("normalize reported no change")
	}
	if p.State() != StateIgnored || p.Weight != 0 {
		t.Errorf("normalized = %+v, want ignored without weight", p)
	}
	if p.normalize() {
		t.Error("second normalize reported a change")
	}
}
