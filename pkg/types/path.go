package types

import (
	"fmt"
	"strings"
)

// ActionKind is one abstract action of a path
type ActionKind string

const (
	ActionSwap   ActionKind = "SWAP"
	ActionBridge ActionKind = "BRIDGE"
)

// Pair is a directed from -> to asset pair
type Pair struct {
	From AssetRef `json:"from"`
	To   AssetRef `json:"to"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s->%s", p.From, p.To)
}

// ActionStep is a single action over a pair
type ActionStep struct {
	Action ActionKind `json:"action"`
	Pair   Pair       `json:"pair"`
}

func (s ActionStep) String() string {
	return fmt.Sprintf("%s(%s)", s.Action, s.Pair)
}

// Path is an ordered sequence of action steps
type Path []ActionStep

// Validate checks the chaining invariant: the first step starts at from, the
// last ends at to, and every step's output feeds the next step's input.
func (p Path) Validate(from, to AssetRef) error {
	if len(p) == 0 {
		return fmt.Errorf("path is empty")
	}
	if p[0].Pair.From != from {
		return fmt.Errorf("path starts at %s, expected %s", p[0].Pair.From, from)
	}
	if p[len(p)-1].Pair.To != to {
		return fmt.Errorf("path ends at %s, expected %s", p[len(p)-1].Pair.To, to)
	}
	for i := 1; i < len(p); i++ {
		if p[i-1].Pair.To != p[i].Pair.From {
			return fmt.Errorf("step %d output %s does not feed step %d input %s",
				i-1, p[i-1].Pair.To, i, p[i].Pair.From)
		}
	}
	return nil
}

// Actions returns the sequence of action kinds
func (p Path) Actions() []ActionKind {
	out := make([]ActionKind, len(p))
	for i, s := range p {
		out[i] = s.Action
	}
	return out
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, " -> ")
}

// Shape names a supported action sequence
type Shape string

const (
	ShapeSwap             Shape = "SWAP"
	ShapeBridge           Shape = "BRIDGE"
	ShapeSwapBridge       Shape = "SWAP+BRIDGE"
	ShapeBridgeSwap       Shape = "BRIDGE+SWAP"
	ShapeBridgeSwapBridge Shape = "BRIDGE+SWAP+BRIDGE"
)

// AllShapes lists every shape the planner can produce
var AllShapes = []Shape{ShapeSwap, ShapeBridge, ShapeSwapBridge, ShapeBridgeSwap, ShapeBridgeSwapBridge}

// ShapeOf matches a path against the finite set of named shapes
func ShapeOf(p Path) (Shape, error) {
	a := p.Actions()
	switch {
	case len(a) == 1 && a[0] == ActionSwap:
		return ShapeSwap, nil
	case len(a) == 1 && a[0] == ActionBridge:
		return ShapeBridge, nil
	case len(a) == 2 && a[0] == ActionSwap && a[1] == ActionBridge:
		return ShapeSwapBridge, nil
	case len(a) == 2 && a[0] == ActionBridge && a[1] == ActionSwap:
		return ShapeBridgeSwap, nil
	case len(a) == 3 && a[0] == ActionBridge && a[1] == ActionSwap && a[2] == ActionBridge:
		return ShapeBridgeSwapBridge, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedActionShape, p)
}

// MainLeg returns the index of the step the selected quote prices: the swap
// step when there is one, otherwise the single bridge step.
func (p Path) MainLeg() int {
	for i, s := range p {
		if s.Action == ActionSwap {
			return i
		}
	}
	return 0
}
