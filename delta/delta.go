// Package delta computes reversible structural differences between two
// generic values (the trees produced by codec.Decode).
//
// A nil *Delta means "no change". Maps are compared key by key, arrays of the
// same length index by index; everything else is replaced whole, with both
// the old and the new value kept so that the change can be undone.
package delta

import (
	"fmt"

	"github.com/drpcorg/dstate/dstate_errors"
	"github.com/google/go-cmp/cmp"
)

type Kind uint8

const (
	Replace Kind = iota + 1
	Added
	Removed
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case Replace:
		return "replace"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Object:
		return "object"
	case Array:
		return "array"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Delta struct {
	Kind  Kind              `msgpack:"k"`
	Old   any               `msgpack:"o"`
	New   any               `msgpack:"n"`
	Keys  map[string]*Delta `msgpack:"m,omitempty"`
	Items map[int]*Delta    `msgpack:"a,omitempty"`
}

// Diff returns the delta turning old into new, nil if they are equal.
// Either side may be nil, which stands for an absent value.
func Diff(old, new any) *Delta {
	if cmp.Equal(old, new) {
		return nil
	}
	switch o := old.(type) {
	case map[string]any:
		if n, ok := new.(map[string]any); ok && o != nil && n != nil {
			return diffMaps(o, n)
		}
	case []any:
		if n, ok := new.([]any); ok && len(o) == len(n) && o != nil && n != nil {
			return diffArrays(o, n)
		}
	}
	return &Delta{Kind: Replace, Old: old, New: new}
}

func diffMaps(o, n map[string]any) *Delta {
	keys := make(map[string]*Delta)
	for k, ov := range o {
		nv, ok := n[k]
		if !ok {
			keys[k] = &Delta{Kind: Removed, Old: ov}
			continue
		}
		if d := Diff(ov, nv); d != nil {
			keys[k] = d
		}
	}
	for k, nv := range n {
		if _, ok := o[k]; !ok {
			keys[k] = &Delta{Kind: Added, New: nv}
		}
	}
	return &Delta{Kind: Object, Keys: keys}
}

func diffArrays(o, n []any) *Delta {
	items := make(map[int]*Delta)
	for i := range o {
		if d := Diff(o[i], n[i]); d != nil {
			items[i] = d
		}
	}
	return &Delta{Kind: Array, Items: items}
}

// Invert returns the delta that undoes d.
func Invert(d *Delta) *Delta {
	if d == nil {
		return nil
	}
	switch d.Kind {
	case Added:
		return &Delta{Kind: Removed, Old: d.New}
	case Removed:
		return &Delta{Kind: Added, New: d.Old}
	case Object:
		keys := make(map[string]*Delta, len(d.Keys))
		for k, sub := range d.Keys {
			keys[k] = Invert(sub)
		}
		return &Delta{Kind: Object, Keys: keys}
	case Array:
		items := make(map[int]*Delta, len(d.Items))
		for i, sub := range d.Items {
			items[i] = Invert(sub)
		}
		return &Delta{Kind: Array, Items: items}
	default:
		return &Delta{Kind: Replace, Old: d.New, New: d.Old}
	}
}

// Patch applies d to v. Containers on the changed paths are copied, v itself
// is left untouched.
func Patch(v any, d *Delta) (any, error) {
	if d == nil {
		return v, nil
	}
	switch d.Kind {
	case Replace, Added:
		return d.New, nil
	case Removed:
		return nil, nil
	case Object:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: object delta on %T", dstate_errors.ErrBadDelta, v)
		}
		out := make(map[string]any, len(m)+len(d.Keys))
		for k, val := range m {
			out[k] = val
		}
		for k, sub := range d.Keys {
			switch sub.Kind {
			case Added:
				out[k] = sub.New
			case Removed:
				delete(out, k)
			default:
				val, err := Patch(out[k], sub)
				if err != nil {
					return nil, err
				}
				out[k] = val
			}
		}
		return out, nil
	case Array:
		a, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: array delta on %T", dstate_errors.ErrBadDelta, v)
		}
		out := make([]any, len(a))
		copy(out, a)
		for i, sub := range d.Items {
			if i < 0 || i >= len(out) {
				return nil, fmt.Errorf("%w: index %d out of %d", dstate_errors.ErrBadDelta, i, len(out))
			}
			val, err := Patch(out[i], sub)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %s", dstate_errors.ErrBadDelta, d.Kind)
}

// Unpatch reverts d on v, i.e. Unpatch(Patch(a, d), d) == a.
func Unpatch(v any, d *Delta) (any, error) {
	return Patch(v, Invert(d))
}
