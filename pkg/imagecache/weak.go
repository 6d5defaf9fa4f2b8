package imagecache

import "weak"

// Liveness looks up the caller-side object a request was issued for.
// It returns nil once that object is gone.
type Liveness func() any

// WeakRef creates a Liveness for p which does not keep p alive
func WeakRef[T any](p *T) Liveness {
	wp := weak.Make(p)

	return func() any {
		if v := wp.Value(); v != nil {
			return v
		}
		// Avoid handing out a typed nil inside a non-nil interface
		return nil
	}
}
