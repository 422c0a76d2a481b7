// Package source defines the shapes the host fills in to create an
// object: the populate/destructor callbacks, user data, and shape
// metadata from §6's Source structure. It has no dependencies on the
// rest of the core so that both the public API and every internal
// package downstream of the Object Registry can share one definition
// without an import cycle.
package source

import "fmt"

// ElementKind tags how many bytes per element and how the host interprets
// them. The core itself never interprets element bytes; this only flows
// through to diagnostics.
type ElementKind uint8

const (
	KindByte ElementKind = iota
	KindLogical
	KindInteger
	KindReal
	KindComplex
	KindRaw
)

func (k ElementKind) String() string {
	switch k {
	case KindByte:
		return "byte"
	case KindLogical:
		return "logical"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindComplex:
		return "complex"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("elementkind(%d)", uint8(k))
	}
}

// Callout is the handle passed to a populate callback so that, in future
// extensions, the callback could ask the populator to widen its range.
// Implementations must accept and ignore it when unused; nothing in this
// core currently calls back through it.
type Callout interface {
	// reserved for future widen-range negotiation.
	objectID() uintptr
}

// calloutHandle is the only implementation of Callout today. It carries
// just enough to identify the object so a future widen-range call has
// something to key off of.
type calloutHandle struct{ base uintptr }

func (c calloutHandle) objectID() uintptr { return c.base }

// NewCallout returns the Callout handed to populate callbacks for the
// object based at base.
func NewCallout(base uintptr) Callout { return calloutHandle{base: base} }

// PopulateFunc materializes element bytes for [startElem, endElem) into
// out. A nonzero return is a populate-failed error.
type PopulateFunc func(startElem, endElem int64, callout Callout, userData interface{}, out []byte) error

// DestructorFunc is called once at object destruction and must free
// userData.
type DestructorFunc func(userData interface{})

// Source is what the host fills in to create an object.
type Source struct {
	UserData    interface{}
	Populate    PopulateFunc
	Destructor  DestructorFunc
	ElementKind ElementKind

	NElements   int64
	ElementSize int64
	HeaderBytes int64

	Dims []int64

	// MinLoadElements lower-bounds how many elements the populator must
	// materialize per fault. Zero means "use the process default."
	MinLoadElements int64
}

// Validate checks the invariants new_object must enforce synchronously
// (§7: invalid-source covers zero sizes, misalignment, etc).
func (s *Source) Validate() error {
	if s.Populate == nil {
		return fmt.Errorf("source: populate_fn is nil")
	}
	if s.NElements <= 0 {
		return fmt.Errorf("source: n_elements must be positive")
	}
	if s.ElementSize <= 0 {
		return fmt.Errorf("source: element_size must be positive")
	}
	if s.HeaderBytes < 0 {
		return fmt.Errorf("source: header_bytes must be non-negative")
	}
	if s.MinLoadElements < 0 {
		return fmt.Errorf("source: min_load_elements must be non-negative")
	}
	if len(s.Dims) > 0 {
		prod := int64(1)
		for _, d := range s.Dims {
			if d <= 0 {
				return fmt.Errorf("source: dims entries must be positive")
			}
			prod *= d
		}
		if prod != s.NElements {
			return fmt.Errorf("source: product of dims (%d) must equal n_elements (%d)", prod, s.NElements)
		}
	}
	return nil
}
