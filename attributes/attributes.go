package attributes

// Attributes is an immutable bag of typed values attached to an Endpoint, an
// Address, or an LB state, keyed by string. It is backed by the AVL Map
// in avl.go; any type may be stored, so lookups require a type assertion.
type Attributes struct {
	m Map[string, any]
}

// New returns an empty Attributes bag.
func New() *Attributes {
	return &Attributes{}
}

// WithValue returns a new Attributes with key bound to value. The receiver
// is left untouched, so callers building up a bag must chain the result:
//
//	a = a.WithValue("weight", 3)
func (a *Attributes) WithValue(key string, value any) *Attributes {
	if a == nil {
		a = New()
	}
	return &Attributes{m: a.m.Add(key, value)}
}

// WithoutValue returns a new Attributes with key absent.
func (a *Attributes) WithoutValue(key string) *Attributes {
	if a == nil {
		return New()
	}
	return &Attributes{m: a.m.Remove(key)}
}

// Value returns the value stored under key, or nil if absent.
func (a *Attributes) Value(key string) any {
	if a == nil {
		return nil
	}
	v, _ := a.m.Get(key)
	return v
}

// Equal reports whether a and other hold the same set of keys mapped to
// values considered equal by eq.
func (a *Attributes) Equal(other *Attributes, eq func(a, b any) bool) bool {
	if a == nil {
		a = New()
	}
	if other == nil {
		other = New()
	}
	return a.m.Equal(other.m, eq)
}
