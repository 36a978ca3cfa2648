package knowledge

// VariableReference is a stable O(1) handle into a Context, acquired
// once via GetRef and valid for the Context's lifetime. It carries the
// interned name rather than a raw pointer, since the backing map may be
// reallocated by Go's runtime; lookups stay a single map access.
type VariableReference struct {
	name string
}

// Name returns the interned key this reference points at.
func (v VariableReference) Name() string { return v.name }

// IsLocal reports whether this name defaults to Local scope: keys
// beginning with "." are Local unless a Set call overrides Scope
// explicitly.
func (v VariableReference) IsLocal() bool {
	return len(v.name) > 0 && v.name[0] == '.'
}
