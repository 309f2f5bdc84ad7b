package cache

import "fmt"

// Identity uniquely identifies a package artifact for storage and lookup,
// per spec.md §3: (name, canonical-version, platform-tag, interpreter-tag).
type Identity struct {
	Name          string
	Version       string
	Platform      string
	InterpreterTag string
}

// Key returns a stable string form used as the Index's map key and as the
// singleflight coalescing key.
func (id Identity) Key() string {
	return fmt.Sprintf("%s@%s:%s:%s", id.Name, id.Version, id.Platform, id.InterpreterTag)
}
