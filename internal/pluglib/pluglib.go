// Package pluglib implements the shared-library resolver: matching a
// plugin's named function imports against the best compatible export
// offered by the pluglibs it has attached, and picking which loaded
// pluglib satisfies a newly requested (name, compat, version) when more
// than one candidate could.
//
// The two-stage matching rule (name + optional prototype match within
// a pluglib; best-by-hash-then-version across pluglibs) is adapted
// from bifaci/plugin_runtime.go's FindHandler, which solves the same
// shaped problem — route a request to the best of several registered
// candidates by a distance/specificity metric — one layer up, for cap
// URNs instead of (name, compat, version) triples.
package pluglib

import "fmt"

// Export is one function a Library makes available to plugins.
type Export struct {
	Name      string
	Prototype string // optional; empty matches any prototype
	Pointer   interface{}
}

// Library is one loaded shared module: name, compat-key, version,
// exports, and reference count.
type Library struct {
	Name    string
	Compat  string
	Version int
	Hash    string // content hash of the library file, for exact-match preference
	Exports []Export

	refcount int
}

// Import is a plugin's request for one named function, with an
// optional prototype constraint.
type Import struct {
	Name      string
	Prototype string
}

// Resolve walks libs in order and returns the pointer for the first
// export whose name matches imp.Name and whose prototype either
// matches imp.Prototype or is absent on either side: the first exported
// name that matches is taken, with a prototype check that passes if
// either side has no prototype, else requires a string-equal match.
func Resolve(libs []*Library, imp Import) (interface{}, bool) {
	for _, lib := range libs {
		for _, exp := range lib.Exports {
			if exp.Name != imp.Name {
				continue
			}
			if imp.Prototype == "" || exp.Prototype == "" || imp.Prototype == exp.Prototype {
				return exp.Pointer, true
			}
		}
	}
	return nil, false
}

// ResolveAll attempts to resolve every import against libs. It returns
// the resolved pointers in import order and ok=false (writing no
// pointers the caller should act on) the moment any import fails — a
// verify-then-commit two-phase discipline where callers apply the
// returned slice only when ok is true.
func ResolveAll(libs []*Library, imports []Import) ([]interface{}, bool) {
	out := make([]interface{}, len(imports))
	for i, imp := range imports {
		ptr, ok := Resolve(libs, imp)
		if !ok {
			return nil, false
		}
		out[i] = ptr
	}
	return out, true
}

// Request describes a pluglib a plugin wants attached: the name/compat
// it needs and the minimum acceptable version.
type Request struct {
	Name          string
	Compat        string
	MinVersion    int
	RequestedHash string // exact library content hash, if known
}

// SelectBest picks which of the already-loaded candidates satisfies
// req: an exact hash match wins outright, otherwise the highest-version
// candidate with matching name and compat at or above MinVersion.
func SelectBest(candidates []*Library, req Request) (*Library, error) {
	if req.RequestedHash != "" {
		for _, c := range candidates {
			if c.Hash == req.RequestedHash {
				return c, nil
			}
		}
	}

	var best *Library
	for _, c := range candidates {
		if c.Name != req.Name || c.Compat != req.Compat {
			continue
		}
		if c.Version < req.MinVersion {
			continue
		}
		if best == nil || c.Version > best.Version {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("pluglib: no candidate satisfies %s/%s >= v%d", req.Name, req.Compat, req.MinVersion)
	}
	return best, nil
}

// Acquire increments a library's reference count on successful
// attachment to a plugin.
func (l *Library) Acquire() { l.refcount++ }

// Release decrements the reference count, returning the count after
// release so a caller can unload the library once it reaches zero.
func (l *Library) Release() int {
	if l.refcount > 0 {
		l.refcount--
	}
	return l.refcount
}

// Refcount reports the current reference count.
func (l *Library) Refcount() int { return l.refcount }
