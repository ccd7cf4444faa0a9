package registry

import (
	"swarmd/internal/digest"

	"github.com/samber/lo"
	"github.com/tidwall/btree"
)

type nameSize struct {
	name string
	size uint64
}

// index regroupe les quatre tables d'identité. Elles ne sont modifiées que
// par insert et remove.
type index struct {
	bySHA1     map[digest.SHA1]Handle
	byNameSize map[nameSize][]Handle
	byPath     btree.Map[string, Handle]
	byGUID     map[digest.GUID]Handle
}

func newIndex() *index {
	return &index{
		bySHA1:     make(map[digest.SHA1]Handle),
		byNameSize: make(map[nameSize][]Handle),
		byGUID:     make(map[digest.GUID]Handle),
	}
}

// conflict renvoie un enregistrement existant partageant le chemin, le
// SHA-1 ou le GUID de r.
func (ix *index) conflict(r *record) (Handle, bool) {
	if h, ok := ix.byGUID[r.guid]; ok {
		return h, true
	}
	if r.has(FlagTransient) {
		return Handle{}, false
	}
	if h, ok := ix.byPath.Get(r.path()); ok {
		return h, true
	}
	if r.sha1 != nil {
		if h, ok := ix.bySHA1[*r.sha1]; ok {
			return h, true
		}
	}
	return Handle{}, false
}

func (ix *index) insert(h Handle, r *record) {
	ix.byGUID[r.guid] = h
	if r.has(FlagTransient) {
		return
	}
	ix.byPath.Set(r.path(), h)
	if r.sha1 != nil {
		ix.bySHA1[*r.sha1] = h
	}
	if r.sizeKnown {
		for _, n := range r.indexedNames() {
			k := nameSize{n, r.size}
			ix.byNameSize[k] = append(ix.byNameSize[k], h)
		}
	}
}

func (ix *index) remove(h Handle, r *record) {
	if ix.byGUID[r.guid] == h {
		delete(ix.byGUID, r.guid)
	}
	if r.has(FlagTransient) {
		return
	}
	if cur, ok := ix.byPath.Get(r.path()); ok && cur == h {
		ix.byPath.Delete(r.path())
	}
	if r.sha1 != nil && ix.bySHA1[*r.sha1] == h {
		delete(ix.bySHA1, *r.sha1)
	}
	if r.sizeKnown {
		for _, n := range r.indexedNames() {
			k := nameSize{n, r.size}
			rest := lo.Without(ix.byNameSize[k], h)
			if len(rest) == 0 {
				delete(ix.byNameSize, k)
			} else {
				ix.byNameSize[k] = rest
			}
		}
	}
}

// byName renvoie le seul enregistrement connu sous (name, size).
func (ix *index) byName(name string, size uint64) (Handle, bool) {
	hs := ix.byNameSize[nameSize{name, size}]
	if len(hs) != 1 {
		return Handle{}, false
	}
	return hs[0], true
}

// paths parcourt les chemins dans l'ordre lexicographique.
func (ix *index) paths(fn func(path string, h Handle) bool) {
	ix.byPath.Scan(fn)
}
