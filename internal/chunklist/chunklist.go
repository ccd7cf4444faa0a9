// Package chunklist maintient la partition d'un fichier en plages
// Empty / Busy / Done, chaque plage Busy étant associée à la source qui la
// télécharge.
package chunklist

import (
	"errors"
	"fmt"
)

// Status d'une plage. Les valeurs numériques sont celles persistées dans
// l'index textuel et le trailer.
type Status uint8

const (
	Empty Status = 0
	Busy  Status = 1
	Done  Status = 2
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Busy:
		return "busy"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// SourceID référence une source du registre. Zéro signifie "aucune".
type SourceID uint64

const NoOwner SourceID = 0

var (
	ErrBadRange         = errors.New("invalid byte range")
	ErrNoBoundingChunk  = errors.New("no chunk bounds the range")
	ErrInconsistent     = errors.New("inconsistent chunk list")
	ErrMissingOwner     = errors.New("busy chunk requires an owner")
	ErrAlreadySized     = errors.New("chunk list already has a size")
	ErrShrinkNotAllowed = errors.New("chunk list cannot shrink")
)

// Chunk couvre [From, To).
type Chunk struct {
	From   uint64
	To     uint64
	Status Status
	Owner  SourceID
}

func (c Chunk) Len() uint64 { return c.To - c.From }

func (c Chunk) Contains(pos uint64) bool { return pos >= c.From && pos < c.To }

// Range est une plage [From, To) annoncée par un pair.
type Range struct {
	From uint64
	To   uint64
}

func (r Range) Len() uint64 { return r.To - r.From }

// List est la partition ordonnée et contiguë de [0, Size).
// Elle n'est pas protégée : le registre sérialise les accès.
type List struct {
	chunks []Chunk
	size   uint64
	done   uint64
}

// New crée une liste couvrant [0, size) par une seule plage Empty.
// Une taille nulle donne une liste vide (taille inconnue).
func New(size uint64) *List {
	l := &List{size: size}
	if size > 0 {
		l.chunks = []Chunk{{From: 0, To: size, Status: Empty}}
	}
	return l
}

// FromChunks reconstruit une liste persistée et la valide.
func FromChunks(size uint64, chunks []Chunk) (*List, error) {
	l := &List{size: size, chunks: append([]Chunk(nil), chunks...)}
	if err := l.Check(); err != nil {
		return nil, err
	}
	l.MergeAdjacent()
	return l, nil
}

func (l *List) Size() uint64 { return l.size }
func (l *List) Done() uint64 { return l.done }
func (l *List) Len() int     { return len(l.chunks) }

func (l *List) At(i int) Chunk { return l.chunks[i] }

// Chunks renvoie une copie des plages.
func (l *List) Chunks() []Chunk { return append([]Chunk(nil), l.chunks...) }

func (l *List) IsComplete() bool { return l.size > 0 && l.done == l.size }

// Clone copie profondément la liste.
func (l *List) Clone() *List {
	return &List{chunks: l.Chunks(), size: l.size, done: l.done}
}

// InitKnownSize installe la géométrie d'un fichier dont la taille vient
// d'être découverte : [0, done) Done, le reste Busy pour owner.
func (l *List) InitKnownSize(done, size uint64, owner SourceID) error {
	if len(l.chunks) > 0 {
		return ErrAlreadySized
	}
	if size == 0 || done > size {
		return fmt.Errorf("%w: done %d size %d", ErrBadRange, done, size)
	}
	l.size = size
	if done > 0 {
		l.chunks = append(l.chunks, Chunk{From: 0, To: done, Status: Done})
	}
	if done < size {
		if owner == NoOwner {
			l.chunks = append(l.chunks, Chunk{From: done, To: size, Status: Empty})
		} else {
			l.chunks = append(l.chunks, Chunk{From: done, To: size, Status: Busy, Owner: owner})
		}
	}
	l.done = done
	return nil
}

// Resize étend la couverture jusqu'à newSize par une plage Empty finale.
func (l *List) Resize(newSize uint64) error {
	if newSize <= l.size {
		return fmt.Errorf("%w: %d -> %d", ErrShrinkNotAllowed, l.size, newSize)
	}
	l.chunks = append(l.chunks, Chunk{From: l.size, To: newSize, Status: Empty})
	l.size = newSize
	l.MergeAdjacent()
	return nil
}

// Reset remet toute la liste à Empty.
func (l *List) Reset() {
	l.chunks = l.chunks[:0]
	if l.size > 0 {
		l.chunks = append(l.chunks, Chunk{From: 0, To: l.size, Status: Empty})
	}
	l.done = 0
}

// account ajuste le compteur done pour n octets passant de old à new.
func (l *List) account(old, new Status, n uint64) {
	switch {
	case old != Done && new == Done:
		l.done += n
	case old == Done && new != Done:
		l.done -= n
	}
}

func (l *List) insert(i int, c ...Chunk) {
	l.chunks = append(l.chunks[:i], append(c, l.chunks[i:]...)...)
}

// Update applique status (et owner pour Busy) à [from, to), en découpant
// les plages existantes. La liste est toujours fusionnée en sortie.
func (l *List) Update(from, to uint64, status Status, owner SourceID) error {
	if from >= to || to > l.size {
		return fmt.Errorf("%w: [%d, %d) in size %d", ErrBadRange, from, to, l.size)
	}
	if status > Done {
		return fmt.Errorf("%w: cannot apply %s", ErrInconsistent, status)
	}
	if status != Busy {
		owner = NoOwner
	} else if owner == NoOwner {
		return ErrMissingOwner
	}

	found := false
	for i := 0; i < len(l.chunks) && !found; {
		c := &l.chunks[i]
		if c.To <= from {
			i++
			continue
		}
		if c.From > from {
			break
		}

		switch {
		case c.From == from && c.To == to:
			l.account(c.Status, status, c.Len())
			c.Status, c.Owner = status, owner
			found = true

		case c.From == from && c.To < to:
			// La plage ne couvre que le début : on continue sur le reste.
			l.account(c.Status, status, c.Len())
			c.Status, c.Owner = status, owner
			from = c.To
			i++

		case c.From == from && c.To > to:
			l.account(c.Status, status, to-from)
			if status == Done && i > 0 && l.chunks[i-1].Status == Done {
				l.chunks[i-1].To = to
				c.From = to
			} else {
				upper := Chunk{From: to, To: c.To, Status: c.Status, Owner: c.Owner}
				c.To, c.Status, c.Owner = to, status, owner
				l.insert(i+1, upper)
			}
			found = true

		case c.To >= to:
			// from est strictement à l'intérieur de c.
			l.account(c.Status, status, to-from)
			parts := []Chunk{{From: from, To: to, Status: status, Owner: owner}}
			if c.To > to {
				upper := Chunk{From: to, To: c.To, Status: c.Status, Owner: c.Owner}
				if upper.Status == Busy {
					upper.Status, upper.Owner = Empty, NoOwner
				}
				parts = append(parts, upper)
			}
			c.To = from
			l.insert(i+1, parts...)
			found = true

		default:
			// c commence avant from et s'arrête avant to.
			l.account(c.Status, status, c.To-from)
			mid := Chunk{From: from, To: c.To, Status: status, Owner: owner}
			from, c.To = c.To, from
			l.insert(i+1, mid)
			i += 2
		}
	}

	l.MergeAdjacent()
	if !found {
		return fmt.Errorf("%w: offset %d", ErrNoBoundingChunk, from)
	}
	return nil
}

// MergeAdjacent fusionne les plages voisines de même statut (sauf Busy) et
// recalcule done à partir de zéro.
func (l *List) MergeAdjacent() {
	out := l.chunks[:0]
	var done uint64
	for _, c := range l.chunks {
		if c.Status == Done {
			c.Owner = NoOwner
			done += c.Len()
		}
		if n := len(out); n > 0 && out[n-1].Status == c.Status && c.Status != Busy {
			out[n-1].To = c.To
			continue
		}
		out = append(out, c)
	}
	l.chunks = out
	l.done = done
}

// ChunkStatus renvoie le statut de [from, to) si une seule plage la
// contient, Busy sinon.
func (l *List) ChunkStatus(from, to uint64) Status {
	for _, c := range l.chunks {
		if from >= c.From && to <= c.To {
			return c.Status
		}
	}
	return Busy
}

// PosStatus renvoie le statut de l'octet pos. Une position hors liste est
// considérée comme Done.
func (l *List) PosStatus(pos uint64) Status {
	for _, c := range l.chunks {
		if c.Contains(pos) {
			return c.Status
		}
	}
	return Done
}

// Check vérifie l'ordre, la contiguïté, la couverture et la cohérence des
// propriétaires.
func (l *List) Check() error {
	var last uint64
	for i, c := range l.chunks {
		if c.From != last || c.From >= c.To {
			return fmt.Errorf("%w: chunk %d [%d, %d) after offset %d", ErrInconsistent, i, c.From, c.To, last)
		}
		if c.To > l.size {
			return fmt.Errorf("%w: chunk %d ends at %d beyond size %d", ErrInconsistent, i, c.To, l.size)
		}
		if c.Status > Done {
			return fmt.Errorf("%w: chunk %d has %s", ErrInconsistent, i, c.Status)
		}
		if (c.Owner != NoOwner) != (c.Status == Busy) {
			return fmt.Errorf("%w: chunk %d is %s with owner %d", ErrInconsistent, i, c.Status, c.Owner)
		}
		last = c.To
	}
	if len(l.chunks) > 0 && last != l.size {
		return fmt.Errorf("%w: coverage stops at %d, size %d", ErrInconsistent, last, l.size)
	}
	return nil
}
