package registry

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"

	"github.com/samber/lo"
)

// Verification résume la comparaison entre SHA-1 attendu et calculé.
type Verification uint8

const (
	VerifyPending Verification = iota
	VerifyOK
	VerifyMismatch
)

func (v Verification) String() string {
	switch v {
	case VerifyOK:
		return "ok"
	case VerifyMismatch:
		return "mismatch"
	default:
		return "pending"
	}
}

// Status est une photographie en lecture seule d'un enregistrement.
type Status struct {
	Handle       Handle
	GUID         digest.GUID
	Path         string
	Size         uint64
	SizeKnown    bool
	Done         uint64
	Complete     bool
	SHA1         *digest.SHA1
	TTH          *digest.TTH
	CHA1         *digest.SHA1
	Verification Verification
	State        State
	Flags        Flags
	RefCount     int
	LiveCount    int
	Receiving    int
	Queued       int
	Generation   uint32
	Chunks       int
	Aliases      []string
	Quarantine   string
	DHTLookups   int
	DHTHits      int
	Created      time.Time
	Stamp        time.Time
}

func (r *Registry) status(h Handle, rec *record) Status {
	receiving, queued, _ := r.sourceCounts(rec)
	st := Status{
		Handle:     h,
		GUID:       rec.guid,
		Path:       rec.path(),
		Size:       rec.size,
		SizeKnown:  rec.sizeKnown,
		Done:       rec.done(),
		Complete:   rec.complete(),
		SHA1:       rec.sha1,
		TTH:        rec.tth,
		CHA1:       rec.cha1,
		State:      rec.state,
		Flags:      rec.flags,
		RefCount:   rec.refcount,
		LiveCount:  rec.livecount,
		Receiving:  receiving,
		Queued:     queued,
		Generation: rec.generation,
		Chunks:     rec.chunks.Len(),
		Aliases:    append([]string(nil), rec.aliases...),
		DHTLookups: rec.dht.lookups,
		DHTHits:    rec.dht.hits,
		Created:    rec.created,
		Stamp:      rec.stamp,
	}
	switch {
	case rec.cha1 == nil:
		st.Verification = VerifyPending
	case rec.sha1 == nil || *rec.sha1 == *rec.cha1:
		st.Verification = VerifyOK
	default:
		st.Verification = VerifyMismatch
	}
	if rec.quarantine != nil {
		st.Quarantine = rec.quarantine.Error()
	}
	return st
}

// Status renvoie l'état de h.
func (r *Registry) Status(h Handle) (Status, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return Status{}, err
	}
	return r.status(h, rec), nil
}

// Snapshot renvoie l'état de tous les enregistrements, triés par chemin.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.unlock()
	var out []Status
	r.arena.each(func(h Handle, rec *record) bool {
		out = append(out, r.status(h, rec))
		return true
	})
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// IsComplete indique si tous les octets de h sont reçus.
func (r *Registry) IsComplete(h Handle) bool {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	return err == nil && rec.complete()
}

// PartialShareable indique si h peut être partagé en cours de
// téléchargement.
func (r *Registry) PartialShareable(h Handle) bool {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return false
	}
	return rec.sha1 != nil && rec.sizeKnown && rec.done() > 0 &&
		!rec.has(FlagTransient|FlagQuarantined) && !rec.complete()
}

// mergeRanges trie et fusionne des plages qui se chevauchent ou se
// touchent.
func mergeRanges(in []chunklist.Range) []chunklist.Range {
	in = lo.Filter(in, func(rg chunklist.Range, _ int) bool { return rg.To > rg.From })
	slices.SortFunc(in, func(a, b chunklist.Range) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		}
		return 0
	})
	var out []chunklist.Range
	for _, rg := range in {
		if n := len(out); n > 0 && rg.From <= out[n-1].To {
			out[n-1].To = max(out[n-1].To, rg.To)
			continue
		}
		out = append(out, rg)
	}
	return out
}

// AddSeenRanges retient des plages vues disponibles sur le réseau.
func (r *Registry) AddSeenRanges(h Handle, ranges []chunklist.Range) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	rec.seen = mergeRanges(append(rec.seen, ranges...))
	return nil
}

// SeenRanges renvoie les plages vues disponibles sur le réseau.
func (r *Registry) SeenRanges(h Handle) ([]chunklist.Range, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return nil, err
	}
	return append([]chunklist.Range(nil), rec.seen...), nil
}

const (
	xAvailableRangesPrefix = "X-Available-Ranges: bytes "
	crlf                   = "\r\n"
)

// XAvailable renvoie l'en-tête annonçant le nombre d'octets disponibles.
func (r *Registry) XAvailable(h Handle) (string, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return "", err
	}
	return xAvailable(rec.done()), nil
}

func xAvailable(done uint64) string {
	return fmt.Sprintf("X-Available: bytes %d%s", done, crlf)
}

// XAvailableRanges renvoie l'en-tête X-Available-Ranges tenant dans budget
// octets. Quand toutes les plages ne tiennent pas, un sous-ensemble
// aléatoire est annoncé et truncated vaut true. Un fichier complet ou
// vide n'annonce rien.
func (r *Registry) XAvailableRanges(h Handle, budget int) (header string, truncated bool, err error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return "", false, err
	}
	header, truncated = r.xAvailableRanges(rec, budget)
	return header, truncated, nil
}

func (r *Registry) xAvailableRanges(rec *record, budget int) (string, bool) {
	if rec.complete() {
		return "", false
	}
	ranges := rec.chunks.DoneRanges()
	if len(ranges) == 0 {
		return "", false
	}
	parts := lo.Map(ranges, func(rg chunklist.Range, _ int) string {
		return fmt.Sprintf("%d-%d", rg.From, rg.To-1)
	})
	full := xAvailableRangesPrefix + strings.Join(parts, ",") + crlf
	if len(full) <= budget {
		return full, false
	}

	room := budget - len(xAvailableRangesPrefix) - len(crlf)
	rng := r.alloc.Config().Rand
	var picked []int
	for _, i := range rng.Perm(len(parts)) {
		need := len(parts[i])
		if len(picked) > 0 {
			need++ // virgule
		}
		if need > room {
			continue
		}
		room -= need
		picked = append(picked, i)
	}
	if len(picked) == 0 {
		return "", true
	}
	slices.Sort(picked)
	sel := lo.Map(picked, func(i int, _ int) string { return parts[i] })
	return xAvailableRangesPrefix + strings.Join(sel, ",") + crlf, true
}

// AvailableHeaders renvoie les en-têtes de disponibilité pour un budget
// donné : X-Available-Ranges, précédé de X-Available quand la liste a dû
// être tronquée.
func (r *Registry) AvailableHeaders(h Handle, budget int) (string, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return "", err
	}
	if rec.complete() || rec.done() == 0 {
		return "", nil
	}
	full, truncated := r.xAvailableRanges(rec, budget)
	if !truncated {
		return full, nil
	}
	avail := xAvailable(rec.done())
	if len(avail) > budget {
		return "", nil
	}
	ranges, _ := r.xAvailableRanges(rec, budget-len(avail))
	return avail + ranges, nil
}
