package registry

import (
	"fmt"
	"path/filepath"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"
)

// Flags décrit l'état de cycle de vie d'un enregistrement.
type Flags uint16

const (
	FlagTransient Flags = 1 << iota // jamais persisté (ex. navigation d'hôte)
	FlagPaused
	FlagSeeding
	FlagStripped // trailer retiré, fichier terminé
	FlagUnlinked // fichier de données supprimé
	FlagDiscardOnEmpty
	FlagDHTLookup  // requête DHT en file d'attente
	FlagDHTLooking // requête DHT en cours
	FlagQuarantined
)

var flagNames = []string{
	"transient", "paused", "seeding", "stripped", "unlinked",
	"discard-on-empty", "dht-lookup", "dht-looking", "quarantined",
}

// Names liste les drapeaux positionnés, dans l'ordre des bits.
func (f Flags) Names() []string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// State est l'état de l'automate d'un enregistrement.
type State uint8

const (
	Active State = iota
	ZeroRefsKept
	Discarded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case ZeroRefsKept:
		return "zero-refs-kept"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Handle désigne un enregistrement dans l'arène. L'époque invalide les
// handles d'un emplacement recyclé.
type Handle struct {
	slot  uint32
	epoch uint32
}

func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.slot, h.epoch) }

type dhtState struct {
	lastQuery time.Time
	lookups   int
	hits      int
}

// record est l'état complet du téléchargement d'un fichier.
type record struct {
	name      string
	dir       string
	size      uint64
	sizeKnown bool
	sha1      *digest.SHA1
	cha1      *digest.SHA1
	tth       *digest.TTH
	tigerTree []digest.TTH
	guid      digest.GUID
	aliases   []string
	chunks    *chunklist.List

	flags      Flags
	state      State
	refcount   int
	livecount  int
	generation uint32
	sources    map[chunklist.SourceID]struct{}
	seen       []chunklist.Range // plages annoncées disponibles sur le réseau
	dht        dhtState
	quarantine error

	created   time.Time
	ntime     time.Time // dernière nouvelle source
	stamp     time.Time // dernière mise à jour
	modified  time.Time
	lastFlush time.Time
	dirty     bool
	swarming  bool
}

func (r *record) path() string { return filepath.Join(r.dir, r.name) }

func (r *record) has(f Flags) bool { return r.flags&f != 0 }

func (r *record) done() uint64 { return r.chunks.Done() }

func (r *record) complete() bool { return r.sizeKnown && r.chunks.IsComplete() }

// indexedNames renvoie les noms sous lesquels le fichier est indexé par
// (nom, taille).
func (r *record) indexedNames() []string {
	names := make([]string, 0, 1+len(r.aliases))
	names = append(names, r.name)
	for _, a := range r.aliases {
		if a != r.name {
			names = append(names, a)
		}
	}
	return names
}

func (r *record) addAlias(name string) bool {
	name = stripControl(name)
	if name == "" || name == r.name || looksLikeURN(name) {
		return false
	}
	for _, a := range r.aliases {
		if a == name {
			return false
		}
	}
	r.aliases = append(r.aliases, name)
	return true
}

func (r *record) touch(now time.Time) {
	r.stamp = now
	r.dirty = true
}

// arena stocke les enregistrements vivants.
type arena struct {
	slots []*record
	epoch []uint32
	free  []uint32
}

func (a *arena) alloc(r *record) Handle {
	var slot uint32
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, nil)
		a.epoch = append(a.epoch, 0)
		slot = uint32(len(a.slots) - 1)
	}
	a.epoch[slot]++
	a.slots[slot] = r
	return Handle{slot: slot + 1, epoch: a.epoch[slot]}
}

func (a *arena) get(h Handle) (*record, bool) {
	if h.slot == 0 || int(h.slot) > len(a.slots) {
		return nil, false
	}
	i := h.slot - 1
	if a.epoch[i] != h.epoch || a.slots[i] == nil {
		return nil, false
	}
	return a.slots[i], true
}

func (a *arena) release(h Handle) {
	if _, ok := a.get(h); !ok {
		return
	}
	a.slots[h.slot-1] = nil
	a.free = append(a.free, h.slot-1)
}

// each parcourt les enregistrements vivants dans l'ordre des emplacements.
func (a *arena) each(fn func(Handle, *record) bool) {
	for i, r := range a.slots {
		if r == nil {
			continue
		}
		if !fn(Handle{slot: uint32(i) + 1, epoch: a.epoch[i]}, r) {
			return
		}
	}
}
