package registry

import (
	"fmt"

	"swarmd/internal/allocator"
	"swarmd/internal/chunklist"

	"github.com/samber/lo"
)

// source est un pair attaché à un enregistrement.
type source struct {
	id         chunklist.SourceID
	handle     Handle
	alive      bool // active ou en file d'attente
	queued     bool
	receiving  bool
	throughput uint64
	ranges     []chunklist.Range // nil : le fichier entier
	available  uint64
	pipelining bool
	served     int
}

func (s *source) live() bool { return s.alive || s.queued }

func (s *source) view() allocator.Source {
	return allocator.Source{
		ID:         s.id,
		Throughput: s.throughput,
		Ranges:     s.ranges,
		Available:  s.available,
		Pipelining: s.pipelining,
		ServedReqs: s.served,
	}
}

// SourceOptions décrit une source au moment de son attachement.
type SourceOptions struct {
	Alive      bool
	Queued     bool
	Pipelining bool
}

// SourceState est l'état de liaison d'une source.
type SourceState struct {
	Alive     bool
	Queued    bool
	Receiving bool
}

// sourceTable expose les sources à l'allocateur. Le verrou du registre est
// déjà tenu.
type sourceTable map[chunklist.SourceID]*source

func (t sourceTable) Source(id chunklist.SourceID) (allocator.Source, bool) {
	s, ok := t[id]
	if !ok {
		return allocator.Source{}, false
	}
	return s.view(), true
}

func (r *Registry) source(id chunklist.SourceID) (*source, *record, error) {
	s, ok := r.sources[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}
	rec, err := r.get(s.handle)
	if err != nil {
		return nil, nil, err
	}
	return s, rec, nil
}

// AddSource attache une nouvelle source à h et renvoie son identifiant.
func (r *Registry) AddSource(h Handle, opts SourceOptions) (chunklist.SourceID, error) {
	r.mu.Lock()
	defer r.unlock()

	rec, err := r.get(h)
	if err != nil {
		return chunklist.NoOwner, err
	}
	r.nextSrc++
	s := &source{
		id:         r.nextSrc,
		handle:     h,
		alive:      opts.Alive,
		queued:     opts.Queued,
		pipelining: opts.Pipelining,
	}
	r.sources[s.id] = s
	rec.sources[s.id] = struct{}{}
	rec.refcount++
	if s.live() {
		rec.livecount++
	}
	rec.state = Active
	rec.ntime = r.config.Now()
	rec.dirty = true
	r.logger.Debug("Source added", "path", rec.path(), "source_id", s.id, "refcount", rec.refcount)
	return s.id, nil
}

// RemoveSource libère les plages Busy de la source puis la détache. Le
// dernier détachement peut supprimer l'enregistrement.
func (r *Registry) RemoveSource(id chunklist.SourceID) error {
	r.mu.Lock()
	defer r.unlock()

	s, rec, err := r.source(id)
	if err != nil {
		return err
	}
	if n := rec.chunks.ClearOwner(id); n > 0 {
		rec.dirty = true
	}
	delete(r.sources, id)
	delete(rec.sources, id)
	rec.refcount--
	if s.live() {
		rec.livecount--
	}
	r.logger.Debug("Source removed", "path", rec.path(), "source_id", id, "refcount", rec.refcount)
	r.unref(s.handle, rec)
	return nil
}

// unref applique la transition de fin de références.
func (r *Registry) unref(h Handle, rec *record) {
	if rec.refcount > 0 || rec.state == Discarded {
		return
	}
	if rec.has(FlagDiscardOnEmpty) || rec.has(FlagTransient) {
		r.discard(h, rec, "no more references")
		return
	}
	rec.state = ZeroRefsKept
}

// ClearSourceChunks rend Empty toutes les plages Busy de la source.
func (r *Registry) ClearSourceChunks(id chunklist.SourceID) (int, error) {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return 0, err
	}
	n := rec.chunks.ClearOwner(id)
	if n > 0 {
		rec.dirty = true
	}
	return n, nil
}

// SetSourceState met à jour l'état de liaison et le compteur de sources
// vivantes.
func (r *Registry) SetSourceState(id chunklist.SourceID, st SourceState) error {
	r.mu.Lock()
	defer r.unlock()

	s, rec, err := r.source(id)
	if err != nil {
		return err
	}
	was := s.live()
	s.alive, s.queued, s.receiving = st.Alive, st.Queued, st.Receiving
	switch now := s.live(); {
	case now && !was:
		rec.livecount++
	case !now && was:
		rec.livecount--
	}
	return nil
}

// SetSourceStats enregistre le débit observé et le nombre de requêtes
// servies.
func (r *Registry) SetSourceStats(id chunklist.SourceID, throughput uint64, served int) error {
	r.mu.Lock()
	defer r.unlock()

	s, _, err := r.source(id)
	if err != nil {
		return err
	}
	s.throughput, s.served = throughput, served
	return nil
}

// SetSourceRanges enregistre les plages annoncées par le pair. nil signifie
// le fichier entier. Les plages sont aussi retenues comme vues sur le
// réseau.
func (r *Registry) SetSourceRanges(id chunklist.SourceID, ranges []chunklist.Range) error {
	r.mu.Lock()
	defer r.unlock()

	s, rec, err := r.source(id)
	if err != nil {
		return err
	}
	s.ranges = append([]chunklist.Range(nil), ranges...)
	s.available = lo.SumBy(ranges, func(rg chunklist.Range) uint64 { return rg.Len() })
	rec.seen = mergeRanges(append(rec.seen, ranges...))
	return nil
}

// reparent rattache toutes les sources de from à to.
func (r *Registry) reparent(from Handle, fromRec *record, to Handle, toRec *record) {
	ids := lo.Keys(fromRec.sources)
	for _, id := range ids {
		s := r.sources[id]
		s.handle = to
		toRec.sources[id] = struct{}{}
		toRec.refcount++
		if s.live() {
			toRec.livecount++
		}
	}
	if len(ids) > 0 {
		toRec.state = Active
		r.logger.Info("Sources reparented", "from", fromRec.path(), "to", toRec.path(), "count", len(ids))
	}
	fromRec.sources = make(map[chunklist.SourceID]struct{})
	fromRec.refcount, fromRec.livecount = 0, 0
}

// sourceCounts répartit les sources selon leur état.
func (r *Registry) sourceCounts(rec *record) (receiving, queued, other int) {
	for id := range rec.sources {
		s := r.sources[id]
		switch {
		case s.receiving:
			receiving++
		case s.queued:
			queued++
		default:
			other++
		}
	}
	return
}
