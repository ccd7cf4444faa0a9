package registry

import (
	"errors"
	"fmt"

	"swarmd/internal/allocator"
	"swarmd/internal/chunklist"
	"swarmd/internal/trailer"
)

// quarantine écarte un enregistrement dont la liste de plages n'est plus
// cohérente.
func (r *Registry) quarantine(rec *record, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrInconsistent, rec.path(), cause)
	if !rec.has(FlagQuarantined) {
		rec.flags |= FlagQuarantined
		rec.quarantine = err
		r.logger.Error("File record quarantined", "path", rec.path(), "guid", rec.guid, "error", cause)
	}
	return err
}

func (r *Registry) update(rec *record, from, to uint64, status chunklist.Status, owner chunklist.SourceID) error {
	if rec.has(FlagQuarantined) {
		return ErrQuarantined
	}
	err := rec.chunks.Update(from, to, status, owner)
	switch {
	case err == nil:
	case errors.Is(err, chunklist.ErrBadRange), errors.Is(err, chunklist.ErrMissingOwner):
		return err
	default:
		return r.quarantine(rec, err)
	}
	if r.config.Allocator.Verify {
		if err := rec.chunks.Check(); err != nil {
			return r.quarantine(rec, err)
		}
	}
	rec.touch(r.config.Now())
	return nil
}

// checkFileGone remet à zéro un téléchargement dont le fichier de données
// a disparu.
func (r *Registry) checkFileGone(rec *record) {
	if rec.done() == 0 || rec.has(FlagTransient) {
		return
	}
	if _, err := r.config.Fs.Stat(rec.path()); err != nil && trailer.IsNotExist(err) {
		r.logger.Warn("Data file vanished, restarting download", "path", rec.path(), "lost", rec.done())
		r.reset(rec)
	}
}

func (r *Registry) reset(rec *record) {
	rec.chunks.Reset()
	rec.cha1 = nil
	rec.touch(r.config.Now())
}

// Reset remet toutes les plages à Empty et oublie le SHA-1 calculé.
func (r *Registry) Reset(h Handle) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	r.reset(rec)
	r.logger.Info("Download reset", "path", rec.path())
	return nil
}

func (r *Registry) request(id chunklist.SourceID) (allocator.Request, *record, error) {
	s, rec, err := r.source(id)
	if err != nil {
		return allocator.Request{}, nil, err
	}
	if rec.has(FlagQuarantined) {
		return allocator.Request{}, rec, fmt.Errorf("%w: %s", ErrQuarantined, rec.path())
	}
	r.checkFileGone(rec)
	return allocator.Request{
		List:      rec.chunks,
		Alive:     rec.livecount,
		Requester: s.view(),
		Others:    sourceTable(r.sources),
	}, rec, nil
}

func (r *Registry) allocated(rec *record, res allocator.Result, err error) (allocator.Result, error) {
	if err != nil {
		if errors.Is(err, allocator.ErrInconsistent) || errors.Is(err, allocator.ErrTooManyBusy) {
			return res, r.quarantine(rec, err)
		}
		return res, err
	}
	if res.Outcome == allocator.Reserved {
		rec.touch(r.config.Now())
	}
	return res, nil
}

// FindHole réserve pour la source la prochaine plage à demander.
func (r *Registry) FindHole(id chunklist.SourceID) (allocator.Result, error) {
	r.mu.Lock()
	defer r.unlock()

	req, rec, err := r.request(id)
	if err != nil {
		return allocator.Result{}, err
	}
	res, err := r.alloc.FindHole(req)
	return r.allocated(rec, res, err)
}

// FindAvailableHole réserve une plage parmi celles que le pair annonce.
func (r *Registry) FindAvailableHole(id chunklist.SourceID) (allocator.Result, error) {
	r.mu.Lock()
	defer r.unlock()

	req, rec, err := r.request(id)
	if err != nil {
		return allocator.Result{}, err
	}
	ranges := req.Requester.Ranges
	if ranges == nil {
		ranges = []chunklist.Range{{From: 0, To: rec.size}}
	}
	res, err := r.alloc.FindAvailableHole(req, ranges)
	return r.allocated(rec, res, err)
}

// MarkDone enregistre la réception de [from, to).
func (r *Registry) MarkDone(id chunklist.SourceID, from, to uint64) error {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return err
	}
	if err := r.update(rec, from, to, chunklist.Done, chunklist.NoOwner); err != nil {
		return err
	}
	rec.modified = r.config.Now()
	if rec.complete() {
		r.logger.Info("Download complete", "path", rec.path(), "size", rec.size)
	}
	return nil
}

// Release rend Empty la partie de [from, to) réservée par la source et qui
// ne sera pas servie. Les octets reçus et les réservations des autres
// sources sont conservés.
func (r *Registry) Release(id chunklist.SourceID, from, to uint64) error {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return err
	}
	if from >= to || to > rec.chunks.Size() {
		return fmt.Errorf("%w: [%d, %d) in size %d", chunklist.ErrBadRange, from, to, rec.chunks.Size())
	}
	if freed := rec.chunks.ReleaseOwned(id, from, to); freed > 0 {
		r.logger.Debug("Released reservation", "path", rec.path(), "source", id, "from", from, "to", to, "freed", freed)
	}
	return nil
}

// Reserve marque [from, to) Busy pour la source, hors allocateur.
func (r *Registry) Reserve(id chunklist.SourceID, from, to uint64) error {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return err
	}
	return r.update(rec, from, to, chunklist.Busy, id)
}

func (r *Registry) ChunkStatus(h Handle, from, to uint64) (chunklist.Status, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return chunklist.Empty, err
	}
	return rec.chunks.ChunkStatus(from, to), nil
}

func (r *Registry) PosStatus(h Handle, pos uint64) (chunklist.Status, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return chunklist.Empty, err
	}
	return rec.chunks.PosStatus(pos), nil
}

// RestrictRange réduit une requête d'upload [start, end] (inclus) aux
// données terminées contiguës à start.
func (r *Registry) RestrictRange(h Handle, start, end uint64) (uint64, bool, error) {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return end, false, err
	}
	end, ok := rec.chunks.RestrictRange(start, end)
	return end, ok, nil
}

// SizeKnown installe la taille découverte en cours de route : les octets
// déjà reçus deviennent Done, le reste est Busy pour la source.
func (r *Registry) SizeKnown(id chunklist.SourceID, size uint64) error {
	r.mu.Lock()
	defer r.unlock()

	s, rec, err := r.source(id)
	if err != nil {
		return err
	}
	if rec.sizeKnown && rec.chunks.Len() > 0 {
		return fmt.Errorf("%w: %s", ErrSizeAlreadySet, rec.path())
	}
	done := rec.size // octets reçus tant que la taille était inconnue
	if done > size {
		done = size
	}
	r.index.remove(s.handle, rec)
	rec.chunks = chunklist.New(0)
	if err := rec.chunks.InitKnownSize(done, size, id); err != nil {
		r.index.insert(s.handle, rec)
		return err
	}
	rec.size = size
	rec.sizeKnown = true
	r.index.insert(s.handle, rec)
	rec.touch(r.config.Now())
	r.logger.Info("File size discovered", "path", rec.path(), "size", size, "done", done)
	return nil
}

// GrowUnknown note des octets reçus avant que la taille ne soit connue.
func (r *Registry) GrowUnknown(id chunklist.SourceID, n uint64) error {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return err
	}
	if rec.sizeKnown {
		return fmt.Errorf("%w: %s", ErrSizeAlreadySet, rec.path())
	}
	rec.size += n
	rec.touch(r.config.Now())
	return nil
}

// NewChunkOwner confie à la source la plage Busy recouvrant [from, to) et
// libère ses autres plages Busy.
func (r *Registry) NewChunkOwner(id chunklist.SourceID, from, to uint64) error {
	r.mu.Lock()
	defer r.unlock()

	_, rec, err := r.source(id)
	if err != nil {
		return err
	}
	rec.chunks.ClearOwner(id)
	old, ok := rec.chunks.Reassign(id, from, to)
	if !ok {
		return fmt.Errorf("%w: no busy chunk in [%d, %d) of %s", chunklist.ErrBadRange, from, to, rec.path())
	}
	r.logger.Debug("Chunk owner changed", "path", rec.path(), "from", from, "to", to, "old_owner", old, "new_owner", id)
	return nil
}
