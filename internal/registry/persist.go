package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"swarmd/internal/chunklist"
	"swarmd/internal/textindex"
	"swarmd/internal/trailer"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const rescanWorkers = 8

var ErrNotComplete = errors.New("download is not complete")

func (r *Registry) toTrailer(rec *record) *trailer.Record {
	return &trailer.Record{
		Created:    rec.created,
		NTime:      rec.ntime,
		SizeKnown:  rec.sizeKnown,
		Size:       rec.size,
		Generation: rec.generation,
		GUID:       rec.guid,
		SHA1:       rec.sha1,
		CHA1:       rec.cha1,
		TTH:        rec.tth,
		TigerTree:  rec.tigerTree,
		Aliases:    rec.aliases,
		Chunks:     rec.chunks.Chunks(),
	}
}

func (r *Registry) toEntry(rec *record) textindex.Entry {
	return textindex.Entry{
		Name:       rec.name,
		Dir:        rec.dir,
		GUID:       rec.guid,
		Generation: rec.generation,
		Aliases:    append([]string(nil), rec.aliases...),
		SHA1:       rec.sha1,
		TTH:        rec.tth,
		CHA1:       rec.cha1,
		Size:       rec.size,
		SizeKnown:  rec.sizeKnown,
		Paused:     rec.has(FlagPaused),
		Done:       rec.done(),
		Stamp:      rec.stamp,
		Created:    rec.created,
		NTime:      rec.ntime,
		Swarming:   rec.swarming,
		Chunks:     rec.chunks.Chunks(),
		RefCount:   rec.refcount,
	}
}

// storeBinary écrit le trailer de rec avec une génération incrémentée.
// Hors force, les écritures d'un même fichier sont espacées de StoreDelay.
// Un fichier de données absent n'est pas une erreur : rien n'est écrit.
func (r *Registry) storeBinary(rec *record, force bool) error {
	if rec.has(FlagTransient) || rec.has(FlagStripped) || rec.has(FlagSeeding) {
		return nil
	}
	now := r.config.Now()
	if !force && !rec.lastFlush.IsZero() && now.Sub(rec.lastFlush) < r.config.StoreDelay {
		return nil
	}
	tr := r.toTrailer(rec)
	tr.Generation = rec.generation + 1
	err := trailer.Write(r.config.Fs, rec.path(), rec.size, r.codec.Encode(tr))
	switch {
	case err == nil:
	case trailer.IsNotExist(err):
		return nil
	default:
		r.logger.Warn("Cannot write trailer, will retry", "path", rec.path(), "error", err)
		return err
	}
	rec.generation = tr.Generation
	rec.lastFlush = now
	rec.dirty = false
	r.logger.Debug("Trailer written", "path", rec.path(), "generation", rec.generation, "done", rec.done())
	return nil
}

// StoreRecord écrit le trailer d'un seul enregistrement.
func (r *Registry) StoreRecord(h Handle, force bool) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	return r.storeBinary(rec, force)
}

// indexable indique si rec a sa place dans l'index.
func (r *Registry) indexable(rec *record) bool {
	if rec.has(FlagTransient) || rec.has(FlagSeeding) || rec.has(FlagStripped) {
		return false
	}
	if rec.refcount == 0 && rec.complete() {
		if exists, _ := afero.Exists(r.config.Fs, rec.path()); !exists {
			return false
		}
	}
	return true
}

// Store écrit les trailers en retard puis l'index complet. Les erreurs
// d'écriture de trailer sont journalisées et retentées au prochain appel.
func (r *Registry) Store(ctx context.Context, force bool) error {
	r.mu.Lock()
	var entries []textindex.Entry
	failed := 0
	r.index.paths(func(_ string, h Handle) bool {
		rec, _ := r.arena.get(h)
		if rec.dirty || force {
			if err := r.storeBinary(rec, force); err != nil {
				failed++
			}
		}
		if r.indexable(rec) {
			entries = append(entries, r.toEntry(rec))
		}
		return true
	})
	r.unlock()

	if failed > 0 {
		r.logger.Warn("Some trailers could not be written", "failed", failed)
	}
	if r.config.Store == nil {
		return nil
	}
	if err := r.config.Store.Save(ctx, entries); err != nil {
		return fmt.Errorf("saving index: %w", err)
	}
	r.logger.Info("Download index saved", "entries", len(entries))
	return nil
}

// RetrieveAll recharge l'index et réconcilie chaque entrée avec le trailer
// de son fichier. Renvoie le nombre d'enregistrements retenus.
func (r *Registry) RetrieveAll(ctx context.Context) (int, error) {
	if r.config.Store == nil {
		return 0, nil
	}
	entries, err := r.config.Store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading index: %w", err)
	}

	r.mu.Lock()
	defer r.unlock()
	kept := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return kept, err
		}
		if r.retrieve(&entries[i]) {
			kept++
		}
	}
	r.logger.Info("Download index loaded", "entries", len(entries), "kept", kept)
	return kept, nil
}

// retrieve réconcilie une entrée de l'index avec son trailer.
func (r *Registry) retrieve(e *textindex.Entry) bool {
	path := filepath.Clean(e.Path())
	discard := func(reason string) bool {
		r.logger.Warn("Discarding index entry", "path", path, "reason", reason)
		return false
	}
	if e.Name == "" || e.Dir == "" {
		return discard("missing name or path")
	}
	if _, dup := r.index.byPath.Get(path); dup {
		return discard("duplicate path")
	}

	rec := &record{
		name:       e.Name,
		dir:        filepath.Clean(e.Dir),
		size:       e.Size,
		sizeKnown:  e.SizeKnown && e.Size > 0,
		sha1:       e.SHA1,
		cha1:       e.CHA1,
		tth:        e.TTH,
		guid:       e.GUID,
		generation: e.Generation,
		created:    e.Created,
		ntime:      e.NTime,
		stamp:      e.Stamp,
		swarming:   e.Swarming,
	}
	if e.Paused {
		rec.flags |= FlagPaused
	}
	for _, a := range e.Aliases {
		rec.addAlias(a)
	}
	upgraded, create := false, false
	if rec.guid.IsZero() {
		rec.guid = r.freshGUID()
		upgraded = true
	}

	reload := false
	list, err := chunklist.FromChunks(e.Size, e.Chunks)
	if err != nil || (len(e.Chunks) == 0 && e.Size > 0) {
		if err != nil {
			r.logger.Warn("Invalid chunk list in index, trying trailer", "path", path, "error", err)
		}
		list = chunklist.New(e.Size)
		reload = true
	}
	rec.chunks = list

	tr, trErr := r.codec.Read(r.config.Fs, path)
	if trErr != nil {
		tr = nil
		if !trailer.IsNotExist(trErr) {
			r.logger.Debug("No usable trailer", "path", path, "error", trErr)
		}
	}

	if tr != nil {
		if reload && tr.Size == rec.size {
			if l, err := chunklist.FromChunks(tr.Size, tr.Chunks); err == nil {
				rec.chunks = l
			}
		}
		if !tr.GUID.IsZero() && tr.GUID != rec.guid {
			upgraded = true
		}
		if rec.tth == nil && tr.TTH != nil {
			rec.tth = tr.TTH
		}
		if len(rec.tigerTree) == 0 && rec.tth != nil && tr.TTH != nil && *tr.TTH == *rec.tth {
			rec.tigerTree = tr.TigerTree
		}
	} else {
		info, err := r.config.Fs.Stat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			create = true
		case rec.done() > 0:
			return discard("data file lost")
		}
	}

	if tr != nil {
		switch {
		case tr.Generation > rec.generation:
			r.logger.Info("Trailer is newer than index", "path", path,
				"trailer_generation", tr.Generation, "index_generation", rec.generation)
			fresh := r.recordFromTrailer(tr, rec.name, rec.dir)
			fresh.flags = rec.flags
			fresh.stamp = rec.stamp
			fresh.swarming = rec.swarming
			rec = fresh
		case tr.Generation < rec.generation:
			r.logger.Info("Index is newer than trailer", "path", path,
				"trailer_generation", tr.Generation, "index_generation", rec.generation)
			upgraded = true
		}
	}

	if _, dup := r.index.conflict(rec); dup {
		return discard("duplicate file")
	}
	if upgraded || create {
		if err := r.storeBinary(rec, true); err != nil {
			rec.dirty = true
		}
	}
	r.insert(rec)
	r.publish(rec)
	return true
}

type scanned struct {
	path string
	tr   *trailer.Record
}

// Rescan parcourt dir à la recherche de fichiers portant un trailer valide
// inconnus de l'index, pour reconstruire un index perdu.
func (r *Registry) Rescan(ctx context.Context, dir string) (int, error) {
	infos, err := afero.ReadDir(r.config.Fs, dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	found := make([]scanned, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rescanWorkers)
	for i, info := range infos {
		if !info.Mode().IsRegular() || strings.HasSuffix(info.Name(), deadSuffix) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, info.Name())
			tr, err := r.codec.Read(r.config.Fs, path)
			if err != nil {
				return nil
			}
			found[i] = scanned{path: path, tr: tr}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.unlock()
	added := 0
	for _, p := range found {
		if p.tr == nil {
			continue
		}
		if _, known := r.index.byPath.Get(p.path); known {
			continue
		}
		if p.tr.SHA1 != nil && p.tr.CHA1 != nil && *p.tr.SHA1 != *p.tr.CHA1 {
			r.logger.Warn("Trailer hash mismatch", "path", p.path)
			r.markDead(p.path)
			continue
		}
		rec := r.recordFromTrailer(p.tr, filepath.Base(p.path), filepath.Clean(dir))
		if _, dup := r.index.conflict(rec); dup {
			r.markDead(p.path)
			continue
		}
		r.insert(rec)
		r.publish(rec)
		added++
		r.logger.Info("Recovered download from trailer", "path", p.path, "done", rec.done())
	}
	return added, nil
}

// StripTrailer retire le trailer d'un téléchargement terminé.
func (r *Registry) StripTrailer(h Handle) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	if !rec.complete() {
		return fmt.Errorf("%w: %s", ErrNotComplete, rec.path())
	}
	if trailer.Has(r.config.Fs, rec.path()) {
		if err := trailer.Strip(r.config.Fs, rec.path(), rec.size); err != nil {
			return err
		}
	}
	rec.flags |= FlagStripped
	r.logger.Info("Trailer stripped", "path", rec.path())
	return nil
}

// HasTrailer indique si le fichier de données porte un trailer valide.
func (r *Registry) HasTrailer(h Handle) bool {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return false
	}
	return trailer.Has(r.config.Fs, rec.path())
}
