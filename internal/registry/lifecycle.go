package registry

import (
	"fmt"
	"path/filepath"

	"swarmd/internal/trailer"
)

func (r *Registry) setFlag(h Handle, f Flags, on bool) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	if on {
		rec.flags |= f
	} else {
		rec.flags &^= f
	}
	rec.dirty = true
	return nil
}

func (r *Registry) Pause(h Handle) error  { return r.setFlag(h, FlagPaused, true) }
func (r *Registry) Resume(h Handle) error { return r.setFlag(h, FlagPaused, false) }

// SetSeeding marque un fichier terminé partagé depuis son emplacement
// final ; il n'est plus écrit dans l'index.
func (r *Registry) SetSeeding(h Handle, on bool) error { return r.setFlag(h, FlagSeeding, on) }

// SetDiscard demande la suppression de l'enregistrement au dernier
// détachement. Sans source attachée, la suppression est immédiate.
func (r *Registry) SetDiscard(h Handle, on bool) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	if !on {
		rec.flags &^= FlagDiscardOnEmpty
		return nil
	}
	rec.flags |= FlagDiscardOnEmpty
	r.unref(h, rec)
	return nil
}

// Purge détache toutes les sources, supprime le fichier partiel et
// l'enregistrement.
func (r *Registry) Purge(h Handle) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	for id := range rec.sources {
		delete(r.sources, id)
	}
	rec.sources = nil
	rec.refcount, rec.livecount = 0, 0

	if !rec.has(FlagTransient) && !rec.has(FlagSeeding) {
		if err := r.config.Fs.Remove(rec.path()); err != nil && !trailer.IsNotExist(err) {
			r.logger.Warn("Cannot remove partial file", "path", rec.path(), "error", err)
		} else {
			rec.flags |= FlagUnlinked
		}
	}
	r.discard(h, rec, "purged")
	return nil
}

// Moved enregistre que le fichier de données se trouve désormais à path.
func (r *Registry) Moved(h Handle, path string) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	return r.moved(h, rec, path)
}

func (r *Registry) moved(h Handle, rec *record, path string) error {
	path = filepath.Clean(path)
	if other, taken := r.index.byPath.Get(path); taken && other != h {
		return fmt.Errorf("%w: %s", ErrDuplicate, path)
	}
	old := rec.path()
	r.index.remove(h, rec)
	rec.dir, rec.name = filepath.Split(path)
	rec.dir = filepath.Clean(rec.dir)
	rec.addAlias(filepath.Base(old))
	r.index.insert(h, rec)
	rec.touch(r.config.Now())
	r.logger.Info("Download moved", "from", old, "to", path)
	return nil
}

// Rename déplace le fichier de données sous newName, dans le même
// répertoire.
func (r *Registry) Rename(h Handle, newName string) error {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return err
	}
	target := filepath.Join(rec.dir, sanitizeName(newName))
	if _, taken := r.index.byPath.Get(target); taken {
		return fmt.Errorf("%w: %s", ErrDuplicate, target)
	}
	if err := r.config.Fs.Rename(rec.path(), target); err != nil && !trailer.IsNotExist(err) {
		return fmt.Errorf("renaming %s: %w", rec.path(), err)
	}
	return r.moved(h, rec, target)
}
