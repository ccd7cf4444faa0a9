package registry

import (
	"fmt"

	"swarmd/internal/digest"
)

// GotSHA1 attache le SHA-1 découvert à h. Si un autre téléchargement le
// possède déjà, celui sans progression est abandonné et ses sources sont
// rattachées au survivant, dont le handle est renvoyé.
func (r *Registry) GotSHA1(h Handle, sha1 digest.SHA1) (Handle, error) {
	r.mu.Lock()
	defer r.unlock()
	return r.gotSHA1(h, sha1)
}

func (r *Registry) gotSHA1(h Handle, sha1 digest.SHA1) (Handle, error) {
	rec, err := r.get(h)
	if err != nil {
		return h, err
	}
	if rec.sha1 != nil {
		if *rec.sha1 == sha1 {
			return h, nil
		}
		return h, fmt.Errorf("%w: %s already has %s", ErrHashImmutable, rec.path(), rec.sha1)
	}

	other, owned := r.index.bySHA1[sha1]
	if !owned || other == h {
		r.setSHA1(h, rec, sha1)
		return h, nil
	}
	orec, _ := r.arena.get(other)

	switch {
	case rec.done() > 0 && orec.done() > 0:
		r.logger.Warn("Content hash owned by another download with progress",
			"path", rec.path(), "other", orec.path(), "sha1", sha1)
		return h, fmt.Errorf("%w: %s and %s", ErrHashConflict, rec.path(), orec.path())
	case rec.done() == 0:
		r.reparent(h, rec, other, orec)
		if rec.sizeKnown && orec.sizeKnown && rec.size == orec.size {
			r.index.remove(other, orec)
			orec.addAlias(rec.name)
			r.index.insert(other, orec)
		}
		r.discard(h, rec, "duplicate of "+orec.path())
		return other, nil
	default:
		r.reparent(other, orec, h, rec)
		r.discard(other, orec, "duplicate of "+rec.path())
		r.setSHA1(h, rec, sha1)
		return h, nil
	}
}

func (r *Registry) setSHA1(h Handle, rec *record, sha1 digest.SHA1) {
	r.index.remove(h, rec)
	rec.sha1 = &sha1
	r.index.insert(h, rec)
	rec.touch(r.config.Now())
	r.logger.Info("Content hash attached", "path", rec.path(), "sha1", sha1)
	r.publish(rec)
}

// GotCHA1 enregistre le SHA-1 calculé sur le fichier terminé.
func (r *Registry) GotCHA1(h Handle, cha1 digest.SHA1) error {
	r.mu.Lock()
	defer r.unlock()

	rec, err := r.get(h)
	if err != nil {
		return err
	}
	rec.cha1 = &cha1
	rec.touch(r.config.Now())
	if rec.sha1 != nil && *rec.sha1 != cha1 {
		r.logger.Warn("Computed SHA-1 does not match expected content",
			"path", rec.path(), "expected", rec.sha1, "computed", cha1)
	}
	return nil
}

// GotTTH enregistre la racine Tiger Tree Hash, immuable une fois posée.
func (r *Registry) GotTTH(h Handle, tth digest.TTH) error {
	r.mu.Lock()
	defer r.unlock()

	rec, err := r.get(h)
	if err != nil {
		return err
	}
	if rec.tth != nil {
		if *rec.tth == tth {
			return nil
		}
		return fmt.Errorf("%w: %s already has TTH %s", ErrHashImmutable, rec.path(), rec.tth)
	}
	rec.tth = &tth
	rec.touch(r.config.Now())
	return nil
}

// GotTigerTree remplace les feuilles de l'arbre Tiger. Le nouvel arbre doit
// être plus détaillé que le précédent.
func (r *Registry) GotTigerTree(h Handle, leaves []digest.TTH) error {
	r.mu.Lock()
	defer r.unlock()

	rec, err := r.get(h)
	if err != nil {
		return err
	}
	if rec.tth == nil {
		return fmt.Errorf("%w: %s has no TTH root", ErrBadTigerTree, rec.path())
	}
	if len(leaves) <= len(rec.tigerTree) {
		return fmt.Errorf("%w: %d leaves, already %d", ErrBadTigerTree, len(leaves), len(rec.tigerTree))
	}
	if len(leaves) == 1 && leaves[0] != *rec.tth {
		return fmt.Errorf("%w: single leaf differs from root", ErrBadTigerTree)
	}
	rec.tigerTree = append([]digest.TTH(nil), leaves...)
	rec.touch(r.config.Now())
	return nil
}
