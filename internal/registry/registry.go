// Package registry tient l'ensemble des téléchargements en essaim : les
// enregistrements de fichiers, leurs index d'identité, les sources qui y
// sont attachées et la persistance (trailers et index textuel).
//
// Toutes les opérations passent par un unique verrou du Registry.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"swarmd/internal/allocator"
	"swarmd/internal/chunklist"
	"swarmd/internal/digest"
	"swarmd/internal/indexstore"
	"swarmd/internal/textindex"
	"swarmd/internal/trailer"

	"github.com/spf13/afero"
)

const (
	DefaultStoreDelay = 60 * time.Second
	deadSuffix        = ".DEAD"
	maxUniqueTries    = 1000
)

var (
	ErrNotFound       = errors.New("file record not found")
	ErrUnknownSource  = errors.New("unknown source")
	ErrHashConflict   = errors.New("content hash already owned by another download with progress")
	ErrHashImmutable  = errors.New("content hash already set")
	ErrSizeMismatch   = errors.New("file size does not match existing download")
	ErrInconsistent   = errors.New("inconsistent file record")
	ErrQuarantined    = errors.New("file record is quarantined")
	ErrDuplicate      = errors.New("duplicate file record")
	ErrNoUniqueName   = errors.New("cannot derive a unique output name")
	ErrSizeAlreadySet = errors.New("file size already known")
	ErrBadTigerTree   = errors.New("tiger tree does not grow")
)

var looksLikeURN = textindex.LooksLikeURN

// Config configure un Registry.
type Config struct {
	Fs    afero.Fs
	Store indexstore.Store // index textuel (ou autre support), facultatif
	DHT   DHT              // facultatif
	// StrictSHA1 : une recherche par SHA-1 infructueuse ne retombe pas sur
	// la recherche par nom et taille.
	StrictSHA1 bool
	StoreDelay time.Duration
	Allocator  allocator.Config
	Now        func() time.Time
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.StoreDelay <= 0 {
		c.StoreDelay = DefaultStoreDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "registry")
	}
	if c.Allocator.Logger == nil {
		c.Allocator.Logger = c.Logger.With("subcomponent", "allocator")
	}
}

// Registry regroupe les enregistrements, les index et les sources.
type Registry struct {
	mu      sync.Mutex
	config  Config
	arena   arena
	index   *index
	sources map[chunklist.SourceID]*source
	nextSrc chunklist.SourceID
	alloc   *allocator.Allocator
	codec   *trailer.Codec
	logger  *slog.Logger

	// Annonces DHT décidées sous le verrou, envoyées par unlock.
	toPublish []digest.SHA1
}

// unlock relâche le verrou puis effectue les annonces DHT en attente, pour
// qu'une DHT puisse rappeler le registre depuis Publish.
func (r *Registry) unlock() {
	pending := r.toPublish
	r.toPublish = nil
	r.mu.Unlock()
	if r.config.DHT == nil {
		return
	}
	for _, sha1 := range pending {
		r.config.DHT.Publish(sha1)
	}
}

func New(config Config) *Registry {
	config.setDefaults()
	return &Registry{
		config:  config,
		index:   newIndex(),
		sources: make(map[chunklist.SourceID]*source),
		alloc:   allocator.New(config.Allocator),
		codec:   trailer.NewCodec(trailer.CodecConfig{Now: config.Now, Logger: config.Logger.With("subcomponent", "trailer")}),
		logger:  config.Logger,
	}
}

func (r *Registry) get(h Handle) (*record, error) {
	rec, ok := r.arena.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %s", ErrNotFound, h)
	}
	return rec, nil
}

// Len renvoie le nombre d'enregistrements vivants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.unlock()
	n := 0
	r.arena.each(func(Handle, *record) bool { n++; return true })
	return n
}

// Lookup résout un fichier par SHA-1, puis par (nom, taille) si le nom
// désigne un seul enregistrement.
func (r *Registry) Lookup(name string, size uint64, sha1 *digest.SHA1) (Handle, bool) {
	r.mu.Lock()
	defer r.unlock()
	return r.lookup(name, size, sha1)
}

func (r *Registry) lookup(name string, size uint64, sha1 *digest.SHA1) (Handle, bool) {
	if sha1 != nil {
		if h, ok := r.index.bySHA1[*sha1]; ok {
			return h, true
		}
		if r.config.StrictSHA1 {
			return Handle{}, false
		}
	}
	h, ok := r.index.byName(name, size)
	if !ok {
		return Handle{}, false
	}
	rec, _ := r.arena.get(h)
	// Un SHA-1 différent désigne un autre contenu.
	if sha1 != nil && rec.sha1 != nil && *rec.sha1 != *sha1 {
		return Handle{}, false
	}
	return h, true
}

func (r *Registry) ByGUID(g digest.GUID) (Handle, bool) {
	r.mu.Lock()
	defer r.unlock()
	h, ok := r.index.byGUID[g]
	return h, ok
}

func (r *Registry) ByPath(path string) (Handle, bool) {
	r.mu.Lock()
	defer r.unlock()
	return r.index.byPath.Get(filepath.Clean(path))
}

func (r *Registry) BySHA1(sha1 digest.SHA1) (Handle, bool) {
	r.mu.Lock()
	defer r.unlock()
	h, ok := r.index.bySHA1[sha1]
	return h, ok
}

// GetOrCreate est le point d'entrée unique pour attacher une nouvelle cible
// de téléchargement. Un enregistrement existant est réutilisé quand le SHA-1
// ou le couple (nom, taille) le désigne ; sinon un nouvel enregistrement
// est créé sous un nom de sortie unique dans dir.
func (r *Registry) GetOrCreate(name, dir string, size uint64, sha1 *digest.SHA1, sizeKnown bool) (Handle, error) {
	r.mu.Lock()
	defer r.unlock()

	name = sanitizeName(name)
	if !sizeKnown {
		size = 0
	}
	if h, ok := r.lookup(name, size, sha1); ok {
		if err := r.adopt(h, name, size, sha1, sizeKnown); err != nil {
			return Handle{}, err
		}
		return h, nil
	}

	dir = filepath.Clean(dir)
	if h, ok, err := r.fromExistingTrailer(name, dir, size, sha1); err != nil || ok {
		return h, err
	}

	outname, err := r.uniqueName(dir, name)
	if err != nil {
		return Handle{}, err
	}
	now := r.config.Now()
	rec := &record{
		name:      outname,
		dir:       dir,
		size:      size,
		sizeKnown: sizeKnown,
		guid:      r.freshGUID(),
		chunks:    chunklist.New(size),
		created:   now,
		stamp:     now,
		modified:  now,
		dirty:     true,
		swarming:  true,
	}
	if sha1 != nil {
		v := *sha1
		rec.sha1 = &v
	}
	if outname != name {
		rec.addAlias(name)
	}
	h := r.insert(rec)
	r.logger.Info("New download registered", "path", rec.path(), "size", size, "size_known", sizeKnown, "guid", rec.guid)
	r.publish(rec)
	return h, nil
}

// GetOrCreateTransient crée un enregistrement jamais persisté ni indexé
// autrement que par GUID.
func (r *Registry) GetOrCreateTransient(name, dir string, size uint64) Handle {
	r.mu.Lock()
	defer r.unlock()
	now := r.config.Now()
	rec := &record{
		name:      sanitizeName(name),
		dir:       filepath.Clean(dir),
		size:      size,
		sizeKnown: size > 0,
		guid:      r.freshGUID(),
		chunks:    chunklist.New(size),
		flags:     FlagTransient,
		created:   now,
		stamp:     now,
	}
	return r.insert(rec)
}

// adopt réutilise h pour une nouvelle demande (name, size, sha1).
func (r *Registry) adopt(h Handle, name string, size uint64, sha1 *digest.SHA1, sizeKnown bool) error {
	rec, _ := r.arena.get(h)
	if sizeKnown && rec.sizeKnown && rec.size != size {
		if rec.done() > 0 {
			return fmt.Errorf("%w: %s has %d bytes, request for %d", ErrSizeMismatch, rec.path(), rec.size, size)
		}
		// Aucun octet reçu : la nouvelle taille annoncée remplace l'ancienne.
		r.index.remove(h, rec)
		r.logger.Info("Resizing download without progress", "path", rec.path(), "old_size", rec.size, "new_size", size)
		rec.size = size
		rec.chunks = chunklist.New(size)
		r.index.insert(h, rec)
	}
	if sha1 != nil && rec.sha1 == nil {
		if _, err := r.gotSHA1(h, *sha1); err != nil {
			return err
		}
	}
	if sizeKnown && rec.sizeKnown && name != rec.name {
		r.index.remove(h, rec)
		rec.addAlias(name)
		r.index.insert(h, rec)
	}
	rec.touch(r.config.Now())
	r.logger.Debug("Reusing existing download", "path", rec.path(), "name", name, "guid", rec.guid)
	return nil
}

// fromExistingTrailer reprend un fichier déjà présent dans dir s'il porte
// un trailer compatible. Un trailer incompatible fait renommer le fichier
// en .DEAD.
func (r *Registry) fromExistingTrailer(name, dir string, size uint64, sha1 *digest.SHA1) (Handle, bool, error) {
	path := filepath.Join(dir, name)
	if _, taken := r.index.byPath.Get(path); taken || !trailer.Has(r.config.Fs, path) {
		return Handle{}, false, nil
	}
	tr, err := r.codec.Read(r.config.Fs, path)
	if err != nil {
		r.logger.Warn("Ignoring unreadable trailer", "path", path, "error", err)
		return Handle{}, false, nil
	}
	compatible := (sha1 == nil || tr.SHA1 == nil || *tr.SHA1 == *sha1) &&
		(size == 0 || !tr.SizeKnown || tr.Size == size)
	rec := r.recordFromTrailer(tr, name, dir)
	if compatible {
		if _, dup := r.index.conflict(rec); dup {
			compatible = false
		}
	}
	if !compatible {
		r.markDead(path)
		return Handle{}, false, nil
	}
	if sha1 != nil && rec.sha1 == nil {
		v := *sha1
		rec.sha1 = &v
	}
	h := r.insert(rec)
	r.logger.Info("Resuming download from trailer", "path", path, "done", rec.done(), "generation", rec.generation)
	r.publish(rec)
	return h, true, nil
}

// markDead renomme un fichier dont le trailer ne peut pas être repris.
func (r *Registry) markDead(path string) {
	dead := path + deadSuffix
	if err := r.config.Fs.Rename(path, dead); err != nil {
		r.logger.Error("Cannot rename conflicting file aside", "path", path, "error", err)
		return
	}
	r.logger.Warn("Renamed conflicting file aside", "path", path, "dead", dead)
}

func (r *Registry) recordFromTrailer(tr *trailer.Record, name, dir string) *record {
	list, err := chunklist.FromChunks(tr.Size, tr.Chunks)
	if err != nil {
		list = chunklist.New(tr.Size)
	}
	rec := &record{
		name:       name,
		dir:        dir,
		size:       tr.Size,
		sizeKnown:  tr.SizeKnown || tr.Size > 0,
		sha1:       tr.SHA1,
		cha1:       tr.CHA1,
		tth:        tr.TTH,
		tigerTree:  tr.TigerTree,
		guid:       tr.GUID,
		chunks:     list,
		generation: tr.Generation,
		created:    tr.Created,
		ntime:      tr.NTime,
		stamp:      r.config.Now(),
		swarming:   true,
	}
	for _, a := range tr.Aliases {
		rec.addAlias(a)
	}
	if rec.guid.IsZero() {
		rec.guid = r.freshGUID()
		rec.dirty = true
	}
	return rec
}

func (r *Registry) insert(rec *record) Handle {
	h := r.arena.alloc(rec)
	if rec.sources == nil {
		rec.sources = make(map[chunklist.SourceID]struct{})
	}
	r.index.insert(h, rec)
	return h
}

// discard retire définitivement un enregistrement.
func (r *Registry) discard(h Handle, rec *record, reason string) {
	r.index.remove(h, rec)
	rec.state = Discarded
	r.arena.release(h)
	r.logger.Info("Discarding file record", "path", rec.path(), "guid", rec.guid, "reason", reason)
}

func (r *Registry) freshGUID() digest.GUID {
	for {
		g := digest.NewGUID()
		if _, taken := r.index.byGUID[g]; !taken && !g.IsZero() {
			return g
		}
	}
}

// uniqueName choisit name, ou name.N.ext, libre sur disque et dans l'index.
func (r *Registry) uniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= maxUniqueTries; i++ {
		path := filepath.Join(dir, candidate)
		_, taken := r.index.byPath.Get(path)
		if !taken {
			exists, err := afero.Exists(r.config.Fs, path)
			if err != nil {
				return "", fmt.Errorf("checking %s: %w", path, err)
			}
			if !exists {
				return candidate, nil
			}
		}
		candidate = fmt.Sprintf("%s.%d%s", base, i, ext)
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNoUniqueName, name, dir)
}

// stripControl remplace les caractères de contrôle par '_'. Un nom lu
// d'un trailer ne doit pas pouvoir couper une ligne de l'index texte.
func stripControl(name string) string {
	return strings.Map(func(c rune) rune {
		if unicode.IsControl(c) {
			return '_'
		}
		return c
	}, strings.TrimSpace(name))
}

// sanitizeName rend un nom de fichier sûr : pas de séparateur, pas de
// caractère de contrôle, jamais vide ni "." / "..".
func sanitizeName(name string) string {
	name = strings.Map(func(c rune) rune {
		if c == '/' || c == '\\' {
			return '_'
		}
		return c
	}, stripControl(name))
	switch name {
	case "", ".", "..":
		return "noname"
	}
	return name
}
