// Package allocator choisit la prochaine plage à demander à une source :
// d'abord une plage Empty, sinon (mode agressif) une partie d'une plage Busy
// détenue par une source moins performante.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"swarmd/internal/chunklist"
)

const (
	defaultMinChunk          = 512 * 1024
	defaultMaxChunk          = 10 * 1024 * 1024
	defaultPipelineMaxChunk  = 2 * 1024 * 1024
	defaultMinSplit          = 512 // Plus petite plage Busy que l'on accepte de couper
	defaultLowSourceCount    = 5
	defaultCoverageTolerance = 1e-9
	rotationAlignment        = 128 * 1024
)

var (
	ErrInconsistent  = errors.New("allocator produced an inconsistent reservation")
	ErrUnknownSize   = errors.New("cannot allocate on a file of unknown size")
	ErrNoRequesterID = errors.New("requester has no source id")
	ErrTooManyBusy   = errors.New("requester owns too many busy chunks")
)

// Outcome résume le résultat d'une recherche de trou.
type Outcome int

const (
	// Reserved : une plage a été marquée Busy pour le demandeur.
	Reserved Outcome = iota
	// NoHole : rien de disponible pour l'instant, la source doit patienter.
	NoHole
	// Complete : le fichier est entièrement téléchargé.
	Complete
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case NoHole:
		return "busy"
	case Complete:
		return "done"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Source décrit ce que l'allocateur sait d'une source.
type Source struct {
	ID         chunklist.SourceID
	Throughput uint64 // octets/s observés, 0 si inconnu ou à l'arrêt
	// Ranges : plages détenues par le pair. nil signifie le fichier entier,
	// sauf si Available est non nul.
	Ranges     []chunklist.Range
	Available  uint64
	Pipelining bool
	ServedReqs int // requêtes déjà servies par cette source
}

// Sources permet de retrouver le propriétaire d'une plage Busy.
type Sources interface {
	Source(id chunklist.SourceID) (Source, bool)
}

// Request regroupe les entrées d'une recherche de trou.
type Request struct {
	List      *chunklist.List
	Alive     int // nombre de sources vivantes sur le fichier
	Requester Source
	Others    Sources
}

// Result est renvoyé par FindHole / FindAvailableHole.
type Result struct {
	Outcome Outcome
	From    uint64
	To      uint64
	// Victim est la source à qui la plage a été prise en mode agressif.
	Victim chunklist.SourceID
}

func (r Result) Stolen() bool { return r.Victim != chunklist.NoOwner }

// Config contient les paramètres de l'allocateur.
type Config struct {
	MinChunk         uint64
	MaxChunk         uint64
	PipelineMaxChunk uint64
	MinSplit         uint64
	Pipelining       bool
	Aggressive       bool
	// PartialSharing active le partage de fichiers partiels : ordre de
	// parcours aléatoire et petite première requête quand peu de sources.
	PartialSharing    bool
	FirstChunk        uint64
	LastChunk         uint64
	ShareThreshold    uint64
	LowSourceCount    int
	CoverageTolerance float64
	// Verify contrôle chaque réservation (une seule plage Busy par source,
	// deux en pipeline).
	Verify bool
	Rand   *rand.Rand
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MinChunk == 0 {
		c.MinChunk = defaultMinChunk
	}
	if c.MaxChunk == 0 {
		c.MaxChunk = defaultMaxChunk
	}
	if c.MaxChunk < c.MinChunk {
		c.MaxChunk = c.MinChunk
	}
	if c.PipelineMaxChunk == 0 {
		c.PipelineMaxChunk = defaultPipelineMaxChunk
	}
	if c.MinSplit == 0 {
		c.MinSplit = defaultMinSplit
	}
	if c.LowSourceCount <= 0 {
		c.LowSourceCount = defaultLowSourceCount
	}
	if c.CoverageTolerance <= 0 {
		c.CoverageTolerance = defaultCoverageTolerance
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "allocator")
	}
}

// Allocator applique la politique de réservation. Il n'est pas protégé :
// l'appelant sérialise les accès à la liste.
type Allocator struct {
	config Config
}

func New(config Config) *Allocator {
	config.setDefaults()
	return &Allocator{config: config}
}

func (a *Allocator) Config() Config { return a.config }

// FindHole réserve la prochaine plage pour le demandeur.
func (a *Allocator) FindHole(req Request) (Result, error) {
	return a.find(req, nil)
}

// FindAvailableHole réserve une plage contenue dans ranges, les plages que
// le pair annonce détenir.
func (a *Allocator) FindAvailableHole(req Request, ranges []chunklist.Range) (Result, error) {
	if len(ranges) == 0 {
		return Result{Outcome: NoHole}, nil
	}
	return a.find(req, ranges)
}

func (a *Allocator) find(req Request, ranges []chunklist.Range) (Result, error) {
	l := req.List
	if req.Requester.ID == chunklist.NoOwner {
		return Result{}, ErrNoRequesterID
	}
	if l.Size() == 0 {
		return Result{}, ErrUnknownSize
	}
	if l.IsComplete() {
		return Result{Outcome: Complete}, nil
	}

	chunksize := a.chunkSize(l, req.Alive, req.Requester)
	for _, span := range a.emptySpans(l) {
		from, to := span.From, span.To
		if ranges != nil {
			var ok bool
			if from, to, ok = intersect(span, ranges); !ok {
				continue
			}
		}
		if to-from > chunksize {
			to = from + chunksize
		}
		return a.reserve(req, from, to, chunklist.NoOwner)
	}

	if a.config.Aggressive {
		if cand, ok := a.aggressiveCandidate(req); ok {
			from, to := stealRange(cand, a.config.MinSplit)
			if ranges == nil || containedIn(from, to, ranges) {
				return a.reserve(req, from, to, cand.Owner)
			}
		}
	}

	a.config.Logger.Debug("No hole available", "source", req.Requester.ID, "done", l.Done(), "size", l.Size())
	return Result{Outcome: NoHole}, nil
}

func (a *Allocator) reserve(req Request, from, to uint64, victim chunklist.SourceID) (Result, error) {
	l := req.List
	if err := l.Update(from, to, chunklist.Busy, req.Requester.ID); err != nil {
		return Result{}, fmt.Errorf("%w: reserving [%d, %d): %v", ErrInconsistent, from, to, err)
	}
	if a.config.Verify {
		limit := 1
		if a.config.Pipelining && req.Requester.Pipelining {
			limit = 2
		}
		if n := l.BusyCount(req.Requester.ID); n > limit {
			return Result{}, fmt.Errorf("%w: source %d owns %d", ErrTooManyBusy, req.Requester.ID, n)
		}
	}
	if victim != chunklist.NoOwner {
		a.config.Logger.Info("Stealing busy range from slower source",
			"source", req.Requester.ID, "victim", victim, "from", from, "to", to)
	} else {
		a.config.Logger.Debug("Reserved range", "source", req.Requester.ID, "from", from, "to", to)
	}
	return Result{Outcome: Reserved, From: from, To: to, Victim: victim}, nil
}

// chunkSize calcule la taille cible d'une réservation.
func (a *Allocator) chunkSize(l *chunklist.List, alive int, src Source) uint64 {
	remaining := l.Size() - l.Done()
	cs := remaining / uint64(max(1, alive))
	maxChunk := a.config.MaxChunk
	if a.config.Pipelining && src.Pipelining {
		maxChunk = min(maxChunk, a.config.PipelineMaxChunk)
	}
	cs = min(max(cs, a.config.MinChunk), maxChunk)

	// Première requête vers une source alors que le fichier a peu de sources :
	// on cherche à devenir partageable au plus vite.
	if a.config.PartialSharing && src.ServedReqs == 0 && alive <= a.config.LowSourceCount {
		if l.Done() >= a.config.ShareThreshold {
			cs = a.config.MinChunk
		} else {
			missing := a.config.ShareThreshold - l.Done()
			cs = min(max(cs, missing), a.config.MaxChunk)
		}
	}
	return cs
}

// emptySpans renvoie les plages Empty dans l'ordre de parcours. La plage qui
// chevauche le décalage de rotation est parcourue en deux morceaux, sans
// toucher à la liste.
func (a *Allocator) emptySpans(l *chunklist.List) []chunklist.Range {
	var spans []chunklist.Range
	for _, c := range l.Chunks() {
		if c.Status == chunklist.Empty {
			spans = append(spans, chunklist.Range{From: c.From, To: c.To})
		}
	}
	if !a.config.PartialSharing || len(spans) == 0 {
		return spans
	}
	offset := a.rotationOffset(l)
	if offset == 0 {
		return spans
	}
	return rotate(spans, offset)
}

// rotate fait commencer spans à offset.
func rotate(spans []chunklist.Range, offset uint64) []chunklist.Range {
	for i, s := range spans {
		if s.To <= offset {
			continue
		}
		out := make([]chunklist.Range, 0, len(spans)+1)
		if s.From >= offset {
			out = append(out, spans[i:]...)
			return append(out, spans[:i]...)
		}
		out = append(out, chunklist.Range{From: offset, To: s.To})
		out = append(out, spans[i+1:]...)
		out = append(out, spans[:i]...)
		return append(out, chunklist.Range{From: s.From, To: offset})
	}
	return spans
}

// rotationOffset choisit où commencer le parcours : le premier trou dans les
// LastChunk derniers octets, sinon une position aléatoire alignée. Aucun
// décalage tant que les FirstChunk premiers octets ne sont pas terminés.
func (a *Allocator) rotationOffset(l *chunklist.List) uint64 {
	if a.config.FirstChunk > 0 {
		first := l.At(0)
		if first.Status != chunklist.Done || first.To < a.config.FirstChunk {
			return 0
		}
	}
	size := l.Size()
	if a.config.LastChunk > 0 {
		var tail uint64
		if size > a.config.LastChunk {
			tail = size - a.config.LastChunk
		}
		for _, c := range l.Chunks() {
			if c.Status == chunklist.Done || c.To <= tail {
				continue
			}
			return max(c.From, tail)
		}
	}
	return a.config.Rand.Uint64N(size) &^ (rotationAlignment - 1)
}

// intersect renvoie la première portion de c détenue par le pair.
func intersect(c chunklist.Range, ranges []chunklist.Range) (uint64, uint64, bool) {
	for _, r := range ranges {
		from, to := max(c.From, r.From), min(c.To, r.To)
		if from < to {
			return from, to, true
		}
	}
	return 0, 0, false
}

func containedIn(from, to uint64, ranges []chunklist.Range) bool {
	for _, r := range ranges {
		if r.From <= from && to <= r.To {
			return true
		}
	}
	return false
}

// stealRange renvoie la seconde moitié de c, ou c entier s'il est trop
// court pour être coupé.
func stealRange(c chunklist.Chunk, minSplit uint64) (uint64, uint64) {
	if c.Len() >= 2*minSplit {
		return (c.From + c.To - 1) / 2, c.To
	}
	return c.From, c.To
}

// MissingCoverage est la fraction des octets manquants que src peut fournir.
func MissingCoverage(l *chunklist.List, src Source) float64 {
	if src.Ranges == nil {
		if src.Available > 0 && l.Size() > 0 {
			return float64(src.Available) / float64(l.Size())
		}
		return 1.0
	}
	var missing, covered uint64
	for _, c := range l.Chunks() {
		if c.Status != chunklist.Empty {
			continue
		}
		missing += c.Len()
		for _, r := range src.Ranges {
			from, to := max(c.From, r.From), min(c.To, r.To)
			if from < to {
				covered += to - from
			}
		}
	}
	if missing == 0 {
		return 1.0
	}
	return float64(covered) / float64(missing)
}

// aggressiveCandidate choisit une plage Busy à partager avec le demandeur.
func (a *Allocator) aggressiveCandidate(req Request) (chunklist.Chunk, bool) {
	l := req.List
	self := req.Requester

	busy := 0
	var largest, slowest *chunklist.Chunk
	var slowestSpeed uint64
	chunks := l.Chunks()
	for i := range chunks {
		c := &chunks[i]
		if c.Status != chunklist.Busy {
			continue
		}
		busy++
		if c.Owner == self.ID {
			continue
		}
		if largest == nil || c.Len() > largest.Len() {
			largest = c
		}
		speed := a.throughput(req.Others, c.Owner)
		if slowest == nil || speed < slowestSpeed || (speed == slowestSpeed && c.Len() > slowest.Len()) {
			slowest, slowestSpeed = c, speed
		}
	}
	if largest == nil {
		return chunklist.Chunk{}, false
	}

	starving := max(req.Alive-busy, 1)
	minchunk := (l.Size() - l.Done()) / uint64(2*starving)
	minchunk = max(min(minchunk, a.config.MinChunk), a.config.MinSplit)

	coverage := MissingCoverage(l, self)
	if largest.Len() >= minchunk {
		owner, known := req.Others.Source(largest.Owner)
		ownerCoverage := 0.0
		if known {
			ownerCoverage = MissingCoverage(l, owner)
		}
		if !known || owner.Throughput == 0 ||
			coverage > ownerCoverage ||
			(math.Abs(coverage-ownerCoverage) < a.config.CoverageTolerance && self.Throughput > owner.Throughput) {
			return *largest, true
		}
	}

	owner, known := req.Others.Source(slowest.Owner)
	if !known {
		return *slowest, true
	}
	if coverage >= MissingCoverage(l, owner) && self.Throughput > owner.Throughput {
		return *slowest, true
	}
	return chunklist.Chunk{}, false
}

func (a *Allocator) throughput(others Sources, id chunklist.SourceID) uint64 {
	if src, ok := others.Source(id); ok {
		return src.Throughput
	}
	return 0
}
