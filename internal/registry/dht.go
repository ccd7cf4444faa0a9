package registry

import (
	"time"

	"swarmd/internal/digest"
)

// Délais de la politique de requêtes DHT.
const (
	DHTPeriod         = 1200 * time.Second
	DHTSourceDelay    = 300 * time.Second // par source ne recevant rien
	DHTQueuedDelay    = 150 * time.Second // par source en file
	DHTRecvDelay      = 600 * time.Second // par source qui reçoit
	DHTRecvThreshold  = 5                 // au-delà, plus de requête
	dhtPublishMinDone = 1
)

// DHT est le sous-système de recherche distribuée.
type DHT interface {
	// Publish annonce que le fichier est partageable.
	Publish(sha1 digest.SHA1)
	// Query lance une recherche de sources. Renvoie false si la requête
	// n'a pas pu être mise en file.
	Query(sha1 digest.SHA1) bool
}

func publishable(rec *record) bool {
	if rec.sha1 == nil || rec.has(FlagTransient) {
		return false
	}
	return rec.done() >= dhtPublishMinDone || rec.complete()
}

// publish met rec en file d'annonce s'il a quelque chose à partager.
// L'annonce part à la libération du verrou.
func (r *Registry) publish(rec *record) {
	if r.config.DHT == nil || !publishable(rec) {
		return
	}
	r.toPublish = append(r.toPublish, *rec.sha1)
}

// PublishAll annonce tous les fichiers partageables.
func (r *Registry) PublishAll() int {
	r.mu.Lock()
	defer r.unlock()
	if r.config.DHT == nil {
		return 0
	}
	n := 0
	r.arena.each(func(_ Handle, rec *record) bool {
		if publishable(rec) {
			r.publish(rec)
			n++
		}
		return true
	})
	return n
}

// dhtQueryDelay calcule l'intervalle minimal entre deux requêtes.
func (r *Registry) dhtQueryDelay(rec *record) (time.Duration, bool) {
	receiving, queued, other := r.sourceCounts(rec)
	if receiving >= DHTRecvThreshold {
		return 0, false
	}
	d := DHTPeriod +
		time.Duration(other)*DHTSourceDelay +
		time.Duration(queued)*DHTQueuedDelay +
		time.Duration(receiving)*DHTRecvDelay
	return d, true
}

// dhtQueryAllowed applique la politique de requête à rec.
func (r *Registry) dhtQueryAllowed(rec *record, now time.Time) bool {
	if rec.sha1 == nil || rec.has(FlagTransient|FlagPaused|FlagQuarantined|FlagDHTLookup|FlagDHTLooking) {
		return false
	}
	if rec.complete() {
		return false
	}
	delay, ok := r.dhtQueryDelay(rec)
	if !ok {
		return false
	}
	return rec.dht.lastQuery.IsZero() || now.Sub(rec.dht.lastQuery) >= delay
}

// DHTQueryAllowed indique si une requête DHT peut être lancée pour h.
func (r *Registry) DHTQueryAllowed(h Handle) bool {
	r.mu.Lock()
	defer r.unlock()
	rec, err := r.get(h)
	if err != nil {
		return false
	}
	return r.dhtQueryAllowed(rec, r.config.Now())
}

// DHTTick lance une requête pour chaque fichier éligible et renvoie le
// nombre de requêtes mises en file. La DHT est appelée hors verrou et peut
// rappeler DHTQueryQueued ou DHTQueryCompleted depuis Query.
func (r *Registry) DHTTick() int {
	r.mu.Lock()
	if r.config.DHT == nil {
		r.unlock()
		return 0
	}
	now := r.config.Now()
	var due []digest.SHA1
	r.arena.each(func(_ Handle, rec *record) bool {
		if r.dhtQueryAllowed(rec, now) {
			// Posé avant l'appel : pas de seconde requête concurrente.
			rec.flags |= FlagDHTLookup
			due = append(due, *rec.sha1)
		}
		return true
	})
	r.unlock()

	n := 0
	var refused []digest.SHA1
	for _, sha1 := range due {
		if r.config.DHT.Query(sha1) {
			n++
		} else {
			refused = append(refused, sha1)
		}
	}
	if len(refused) > 0 {
		r.mu.Lock()
		for _, sha1 := range refused {
			if rec := r.dhtBySHA1(sha1); rec != nil {
				rec.flags &^= FlagDHTLookup
			}
		}
		r.unlock()
	}
	if n > 0 {
		r.logger.Debug("DHT queries queued", "count", n)
	}
	return n
}

func (r *Registry) dhtBySHA1(sha1 digest.SHA1) *record {
	h, ok := r.index.bySHA1[sha1]
	if !ok {
		return nil
	}
	rec, _ := r.arena.get(h)
	return rec
}

// DHTQueryQueued note qu'une requête pour sha1 attend son tour.
func (r *Registry) DHTQueryQueued(sha1 digest.SHA1) {
	r.mu.Lock()
	defer r.unlock()
	if rec := r.dhtBySHA1(sha1); rec != nil {
		rec.flags |= FlagDHTLookup
	}
}

// DHTQueryStarting note le début effectif d'une requête.
func (r *Registry) DHTQueryStarting(sha1 digest.SHA1) {
	r.mu.Lock()
	defer r.unlock()
	if rec := r.dhtBySHA1(sha1); rec != nil {
		rec.flags |= FlagDHTLooking
		rec.dht.lastQuery = r.config.Now()
		rec.dht.lookups++
	}
}

// DHTQueryCompleted est rappelé par la DHT à la fin d'une requête.
func (r *Registry) DHTQueryCompleted(sha1 digest.SHA1, launched, found bool) {
	r.mu.Lock()
	defer r.unlock()
	rec := r.dhtBySHA1(sha1)
	if rec == nil {
		return
	}
	rec.flags &^= FlagDHTLookup | FlagDHTLooking
	if !launched {
		return
	}
	if rec.dht.lastQuery.IsZero() {
		rec.dht.lastQuery = r.config.Now()
	}
	if found {
		rec.dht.hits++
	}
	r.logger.Debug("DHT query completed", "path", rec.path(), "found", found, "lookups", rec.dht.lookups, "hits", rec.dht.hits)
}
