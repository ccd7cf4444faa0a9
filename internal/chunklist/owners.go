package chunklist

// BusyCount compte les plages Busy détenues par owner.
func (l *List) BusyCount(owner SourceID) int {
	n := 0
	for _, c := range l.chunks {
		if c.Status == Busy && c.Owner == owner {
			n++
		}
	}
	return n
}

// ClearOwner rend Empty toutes les plages Busy de owner et renvoie leur
// nombre.
func (l *List) ClearOwner(owner SourceID) int {
	n := 0
	for i := range l.chunks {
		c := &l.chunks[i]
		if c.Status == Busy && c.Owner == owner {
			c.Status, c.Owner = Empty, NoOwner
			n++
		}
	}
	if n > 0 {
		l.MergeAdjacent()
	}
	return n
}

// ReleaseOwned rend Empty les portions Busy de owner comprises dans
// [from, to) et renvoie le nombre d'octets libérés. Les octets Done et les
// plages des autres sources ne bougent pas.
func (l *List) ReleaseOwned(owner SourceID, from, to uint64) uint64 {
	var freed uint64
	out := make([]Chunk, 0, len(l.chunks)+2)
	for _, c := range l.chunks {
		if c.Status != Busy || c.Owner != owner || c.To <= from || c.From >= to {
			out = append(out, c)
			continue
		}
		lo, hi := max(c.From, from), min(c.To, to)
		if c.From < lo {
			out = append(out, Chunk{From: c.From, To: lo, Status: Busy, Owner: owner})
		}
		out = append(out, Chunk{From: lo, To: hi, Status: Empty})
		if hi < c.To {
			out = append(out, Chunk{From: hi, To: c.To, Status: Busy, Owner: owner})
		}
		freed += hi - lo
	}
	l.chunks = out
	if freed > 0 {
		l.MergeAdjacent()
	}
	return freed
}

// Reassign transfère à owner la première plage Busy qui recouvre
// [from, to) et renvoie l'ancien propriétaire.
func (l *List) Reassign(owner SourceID, from, to uint64) (SourceID, bool) {
	for i := range l.chunks {
		c := &l.chunks[i]
		if c.Status != Busy || c.To <= from || c.From >= to {
			continue
		}
		old := c.Owner
		c.Owner = owner
		return old, true
	}
	return NoOwner, false
}

// RestrictRange réduit end (inclus) à la fin de la plage Done contenant
// start. Renvoie false si start n'est pas disponible.
func (l *List) RestrictRange(start, end uint64) (uint64, bool) {
	for _, c := range l.chunks {
		if c.Status != Done || !c.Contains(start) {
			continue
		}
		if end >= c.To {
			end = c.To - 1
		}
		return end, true
	}
	return end, false
}

// DoneRanges renvoie les plages terminées, dans l'ordre.
func (l *List) DoneRanges() []Range {
	var out []Range
	for _, c := range l.chunks {
		if c.Status == Done {
			out = append(out, Range{From: c.From, To: c.To})
		}
	}
	return out
}

// Owners liste les sources détenant au moins une plage Busy.
func (l *List) Owners() []SourceID {
	var out []SourceID
	seen := make(map[SourceID]struct{})
	for _, c := range l.chunks {
		if c.Status != Busy {
			continue
		}
		if _, ok := seen[c.Owner]; ok {
			continue
		}
		seen[c.Owner] = struct{}{}
		out = append(out, c.Owner)
	}
	return out
}
