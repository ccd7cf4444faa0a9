// Package trailer encode et décode le bloc de métadonnées ajouté à la fin
// d'un fichier en cours de téléchargement. Le trailer permet de reprendre
// un téléchargement sans l'index textuel.
//
// Format (gros-boutiste) :
//
//	u32 version
//	u32 created            (v4+)
//	u32 ntime              (v4+)
//	u8  file_size_known    (v5+)
//	{ u32 id, u32 len, len octets }*  terminé par id END
//	u32 size_hi            (magic 64 bits seulement)
//	u32 size_lo
//	u32 generation
//	u32 trailer_length
//	u32 checksum
//	u32 magic
package trailer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"
)

const (
	Magic32 uint32 = 0xD1BB1ED0
	Magic64 uint32 = 0x91E63640

	// Version écrite par Encode.
	Version uint32 = 6

	MaxTigerLeaves = 1 << 16
	// MaxFieldLen borne la taille d'un champ, l'arbre de Tiger étant le plus
	// gros.
	MaxFieldLen = digest.TTHSize * MaxTigerLeaves

	// TailSize est la partie fixe lue depuis la fin du fichier.
	TailSize = 6 * 4
)

// FieldID identifie un champ du trailer.
type FieldID uint32

const (
	FieldName FieldID = iota + 1
	FieldAlias
	FieldSHA1
	FieldChunk
	FieldEnd
	FieldCHA1
	FieldGUID
	FieldTTH
	FieldTigerTree
)

var (
	ErrNoTrailer          = errors.New("no valid trailer")
	ErrChecksumMismatch   = errors.New("trailer checksum mismatch")
	ErrBadVersion         = errors.New("unsupported trailer version")
	ErrBadField           = errors.New("malformed trailer field")
	ErrTruncated          = errors.New("truncated trailer")
	ErrInconsistentChunks = errors.New("trailer chunk list is inconsistent")
)

// Tail est la partie fixe en fin de trailer.
type Tail struct {
	Size       uint64 // taille du contenu, sans le trailer
	Generation uint32
	Length     uint32 // taille totale du trailer
	Checksum   uint32
	Magic      uint32
}

func (t Tail) wide() bool { return t.Magic == Magic64 }

// ParseTail décode les TailSize derniers octets d'un fichier.
func ParseTail(b []byte) (Tail, error) {
	var t Tail
	if len(b) < TailSize {
		return t, fmt.Errorf("%w: %d bytes", ErrNoTrailer, len(b))
	}
	b = b[len(b)-TailSize:]
	u := func(i int) uint32 { return binary.BigEndian.Uint32(b[4*i:]) }

	t.Magic = u(5)
	switch t.Magic {
	case Magic64:
		t.Size = uint64(u(0))<<32 | uint64(u(1))
	case Magic32:
		t.Size = uint64(u(1))
	default:
		return t, fmt.Errorf("%w: bad magic 0x%08x", ErrNoTrailer, t.Magic)
	}
	t.Generation = u(2)
	t.Length = u(3)
	t.Checksum = u(4)
	return t, nil
}

// Record est le contenu d'un trailer.
type Record struct {
	Version    uint32
	Created    time.Time
	NTime      time.Time
	SizeKnown  bool
	Size       uint64
	Generation uint32
	GUID       digest.GUID // zéro dans les trailers antérieurs aux GUID
	SHA1       *digest.SHA1
	CHA1       *digest.SHA1
	TTH        *digest.TTH
	TigerTree  []digest.TTH
	Aliases    []string
	Chunks     []chunklist.Chunk
}

// Done renvoie le nombre d'octets terminés décrits par le trailer.
func (r *Record) Done() uint64 {
	var n uint64
	for _, c := range r.Chunks {
		if c.Status == chunklist.Done {
			n += c.Len()
		}
	}
	return n
}

// Checksum est la somme glissante du format.
func Checksum(b []byte) uint32 {
	var c uint32
	for _, x := range b {
		c = (c << 1) ^ (c >> 31) ^ uint32(x)
	}
	return c
}

// CodecConfig configure un Codec.
type CodecConfig struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *CodecConfig) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "trailer")
	}
}

// Codec porte le tampon de travail de l'encodeur. Il n'est pas sûr pour un
// usage concurrent.
type Codec struct {
	config CodecConfig
	buf    []byte
}

func NewCodec(config CodecConfig) *Codec {
	config.setDefaults()
	return &Codec{config: config, buf: make([]byte, 0, 512)}
}

func (c *Codec) u32(v uint32) { c.buf = binary.BigEndian.AppendUint32(c.buf, v) }

func (c *Codec) field(id FieldID, payload []byte) {
	c.u32(uint32(id))
	c.u32(uint32(len(payload)))
	c.buf = append(c.buf, payload...)
}

// Encode sérialise r avec la génération r.Generation. Le résultat est une
// copie indépendante du tampon interne.
func (c *Codec) Encode(r *Record) []byte {
	c.buf = c.buf[:0]
	c.u32(Version)
	c.u32(unixSeconds(r.Created))
	c.u32(unixSeconds(r.NTime))
	if r.SizeKnown {
		c.buf = append(c.buf, 1)
	} else {
		c.buf = append(c.buf, 0)
	}

	if !r.GUID.IsZero() {
		c.field(FieldGUID, r.GUID[:])
	}
	if r.TTH != nil {
		c.field(FieldTTH, r.TTH[:])
	}
	if len(r.TigerTree) > 0 && len(r.TigerTree) <= MaxTigerLeaves {
		leaves := make([]byte, 0, len(r.TigerTree)*digest.TTHSize)
		for _, leaf := range r.TigerTree {
			leaves = append(leaves, leaf[:]...)
		}
		c.field(FieldTigerTree, leaves)
	}
	if r.SHA1 != nil {
		c.field(FieldSHA1, r.SHA1[:])
	}
	if r.CHA1 != nil {
		c.field(FieldCHA1, r.CHA1[:])
	}
	for _, alias := range r.Aliases {
		if len(alias) > 0 && len(alias) < MaxFieldLen {
			c.field(FieldAlias, []byte(alias))
		}
	}
	var chunk [20]byte
	for _, ch := range r.Chunks {
		binary.BigEndian.PutUint32(chunk[0:], uint32(ch.From>>32))
		binary.BigEndian.PutUint32(chunk[4:], uint32(ch.From))
		binary.BigEndian.PutUint32(chunk[8:], uint32(ch.To>>32))
		binary.BigEndian.PutUint32(chunk[12:], uint32(ch.To))
		binary.BigEndian.PutUint32(chunk[16:], uint32(ch.Status))
		c.field(FieldChunk, chunk[:])
	}
	c.u32(uint32(FieldEnd))

	c.u32(uint32(r.Size >> 32))
	c.u32(uint32(r.Size))
	c.u32(r.Generation)
	c.u32(uint32(len(c.buf) + 3*4))
	c.u32(Checksum(c.buf))
	c.u32(Magic64)

	return append([]byte(nil), c.buf...)
}

// reader parcourt un trailer en signalant les lectures hors limites.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.pos)
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Decode reconstruit un Record depuis buf, qui contient exactement le
// trailer (tail compris).
func (c *Codec) Decode(buf []byte) (*Record, error) {
	tail, err := ParseTail(buf)
	if err != nil {
		return nil, err
	}
	// La somme couvre tout ce qui précède le champ checksum, longueur comprise.
	if sum := Checksum(buf[:len(buf)-8]); sum != tail.Checksum {
		return nil, fmt.Errorf("%w: computed 0x%08x, stored 0x%08x", ErrChecksumMismatch, sum, tail.Checksum)
	}
	if int(tail.Length) != len(buf) {
		return nil, fmt.Errorf("%w: length %d, have %d bytes", ErrNoTrailer, tail.Length, len(buf))
	}

	rd := &reader{b: buf[:len(buf)-8]}
	rec := &Record{Size: tail.Size, Generation: tail.Generation}

	if rec.Version, err = rd.u32(); err != nil {
		return nil, err
	}
	maxVersion := Version
	if !tail.wide() {
		maxVersion = 5
	}
	if rec.Version > maxVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, rec.Version)
	}

	if rec.Version >= 4 {
		created, err := rd.u32()
		if err != nil {
			return nil, err
		}
		ntime, err := rd.u32()
		if err != nil {
			return nil, err
		}
		rec.Created, rec.NTime = fromUnixSeconds(created), fromUnixSeconds(ntime)
	} else {
		now := c.config.Now()
		rec.Created, rec.NTime = now, now
	}

	if rec.Version >= 5 {
		b, err := rd.next(1)
		if err != nil {
			return nil, err
		}
		rec.SizeKnown = b[0] != 0
	} else {
		rec.SizeKnown = true
	}

	for {
		id, err := rd.u32()
		if err != nil {
			return nil, err
		}
		if FieldID(id) == FieldEnd {
			break
		}
		n, err := rd.u32()
		if err != nil {
			return nil, err
		}
		if n == 0 || n > MaxFieldLen {
			return nil, fmt.Errorf("%w: field %d has length %d", ErrBadField, id, n)
		}
		payload, err := rd.next(int(n))
		if err != nil {
			return nil, err
		}
		if err := c.decodeField(rec, tail, FieldID(id), payload); err != nil {
			return nil, err
		}
	}

	// Valeurs redondantes avec le tail, lues pour vérifier la géométrie.
	trailing := 3
	if tail.wide() {
		trailing = 4
	}
	if _, err := rd.next(4 * trailing); err != nil {
		return nil, err
	}
	if rd.pos != len(rd.b) {
		return nil, fmt.Errorf("%w: %d unread bytes before checksum", ErrBadField, len(rd.b)-rd.pos)
	}

	if _, err := chunklist.FromChunks(rec.Size, rec.Chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentChunks, err)
	}
	c.checkTigerTree(rec)
	return rec, nil
}

func (c *Codec) decodeField(rec *Record, tail Tail, id FieldID, payload []byte) error {
	switch id {
	case FieldName:
		if rec.Version >= 3 {
			c.config.Logger.Warn("Found obsolete NAME field in trailer, ignoring", "version", rec.Version)
			return nil
		}
		rec.Aliases = append(rec.Aliases, string(payload))
	case FieldAlias:
		rec.Aliases = append(rec.Aliases, string(payload))
	case FieldGUID:
		if g, ok := digest.GUIDFromBytes(payload); ok {
			rec.GUID = g
		} else {
			c.config.Logger.Warn("Ignoring GUID field with bad length", "length", len(payload))
		}
	case FieldTTH:
		if d, ok := digest.TTHFromBytes(payload); ok {
			rec.TTH = &d
		} else {
			c.config.Logger.Warn("Ignoring TTH field with bad length", "length", len(payload))
		}
	case FieldTigerTree:
		if len(payload)%digest.TTHSize != 0 {
			c.config.Logger.Warn("Ignoring tiger tree with bad length", "length", len(payload))
			return nil
		}
		rec.TigerTree = rec.TigerTree[:0]
		for off := 0; off < len(payload); off += digest.TTHSize {
			leaf, _ := digest.TTHFromBytes(payload[off : off+digest.TTHSize])
			rec.TigerTree = append(rec.TigerTree, leaf)
		}
	case FieldSHA1:
		if d, ok := digest.SHA1FromBytes(payload); ok {
			rec.SHA1 = &d
		} else {
			c.config.Logger.Warn("Ignoring SHA1 field with bad length", "length", len(payload))
		}
	case FieldCHA1:
		if d, ok := digest.SHA1FromBytes(payload); ok {
			rec.CHA1 = &d
		} else {
			c.config.Logger.Warn("Ignoring CHA1 field with bad length", "length", len(payload))
		}
	case FieldChunk:
		ch, err := decodeChunk(rec.Version, tail.wide(), payload)
		if err != nil {
			return err
		}
		rec.Chunks = append(rec.Chunks, ch)
	default:
		c.config.Logger.Warn("Unhandled trailer field, skipping", "field_id", uint32(id), "length", len(payload))
	}
	return nil
}

func decodeChunk(version uint32, wide bool, payload []byte) (chunklist.Chunk, error) {
	var ch chunklist.Chunk
	var status uint32
	switch {
	case wide:
		if len(payload) != 20 {
			return ch, fmt.Errorf("%w: chunk has %d bytes", ErrBadField, len(payload))
		}
		u := func(i int) uint64 { return uint64(binary.BigEndian.Uint32(payload[4*i:])) }
		ch.From = u(0)<<32 | u(1)
		ch.To = u(2)<<32 | u(3)
		status = uint32(u(4))
	default:
		if len(payload) != 12 {
			return ch, fmt.Errorf("%w: chunk has %d bytes", ErrBadField, len(payload))
		}
		var order binary.ByteOrder = binary.BigEndian
		if version == 1 {
			order = binary.NativeEndian
		}
		ch.From = uint64(order.Uint32(payload[0:]))
		ch.To = uint64(order.Uint32(payload[4:]))
		status = order.Uint32(payload[8:])
	}
	if status > uint32(chunklist.Done) {
		return ch, fmt.Errorf("%w: chunk status %d", ErrBadField, status)
	}
	ch.Status = chunklist.Status(status)
	// Aucune requête ne survit à un redémarrage.
	if ch.Status == chunklist.Busy {
		ch.Status = chunklist.Empty
	}
	return ch, nil
}

// checkTigerTree écarte un arbre que l'on ne peut pas rattacher au TTH.
func (c *Codec) checkTigerTree(rec *Record) {
	if len(rec.TigerTree) == 0 {
		return
	}
	switch {
	case rec.TTH == nil:
		c.config.Logger.Warn("Discarding tiger tree without TTH", "leaves", len(rec.TigerTree))
		rec.TigerTree = nil
	case len(rec.TigerTree) == 1 && rec.TigerTree[0] != *rec.TTH:
		c.config.Logger.Warn("Discarding single-leaf tiger tree not matching TTH", "tth", rec.TTH.String())
		rec.TigerTree = nil
	}
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

func fromUnixSeconds(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0)
}
