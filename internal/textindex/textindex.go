// Package textindex lit et écrit l'index textuel des téléchargements : une
// strophe "TAG valeur" par fichier, terminée par une ligne vide.
package textindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"

	"github.com/samber/lo"
)

// MaxLineLen borne une ligne de l'index. Les lignes plus longues sont
// ignorées.
const MaxLineLen = 4096

var ErrDamagedLine = errors.New("damaged index line")

const preamble = `#
# Swarming download index.
# Automatically generated, do not edit while the daemon runs.
#
# Each stanza describes one file and ends with an empty line.
# CHNK lines are "from to status" with status 0=empty 1=busy 2=done.
#

`

// Entry est une strophe de l'index.
type Entry struct {
	Name       string // nom de base du fichier de sortie
	Dir        string // répertoire du fichier de sortie
	GUID       digest.GUID
	Generation uint32
	Aliases    []string
	SHA1       *digest.SHA1
	TTH        *digest.TTH
	CHA1       *digest.SHA1
	Size       uint64
	SizeKnown  bool
	Paused     bool
	Done       uint64
	Stamp      time.Time
	Created    time.Time
	NTime      time.Time
	Swarming   bool
	Chunks     []chunklist.Chunk
	RefCount   int // informatif, écrit en commentaire
}

// Path renvoie le chemin complet du fichier de sortie.
func (e *Entry) Path() string { return filepath.Join(e.Dir, e.Name) }

// LooksLikeURN signale les alias qui sont en réalité des URN.
func LooksLikeURN(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "urn:")
}

// Encode écrit le préambule puis une strophe par entrée.
func Encode(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(preamble); err != nil {
		return err
	}
	for i := range entries {
		if err := writeEntry(bw, &entries[i]); err != nil {
			return fmt.Errorf("writing entry for %s: %w", entries[i].Path(), err)
		}
	}
	return bw.Flush()
}

func writeEntry(w *bufio.Writer, e *Entry) error {
	fmt.Fprintf(w, "# refcount %d\n", e.RefCount)
	fmt.Fprintf(w, "NAME %s\n", e.Name)
	fmt.Fprintf(w, "PATH %s\n", e.Dir)
	fmt.Fprintf(w, "GUID %s\n", e.GUID)
	fmt.Fprintf(w, "GENR %d\n", e.Generation)
	for _, alias := range lo.Reject(e.Aliases, func(a string, _ int) bool { return LooksLikeURN(a) }) {
		fmt.Fprintf(w, "ALIA %s\n", alias)
	}
	if e.SHA1 != nil {
		fmt.Fprintf(w, "SHA1 %s\n", e.SHA1)
	}
	if e.TTH != nil {
		fmt.Fprintf(w, "TTH %s\n", e.TTH)
	}
	if e.CHA1 != nil {
		fmt.Fprintf(w, "CHA1 %s\n", e.CHA1)
	}
	fmt.Fprintf(w, "SIZE %d\n", e.Size)
	fmt.Fprintf(w, "FSKN %d\n", boolInt(e.SizeKnown))
	fmt.Fprintf(w, "PAUS %d\n", boolInt(e.Paused))
	fmt.Fprintf(w, "DONE %d\n", e.Done)
	fmt.Fprintf(w, "TIME %d\n", unix(e.Stamp))
	fmt.Fprintf(w, "CTIM %d\n", unix(e.Created))
	fmt.Fprintf(w, "NTIM %d\n", unix(e.NTime))
	fmt.Fprintf(w, "SWRM %d\n", boolInt(e.Swarming))
	for _, c := range e.Chunks {
		fmt.Fprintf(w, "CHNK %d %d %d\n", c.From, c.To, uint8(c.Status))
	}
	_, err := w.WriteString("\n")
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// Decode lit toutes les strophes complètes de r. Les lignes abîmées sont
// signalées et ignorées, les strophes sans NAME ou PATH écartées.
func Decode(r io.Reader, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default().With("component", "textindex")
	}
	br := bufio.NewReaderSize(r, MaxLineLen)

	var (
		entries []Entry
		cur     *Entry
		lineNo  int
		skip    bool // fin d'une ligne trop longue
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.Name == "" || cur.Dir == "" {
			logger.Warn("Discarding incomplete index entry", "line", lineNo, "name", cur.Name, "path", cur.Dir)
		} else {
			entries = append(entries, *cur)
		}
		cur = nil
	}

	for {
		raw, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("reading index: %w", err)
		}
		if skip || isPrefix {
			if !skip {
				lineNo++
				logger.Warn("Ignoring too long index line", "line", lineNo)
			}
			skip = isPrefix
			continue
		}
		lineNo++
		line := strings.TrimRight(string(raw), "\r")

		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if cur == nil {
			cur = &Entry{Swarming: true}
		}
		if err := parseLine(cur, line); err != nil {
			logger.Warn("Ignoring damaged index line", "line", lineNo, "error", err)
		}
	}
	flush()
	return entries, nil
}

func parseLine(e *Entry, line string) error {
	tag, value, _ := strings.Cut(line, " ")
	damaged := func(err error) error {
		return fmt.Errorf("%w: %s: %v", ErrDamagedLine, tag, err)
	}
	uint64Val := func() (uint64, error) {
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, damaged(err)
		}
		return v, nil
	}
	boolVal := func() (bool, error) {
		v, err := uint64Val()
		return v != 0, err
	}
	timeVal := func() (time.Time, error) {
		v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return time.Time{}, damaged(err)
		}
		return fromUnix(v), nil
	}

	var err error
	switch tag {
	case "NAME":
		if value == "" {
			return damaged(errors.New("empty name"))
		}
		e.Name = value
	case "PATH":
		if value == "" {
			return damaged(errors.New("empty path"))
		}
		e.Dir = value
	case "GUID":
		var g digest.GUID
		if g, err = digest.ParseGUID(value); err != nil {
			return damaged(err)
		}
		e.GUID = g
	case "GENR":
		var v uint64
		if v, err = uint64Val(); err == nil {
			e.Generation = uint32(v)
		}
	case "ALIA":
		if value != "" && !LooksLikeURN(value) {
			e.Aliases = append(e.Aliases, value)
		}
	case "SHA1", "CHA1":
		d, perr := digest.ParseSHA1(value)
		if perr != nil {
			return damaged(perr)
		}
		if tag == "SHA1" {
			e.SHA1 = &d
		} else {
			e.CHA1 = &d
		}
	case "TTH":
		d, perr := digest.ParseTTH(value)
		if perr != nil {
			return damaged(perr)
		}
		e.TTH = &d
	case "SIZE":
		e.Size, err = uint64Val()
	case "FSKN":
		e.SizeKnown, err = boolVal()
	case "PAUS":
		e.Paused, err = boolVal()
	case "DONE":
		e.Done, err = uint64Val()
	case "TIME":
		e.Stamp, err = timeVal()
	case "CTIM":
		e.Created, err = timeVal()
	case "NTIM":
		e.NTime, err = timeVal()
	case "SWRM":
		e.Swarming, err = boolVal()
	case "CHNK":
		var c chunklist.Chunk
		if c, err = parseChunk(value); err != nil {
			return damaged(err)
		}
		e.Chunks = append(e.Chunks, c)
	default:
		return damaged(errors.New("unknown tag"))
	}
	return err
}

func parseChunk(value string) (chunklist.Chunk, error) {
	var c chunklist.Chunk
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return c, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	from, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return c, err
	}
	to, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return c, err
	}
	status, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return c, err
	}
	if status > uint64(chunklist.Done) {
		return c, fmt.Errorf("bad status %d", status)
	}
	c.From, c.To, c.Status = from, to, chunklist.Status(status)
	// Les requêtes en cours au moment de l'écriture sont perdues.
	if c.Status == chunklist.Busy {
		c.Status = chunklist.Empty
	}
	return c, nil
}
