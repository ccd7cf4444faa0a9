package trailer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/afero"
)

// Au-delà, la longueur annoncée est considérée comme corrompue.
const maxTrailerLen = 4 * MaxFieldLen

// ReadTail lit la partie fixe du trailer de f et vérifie que la taille du
// fichier vaut exactement contenu + trailer.
func ReadTail(f afero.File) (Tail, os.FileInfo, error) {
	info, err := f.Stat()
	if err != nil {
		return Tail{}, nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if !info.Mode().IsRegular() {
		return Tail{}, info, fmt.Errorf("%w: %s is not a regular file", ErrNoTrailer, f.Name())
	}
	if info.Size() < TailSize {
		return Tail{}, info, fmt.Errorf("%w: %s too short", ErrNoTrailer, f.Name())
	}

	buf := make([]byte, TailSize)
	if _, err := f.ReadAt(buf, info.Size()-TailSize); err != nil && !errors.Is(err, io.EOF) {
		return Tail{}, info, fmt.Errorf("reading trailer of %s: %w", f.Name(), err)
	}
	tail, err := ParseTail(buf)
	if err != nil {
		return Tail{}, info, err
	}
	if uint64(info.Size()) != tail.Size+uint64(tail.Length) {
		return Tail{}, info, fmt.Errorf("%w: %s has %d bytes, trailer claims %d+%d",
			ErrNoTrailer, f.Name(), info.Size(), tail.Size, tail.Length)
	}
	return tail, info, nil
}

// Has indique si path porte un trailer dont la géométrie est valide.
func Has(fsys afero.Fs, path string) bool {
	f, err := fsys.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, _, err = ReadTail(f)
	return err == nil
}

// Read décode le trailer de path.
func (c *Codec) Read(fsys afero.Fs, path string) (*Record, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tail, _, err := ReadTail(f)
	if err != nil {
		return nil, err
	}
	if tail.Length < TailSize || tail.Length > maxTrailerLen {
		return nil, fmt.Errorf("%w: unreasonable trailer length %d", ErrNoTrailer, tail.Length)
	}
	buf := make([]byte, tail.Length)
	if _, err := f.ReadAt(buf, int64(tail.Size)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading trailer of %s: %w", path, err)
	}
	return c.Decode(buf)
}

// Write remplace le trailer de path par data, placé après size octets de
// contenu. Le fichier n'est jamais créé : sans données, pas de trailer.
func Write(fsys afero.Fs, path string, size uint64, data []byte) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(size)); err != nil {
		return fmt.Errorf("writing trailer of %s: %w", path, err)
	}
	// Un ancien trailer plus long laisserait des octets en trop.
	if err := f.Truncate(int64(size) + int64(len(data))); err != nil {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return f.Sync()
}

// Strip tronque path à size octets, supprimant le trailer.
func Strip(fsys afero.Fs, path string, size uint64) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("stripping trailer of %s: %w", path, err)
	}
	return nil
}

// IsNotExist regroupe les erreurs "fichier absent" d'afero et d'os.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
