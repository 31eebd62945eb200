package fs

import (
	"encoding/binary"
	"strings"

	"github.com/nachosgo/nachos/internal/common"
)

// directoryEntrySize is the packed on-disk size of one DirectoryEntry:
// one byte inUse, one byte isDir, four bytes sector, FileNameMaxLen+1
// bytes of name (NUL-padded).
const directoryEntrySize = 2 + 4 + (common.FileNameMaxLen + 1)

// DirectoryEntry names a file or subdirectory and the sector holding
// its FileHeader.
type DirectoryEntry struct {
	InUse bool
	IsDir bool
	Sector int
	Name  string
}

// Directory is the in-memory form of a directory file: a dynamically
// sized table of DirectoryEntry, grown by ExpandDirectory when full.
type Directory struct {
	table []DirectoryEntry
}

// NewDirectory builds an empty directory of size entries, all free.
// Pass 0 when the contents will be populated by FetchFrom instead.
func NewDirectory(size int) *Directory {
	return &Directory{table: make([]DirectoryEntry, size)}
}

func (d *Directory) Size() int { return len(d.table) }

// FetchFrom loads the directory's contents from file, sizing the
// in-memory table to match the file's current length.
func (d *Directory) FetchFrom(file *OpenFile) error {
	size := file.Length() / directoryEntrySize
	buf := make([]byte, file.Length())
	if _, err := file.ReadAt(buf, 0); err != nil {
		return err
	}
	d.table = make([]DirectoryEntry, size)
	for i := range d.table {
		decodeDirectoryEntry(buf[i*directoryEntrySize:(i+1)*directoryEntrySize], &d.table[i])
	}
	return nil
}

// WriteBack flushes the directory's contents to file, which must
// already be sized to match.
func (d *Directory) WriteBack(file *OpenFile) error {
	buf := make([]byte, len(d.table)*directoryEntrySize)
	for i := range d.table {
		encodeDirectoryEntry(buf[i*directoryEntrySize:(i+1)*directoryEntrySize], &d.table[i])
	}
	_, err := file.WriteAt(buf, 0)
	return err
}

// FindIndex returns the table index of name, or -1 if absent.
func (d *Directory) FindIndex(name string) int {
	for i, e := range d.table {
		if e.InUse && e.Name == name {
			return i
		}
	}
	return -1
}

// Find returns the header sector for name, or common.NoSector if
// absent.
func (d *Directory) Find(name string) int {
	i := d.FindIndex(name)
	if i == -1 {
		return common.NoSector
	}
	return d.table[i].Sector
}

// Add inserts a new entry, expanding the directory via expand if every
// slot is currently in use. It reports common.ErrExists if name is
// already present, or whatever error expand (normally backed by an
// FSSynch's header) returns on failed expansion.
func (d *Directory) Add(name string, sector int, isDir bool, freeMap *Bitmap, expand func(*Bitmap) error) error {
	if d.FindIndex(name) != -1 {
		return common.ErrExists
	}

	for i := range d.table {
		if !d.table[i].InUse {
			d.table[i] = DirectoryEntry{InUse: true, IsDir: isDir, Sector: sector, Name: name}
			return nil
		}
	}

	if err := d.expandDirectory(freeMap, expand); err != nil {
		return err
	}
	i := len(d.table) - common.NewDirEntries
	d.table[i] = DirectoryEntry{InUse: true, IsDir: isDir, Sector: sector, Name: name}
	return nil
}

// Remove clears name's entry. It reports common.ErrNotFound if absent.
func (d *Directory) Remove(name string) error {
	i := d.FindIndex(name)
	if i == -1 {
		return common.ErrNotFound
	}
	d.table[i].InUse = false
	return nil
}

// IsDir reports whether name is present and is a subdirectory.
func (d *Directory) IsDir(name string) bool {
	i := d.FindIndex(name)
	return i != -1 && d.table[i].IsDir
}

// IsEmpty reports whether every entry is free.
func (d *Directory) IsEmpty() bool {
	for _, e := range d.table {
		if e.InUse {
			return false
		}
	}
	return true
}

// List returns the in-use entries of this directory only (not
// recursive); FileSystem.List walks subdirectories itself.
func (d *Directory) List() []DirectoryEntry {
	var out []DirectoryEntry
	for _, e := range d.table {
		if e.InUse {
			out = append(out, e)
		}
	}
	return out
}

// expandDirectory grows the directory's backing file by NewDirEntries
// records via expand (which must persist and re-size the owning
// FileHeader), then grows the in-memory table to match, with the new
// slots free.
func (d *Directory) expandDirectory(freeMap *Bitmap, expand func(*Bitmap) error) error {
	if err := expand(freeMap); err != nil {
		return err
	}
	oldSize := len(d.table)
	newTable := make([]DirectoryEntry, oldSize+common.NewDirEntries)
	copy(newTable, d.table)
	d.table = newTable
	return nil
}

// FindSwapFile locates and frees the first entry whose name begins
// with the per-process swap-file prefix, for cleanup at boot.
func (d *Directory) FindSwapFile() (string, bool) {
	for i := range d.table {
		if d.table[i].InUse && strings.HasPrefix(d.table[i].Name, "SWAP.") {
			d.table[i].InUse = false
			return d.table[i].Name, true
		}
	}
	return "", false
}

func encodeDirectoryEntry(buf []byte, e *DirectoryEntry) {
	if e.InUse {
		buf[0] = 1
	}
	if e.IsDir {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint32(buf[2:6], uint32(int32(e.Sector)))
	nameBytes := []byte(e.Name)
	if len(nameBytes) > common.FileNameMaxLen {
		nameBytes = nameBytes[:common.FileNameMaxLen]
	}
	copy(buf[6:], nameBytes)
}

func decodeDirectoryEntry(buf []byte, e *DirectoryEntry) {
	e.InUse = buf[0] != 0
	e.IsDir = buf[1] != 0
	e.Sector = int(int32(binary.LittleEndian.Uint32(buf[2:6])))
	nameBuf := buf[6:]
	end := len(nameBuf)
	for i, b := range nameBuf {
		if b == 0 {
			end = i
			break
		}
	}
	e.Name = string(nameBuf[:end])
}
