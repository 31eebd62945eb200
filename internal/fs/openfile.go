package fs

import (
	"fmt"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/machine"
)

// OpenFile is a handle onto a FileHeader's sector; it has no identity
// of its own beyond that sector plus a sequential-access cursor, so
// many OpenFiles (e.g. one per caller of FileSystem.Open) may exist
// for the same underlying file at once.
type OpenFile struct {
	disk       *machine.Disk
	headerSector int
	header     *FileHeader
	seekPos    int
}

// NewOpenFile fetches the header at sector and wraps it in a handle
// positioned at offset 0.
func NewOpenFile(disk *machine.Disk, sector int) (*OpenFile, error) {
	h := NewFileHeader(disk)
	if err := h.FetchFrom(sector); err != nil {
		return nil, err
	}
	return &OpenFile{disk: disk, headerSector: sector, header: h}, nil
}

func (f *OpenFile) Header() *FileHeader { return f.header }
func (f *OpenFile) Sector() int         { return f.headerSector }
func (f *OpenFile) Length() int         { return f.header.FileLength() }

// Refresh re-fetches this handle's header from disk, picking up a size
// change made through another handle onto the same file (for instance
// a FileSystem.ExpandFile call keyed by sector rather than by handle).
func (f *OpenFile) Refresh() error {
	return f.header.FetchFrom(f.headerSector)
}

// Seek repositions the sequential cursor.
func (f *OpenFile) Seek(pos int) { f.seekPos = pos }

// Pos reports the sequential cursor's current byte offset.
func (f *OpenFile) Pos() int { return f.seekPos }

// Read reads into p starting at the current cursor, advancing it by
// the number of bytes read.
func (f *OpenFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.seekPos)
	f.seekPos += n
	return n, err
}

// Write writes p starting at the current cursor, advancing it by the
// number of bytes written.
func (f *OpenFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.seekPos)
	f.seekPos += n
	return n, err
}

// ReadAt reads into p starting at byte offset pos of the file, without
// disturbing the sequential cursor. It returns fewer bytes than
// len(p) if pos+len(p) exceeds the file's length.
func (f *OpenFile) ReadAt(p []byte, pos int) (int, error) {
	if pos >= f.header.FileLength() {
		return 0, nil
	}
	n := len(p)
	if pos+n > f.header.FileLength() {
		n = f.header.FileLength() - pos
	}
	if n <= 0 {
		return 0, nil
	}

	firstSector := pos / common.SectorSize
	lastSector := (pos + n - 1) / common.SectorSize
	numSectors := lastSector - firstSector + 1

	buf := make([]byte, numSectors*common.SectorSize)
	for i := 0; i < numSectors; i++ {
		sector := f.header.ByteToSector((firstSector + i) * common.SectorSize)
		f.disk.ReadSector(sector, buf[i*common.SectorSize:(i+1)*common.SectorSize])
	}

	firstOff := pos - firstSector*common.SectorSize
	copy(p[:n], buf[firstOff:firstOff+n])
	return n, nil
}

// WriteAt writes p to byte offset pos of the file, without disturbing
// the sequential cursor. It returns fewer bytes than len(p) if
// pos+len(p) exceeds the file's current length — growing a file is
// the caller's job, via FileSystem.ExpandFile.
func (f *OpenFile) WriteAt(p []byte, pos int) (int, error) {
	if pos >= f.header.FileLength() {
		return 0, nil
	}
	n := len(p)
	if pos+n > f.header.FileLength() {
		n = f.header.FileLength() - pos
	}
	if n <= 0 {
		return 0, nil
	}

	firstSector := pos / common.SectorSize
	lastSector := (pos + n - 1) / common.SectorSize
	numSectors := lastSector - firstSector + 1

	firstAligned := firstSector*common.SectorSize == pos
	lastAligned := (lastSector+1)*common.SectorSize == pos+n || pos+n == f.header.FileLength()

	buf := make([]byte, numSectors*common.SectorSize)
	if !firstAligned || !lastAligned {
		for i := 0; i < numSectors; i++ {
			sector := f.header.ByteToSector((firstSector + i) * common.SectorSize)
			f.disk.ReadSector(sector, buf[i*common.SectorSize:(i+1)*common.SectorSize])
		}
	}

	firstOff := pos - firstSector*common.SectorSize
	copy(buf[firstOff:firstOff+n], p[:n])

	for i := 0; i < numSectors; i++ {
		sector := f.header.ByteToSector((firstSector + i) * common.SectorSize)
		f.disk.WriteSector(sector, buf[i*common.SectorSize:(i+1)*common.SectorSize])
	}
	return n, nil
}

func (f *OpenFile) String() string {
	return fmt.Sprintf("OpenFile{sector=%d len=%d}", f.headerSector, f.header.FileLength())
}
