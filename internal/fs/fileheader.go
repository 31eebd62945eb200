package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/machine"
)

// FileHeader is the on-disk inode: it fits in exactly one sector and
// maps a file's byte range onto direct blocks plus, for files beyond
// MaxDirectLen, a two-level indirect block structure. A fresh
// FileHeader must be allocated against a Bitmap before use, or fetched
// from an existing sector with FetchFrom.
type FileHeader struct {
	disk *machine.Disk

	numBytes    int
	numSectors  int
	indirSector int
	dataSectors [common.NumDirect]int

	firstIndir  [common.NumIndirect]int
	secondIndir [common.NumIndirect][common.NumIndirect]int
}

func NewFileHeader(disk *machine.Disk) *FileHeader {
	h := &FileHeader{disk: disk, indirSector: common.NoSector}
	for i := range h.dataSectors {
		h.dataSectors[i] = common.NoSector
	}
	for i := range h.firstIndir {
		h.firstIndir[i] = common.NoSector
		for j := range h.secondIndir[i] {
			h.secondIndir[i][j] = common.NoSector
		}
	}
	return h
}

// Allocate sizes a fresh header for fileSize bytes and claims data,
// first-level and second-level indirect sectors from freeMap. It
// reports common.ErrNoSpace if freeMap cannot satisfy the request, or
// if fileSize needs more than NumDirect+NumIndirect*NumIndirect data
// sectors, leaving freeMap unmodified (the header's size fields are
// already set by then; callers discard the header on failure, exactly
// as FileSystem::Create discards its in-memory Bitmap on failure).
func (h *FileHeader) Allocate(freeMap *Bitmap, fileSize int) error {
	h.numBytes = fileSize
	h.numSectors = common.DivRoundUp(fileSize, common.SectorSize)
	if h.numSectors > common.NumDirect+common.NumIndirect*common.NumIndirect {
		return common.ErrNoSpace
	}

	indirSectors := 0
	if fileSize > common.MaxDirectLen {
		indirData := fileSize - common.MaxDirectLen
		indirSectors = common.DivRoundUp(indirData, common.SectorSize)
		indirSectors = common.DivRoundUp(indirSectors, common.NumIndirect) + 1
	}

	if freeMap.CountClear() < h.numSectors+indirSectors {
		return common.ErrNoSpace
	}

	dirSectors := common.Min(h.numSectors, common.NumDirect)
	for i := 0; i < dirSectors; i++ {
		h.dataSectors[i] = freeMap.Find()
	}

	if indirSectors == 0 {
		h.indirSector = common.NoSector
		return nil
	}

	h.indirSector = freeMap.Find()
	indirSectors--
	sectorsLeft := h.numSectors - common.NumDirect

	for i := 0; i < common.NumIndirect; i++ {
		if i >= indirSectors {
			break
		}
		h.firstIndir[i] = freeMap.Find()
		for j := 0; j < common.NumIndirect && sectorsLeft > 0; j++ {
			h.secondIndir[i][j] = freeMap.Find()
			sectorsLeft--
		}
	}
	return nil
}

// Deallocate returns every sector this header owns to freeMap.
func (h *FileHeader) Deallocate(freeMap *Bitmap) {
	dirSectors := common.Min(h.numSectors, common.NumDirect)
	for i := 0; i < dirSectors; i++ {
		if !freeMap.Test(h.dataSectors[i]) {
			panic("fs: deallocating an already-clear sector")
		}
		freeMap.Clear(h.dataSectors[i])
	}

	if h.indirSector == common.NoSector {
		return
	}
	freeMap.Clear(h.indirSector)
	for i := 0; i < common.NumIndirect && h.firstIndir[i] != common.NoSector; i++ {
		freeMap.Clear(h.firstIndir[i])
		for j := 0; j < common.NumIndirect && h.secondIndir[i][j] != common.NoSector; j++ {
			freeMap.Clear(h.secondIndir[i][j])
		}
	}
}

// Expand grows a file already on disk by newBytes, allocating whatever
// additional direct and indirect sectors are needed, filling the last
// partial sector first. It reports common.ErrNoSpace without mutating
// the header if freeMap cannot satisfy the request.
func (h *FileHeader) Expand(freeMap *Bitmap, newBytes int) error {
	if newBytes == 0 {
		panic("fs: Expand called with newBytes == 0")
	}

	onLastSector := (common.SectorSize - h.numBytes%common.SectorSize) % common.SectorSize
	remainingData := 0
	if newBytes > onLastSector {
		remainingData = newBytes - onLastSector
	}
	newSectors := common.DivRoundUp(remainingData, common.SectorSize)

	indirSectors := 0
	if h.indirSector != common.NoSector {
		onLastIndir := (common.NumIndirect - (h.numSectors-common.NumDirect)%common.NumIndirect) % common.NumIndirect
		remainingSectors := 0
		if newSectors > onLastIndir {
			remainingSectors = newSectors - onLastIndir
		}
		indirSectors = common.DivRoundUp(remainingSectors, common.NumIndirect)
	} else if h.numBytes+newBytes > common.MaxDirectLen {
		onDirSectors := common.NumDirect - h.numSectors
		indirSectors = common.DivRoundUp(newSectors-onDirSectors, common.NumIndirect) + 1
	}

	if freeMap.CountClear() < newSectors+indirSectors {
		return common.ErrNoSpace
	}

	oldSectors := h.numSectors
	h.numBytes += newBytes
	h.numSectors += newSectors

	if oldSectors < common.NumDirect {
		for i := oldSectors; i < common.Min(h.numSectors, common.NumDirect); i++ {
			h.dataSectors[i] = freeMap.Find()
			newSectors--
		}
	}

	if h.numSectors <= common.NumDirect {
		return nil
	}

	if h.indirSector == common.NoSector {
		h.indirSector = freeMap.Find()
	}

	for i := 0; i < common.NumIndirect && newSectors > 0; i++ {
		if h.firstIndir[i] == common.NoSector {
			h.firstIndir[i] = freeMap.Find()
		}
		for j := 0; j < common.NumIndirect && newSectors > 0; j++ {
			if h.secondIndir[i][j] == common.NoSector {
				h.secondIndir[i][j] = freeMap.Find()
				newSectors--
			}
		}
	}
	return nil
}

// ByteToSector translates a byte offset within the file to the disk
// sector that holds it.
func (h *FileHeader) ByteToSector(offset int) int {
	sectorIndex := offset / common.SectorSize
	if sectorIndex < common.NumDirect {
		return h.dataSectors[sectorIndex]
	}
	indirIndex := sectorIndex - common.NumDirect
	return h.secondIndir[indirIndex/common.NumIndirect][indirIndex%common.NumIndirect]
}

func (h *FileHeader) FileLength() int { return h.numBytes }
func (h *FileHeader) NumSectors() int { return h.numSectors }
func (h *FileHeader) IndirSector() int { return h.indirSector }

// FirstIndirSectors returns the first-level indirect block's table of
// sectors, for a caller (namely FileSystem.Check) that needs to verify
// every sector this header owns, not just its data and top-level
// indirect sectors.
func (h *FileHeader) FirstIndirSectors() [common.NumIndirect]int {
	return h.firstIndir
}

// FetchFrom loads the header, and any indirect tables it references,
// from sector.
func (h *FileHeader) FetchFrom(sector int) error {
	buf := make([]byte, common.SectorSize)
	h.disk.ReadSector(sector, buf)
	h.decodeRaw(buf)

	if h.indirSector == common.NoSector {
		return nil
	}
	indirBuf := make([]byte, common.SectorSize)
	h.disk.ReadSector(h.indirSector, indirBuf)
	decodeIntTable(indirBuf, h.firstIndir[:])

	for i := 0; i < common.NumIndirect && h.firstIndir[i] != common.NoSector; i++ {
		secondBuf := make([]byte, common.SectorSize)
		h.disk.ReadSector(h.firstIndir[i], secondBuf)
		decodeIntTable(secondBuf, h.secondIndir[i][:])
	}
	return nil
}

// WriteBack flushes the header and its indirect tables to sector.
func (h *FileHeader) WriteBack(sector int) error {
	buf := make([]byte, common.SectorSize)
	h.encodeRaw(buf)
	h.disk.WriteSector(sector, buf)

	if h.indirSector == common.NoSector {
		return nil
	}
	indirBuf := make([]byte, common.SectorSize)
	encodeIntTable(indirBuf, h.firstIndir[:])
	h.disk.WriteSector(h.indirSector, indirBuf)

	for i := 0; i < common.NumIndirect && h.firstIndir[i] != common.NoSector; i++ {
		secondBuf := make([]byte, common.SectorSize)
		encodeIntTable(secondBuf, h.secondIndir[i][:])
		h.disk.WriteSector(h.firstIndir[i], secondBuf)
	}
	return nil
}

func (h *FileHeader) encodeRaw(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.numBytes))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.numSectors))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(h.indirSector)))
	for i, s := range h.dataSectors {
		off := 12 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int32(s)))
	}
}

func (h *FileHeader) decodeRaw(buf []byte) {
	h.numBytes = int(binary.LittleEndian.Uint32(buf[0:4]))
	h.numSectors = int(binary.LittleEndian.Uint32(buf[4:8]))
	h.indirSector = int(int32(binary.LittleEndian.Uint32(buf[8:12])))
	for i := range h.dataSectors {
		off := 12 + i*4
		h.dataSectors[i] = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	}
}

func encodeIntTable(buf []byte, table []int) {
	for i, v := range table {
		off := i * 4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int32(v)))
	}
}

func decodeIntTable(buf []byte, table []int) {
	for i := range table {
		off := i * 4
		table[i] = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	}
}

func (h *FileHeader) String() string {
	return fmt.Sprintf("FileHeader{bytes=%d sectors=%d}", h.numBytes, h.numSectors)
}
