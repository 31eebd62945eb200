// Package machine models the simulated hardware a kernel built on top
// of it treats as an external collaborator: a sector disk, a character
// console, and the MIPS-ish register/memory/TLB state a user program
// runs against. None of it models real timing; every "interrupt" is a
// goroutine posting a completion semaphore, in the same shape as the
// request/ack disk interface in src/common/disk.go.
package machine

import (
	"fmt"
	"os"
	"sync"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/ksync"
)

// Disk is a fixed-geometry sector disk backed by a single host file.
// ReadSector/WriteSector block the caller until the transfer completes;
// completion is signalled through a semaphore exactly as a real disk's
// interrupt handler would, even though here the "interrupt" is just the
// goroutine that performed the I/O calling V() on its way out.
type Disk struct {
	Name string

	mu   sync.Mutex
	file *os.File

	numReads, numWrites int
}

// NewDisk opens (creating if necessary) a host file of exactly
// NumSectors*SectorSize bytes to back the simulated disk. When format
// is true the file is truncated and zero-filled first.
func NewDisk(path string, format bool) (*Disk, error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("machine: open disk %s: %w", path, err)
	}

	size := int64(common.NumSectors * common.SectorSize)
	if format {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("machine: format disk %s: %w", path, err)
		}
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("machine: size disk %s: %w", path, err)
	}

	return &Disk{Name: path, file: f}, nil
}

func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

// ReadSector fills buf (which must be exactly SectorSize bytes) with
// the contents of sector.
func (d *Disk) ReadSector(sector int, buf []byte) {
	if len(buf) != common.SectorSize {
		panic("machine: ReadSector buffer is not SectorSize bytes")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	done := ksync.NewSemaphore("disk-read", 0)
	go func() {
		off := int64(sector) * int64(common.SectorSize)
		if _, err := d.file.ReadAt(buf, off); err != nil {
			panic(fmt.Sprintf("machine: ReadSector(%d): %v", sector, err))
		}
		d.numReads++
		done.V()
	}()
	done.P()
}

// WriteSector writes buf (exactly SectorSize bytes) to sector.
func (d *Disk) WriteSector(sector int, buf []byte) {
	if len(buf) != common.SectorSize {
		panic("machine: WriteSector buffer is not SectorSize bytes")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	done := ksync.NewSemaphore("disk-write", 0)
	go func() {
		off := int64(sector) * int64(common.SectorSize)
		if _, err := d.file.WriteAt(buf, off); err != nil {
			panic(fmt.Sprintf("machine: WriteSector(%d): %v", sector, err))
		}
		d.numWrites++
		done.V()
	}()
	done.P()
}

// Stats reports the number of sector reads and writes since open, for
// the aggregated statistics Kernel.Stats collects.
func (d *Disk) Stats() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numReads, d.numWrites
}
