package fs

import (
	"github.com/nachosgo/nachos/internal/ksync"
	"github.com/nachosgo/nachos/internal/machine"
)

// FileSynch coordinates concurrent access to one open regular file:
// readers and writers are mutually exclusive, a writer that has
// declared intent blocks new readers (writer preference), and deletion
// of a file that is still open is deferred until its last close.
type FileSynch struct {
	filePath string

	lock *ksync.Lock
	cond *ksync.Condition

	header *FileHeader
	sector int

	opened         int
	beingRemoved   bool
	reading        int
	writing        bool
	waitingToWrite int
}

// NewFileSynch creates the synchronization record for a file whose
// header lives at hdrSector, fetching the header eagerly exactly as
// the traced constructor does. The caller's own open is already
// accounted for (opened starts at 1).
func NewFileSynch(disk *machine.Disk, path string, hdrSector int) (*FileSynch, error) {
	h := NewFileHeader(disk)
	if err := h.FetchFrom(hdrSector); err != nil {
		return nil, err
	}
	fs := &FileSynch{
		filePath: path,
		header:   h,
		sector:   hdrSector,
		opened:   1,
	}
	fs.lock = ksync.NewLock("File Lock")
	fs.cond = ksync.NewCondition("Read/Write Condition", fs.lock)
	return fs, nil
}

func (fs *FileSynch) FilePath() string       { return fs.filePath }
func (fs *FileSynch) FileHeader() *FileHeader { return fs.header }
func (fs *FileSynch) Sector() int            { return fs.sector }

// FileOpened records one more opener unless the file is already
// marked for removal, in which case it reports true and does not bump
// the count.
func (fs *FileSynch) FileOpened() bool {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	removing := fs.beingRemoved
	if !removing {
		fs.opened++
	}
	return removing
}

// FileClosed records one fewer opener and reports whether this was the
// last one.
func (fs *FileSynch) FileClosed() bool {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	fs.opened--
	return fs.opened == 0
}

func (fs *FileSynch) SetToRemove() {
	fs.lock.Acquire(nil)
	fs.beingRemoved = true
	fs.lock.Release(nil)
}

func (fs *FileSynch) ReadyToRemove() bool {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	return fs.beingRemoved && fs.opened == 0
}

// BeginReading blocks while a writer holds or is waiting for the file,
// then records one more active reader.
func (fs *FileSynch) BeginReading() {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	for fs.writing || fs.waitingToWrite > 0 {
		fs.cond.Wait(nil)
	}
	fs.reading++
}

// FinishReading records one fewer active reader, waking any waiting
// writer once the last reader leaves.
func (fs *FileSynch) FinishReading() {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	fs.reading--
	if fs.reading == 0 {
		fs.cond.Broadcast(nil)
	}
}

// BeginWriting declares writer intent (blocking new readers
// immediately), then blocks until no reader or writer is active.
func (fs *FileSynch) BeginWriting() {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	fs.waitingToWrite++
	for fs.writing || fs.reading > 0 {
		fs.cond.Wait(nil)
	}
	fs.waitingToWrite--
	fs.writing = true
}

// FinishWriting releases the write and wakes every waiter to recheck.
func (fs *FileSynch) FinishWriting() {
	fs.lock.Acquire(nil)
	defer fs.lock.Release(nil)
	fs.writing = false
	fs.cond.Broadcast(nil)
}
