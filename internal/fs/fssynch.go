package fs

import "github.com/nachosgo/nachos/internal/ksync"

// FSSynch guards all modifications to one open directory or the free
// map: both are themselves ordinary files, so every mutation goes
// through FetchFrom/WriteBack on the backing OpenFile, and FSSynch's
// lock is what makes a read-modify-write sequence on that file atomic
// with respect to other threads traversing the same directory.
type FSSynch struct {
	lock   *ksync.Lock
	file   *OpenFile
	sector int
}

func NewFSSynch(file *OpenFile, sector int) *FSSynch {
	return &FSSynch{
		lock:   ksync.NewLock("Directory/FreeMap Lock"),
		file:   file,
		sector: sector,
	}
}

func (s *FSSynch) File() *OpenFile       { return s.file }
func (s *FSSynch) Header() *FileHeader   { return s.file.Header() }
func (s *FSSynch) Sector() int           { return s.sector }
func (s *FSSynch) AcquireLock()          { s.lock.Acquire(nil) }
func (s *FSSynch) ReleaseLock()          { s.lock.Release(nil) }
