package fs

import (
	"github.com/nachosgo/nachos/internal/ksync"
	"github.com/nachosgo/nachos/internal/machine"
)

// FileSynchList tracks the FileSynch of every regular file currently
// open by at least one caller, keyed by header sector. Callers that
// need a check-then-act sequence (look up, and add if absent) must
// bracket it with Lock/Unlock themselves, exactly as the traced
// FileSynchList requires its listLock held across such sequences.
type FileSynchList struct {
	Lock *ksync.Lock

	entries map[int]*FileSynch
}

func NewFileSynchList() *FileSynchList {
	return &FileSynchList{
		Lock:    ksync.NewLock("File Synch List Lock"),
		entries: make(map[int]*FileSynch),
	}
}

// Add creates a FileSynch for a newly opened file and registers it.
// The caller must hold Lock.
func (l *FileSynchList) Add(disk *machine.Disk, path string, sector int) (*FileSynch, error) {
	fileSynch, err := NewFileSynch(disk, path, sector)
	if err != nil {
		return nil, err
	}
	l.entries[sector] = fileSynch
	return fileSynch, nil
}

// Get returns the FileSynch for sector, or nil if the file isn't
// currently open. The caller must hold Lock.
func (l *FileSynchList) Get(sector int) *FileSynch {
	return l.entries[sector]
}

// Remove drops sector's entry. The caller must hold Lock.
func (l *FileSynchList) Remove(sector int) {
	delete(l.entries, sector)
}

// IsEmpty reports whether any file is currently tracked as open.
func (l *FileSynchList) IsEmpty() bool {
	return len(l.entries) == 0
}
