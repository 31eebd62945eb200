package fs

import "github.com/nachosgo/nachos/internal/ksync"

// FSSynchList tracks the FSSynch of every currently-open directory
// (plus the free map), keyed by header sector. The free map and root
// directory entries are added once at mount and live for the life of
// the file system; subdirectory entries are added lazily the first
// time a path traversal descends into them.
type FSSynchList struct {
	Lock *ksync.Lock

	entries map[int]*FSSynch
}

func NewFSSynchList() *FSSynchList {
	return &FSSynchList{
		Lock:    ksync.NewLock("FS Synch List Lock"),
		entries: make(map[int]*FSSynch),
	}
}

// Add registers a newly opened directory/free-map file. The caller
// must hold Lock.
func (l *FSSynchList) Add(file *OpenFile, sector int) *FSSynch {
	s := NewFSSynch(file, sector)
	l.entries[sector] = s
	return s
}

// Get returns the FSSynch for sector, or nil if not currently
// tracked. Free-map and root-directory lookups are always safe without
// holding Lock since those two entries never leave the list; any other
// sector requires the caller to hold Lock.
func (l *FSSynchList) Get(sector int) *FSSynch {
	return l.entries[sector]
}

// Remove drops sector's entry. The caller must hold Lock.
func (l *FSSynchList) Remove(sector int) {
	delete(l.entries, sector)
}
