package vm

import (
	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/fs"
	"github.com/nachosgo/nachos/internal/machine"
)

// owner identifies which address space's which virtual page currently
// occupies a physical frame. Coremap looks this up through the Space
// interface rather than a raw pointer so an address space's teardown
// cannot leave the coremap holding a dangling reference: lookups go
// through the still-valid Space value, and GetPage/SaveToSwap are
// simply no-ops once that space has cleared the frame itself.
type owner struct {
	space Space
	vpn   int
	used  bool
}

// Space is the subset of AddressSpace the coremap needs in order to
// evict a page without importing the vm package's own concrete type
// (Coremap and AddressSpace are mutually dependent, so the dependency
// runs through this interface instead of a cycle).
type Space interface {
	GetPage(vpn int) *machine.TranslationEntry
	SaveToSwap(vpn int) error
}

// Coremap multiplexes NumPhysPages physical frames across every
// address space currently running, evicting by approximate
// second-chance (clock) when none are free.
type Coremap struct {
	numPhysPages int
	physPages    *fs.Bitmap
	owners       []owner
	victim       int
}

// NewCoremap parks the clock hand on the last frame, so the first
// sweep (which advances before it looks) starts at frame 0.
func NewCoremap(numPhysPages int) *Coremap {
	return &Coremap{
		numPhysPages: numPhysPages,
		physPages:    fs.NewBitmap(numPhysPages),
		owners:       make([]owner, numPhysPages),
		victim:       numPhysPages - 1,
	}
}

// InMemory reports whether entry's physical page is still owned by
// (space, entry.VirtualPage) — it can disagree after a concurrent
// eviction picked that frame for someone else.
func (c *Coremap) InMemory(space Space, entry machine.TranslationEntry) bool {
	p := entry.PhysicalPage
	if p < 0 || p >= c.numPhysPages {
		return false
	}
	return c.owners[p].space == space && c.owners[p].vpn == entry.VirtualPage
}

// Find reserves a free physical frame for (space, vpn). The caller
// must have ensured a frame is free (via FreePage) before calling.
func (c *Coremap) Find(space Space, vpn int) int {
	phys := c.physPages.Find()
	if phys == common.NoSector {
		panic("vm: Coremap.Find called with no free physical frame")
	}
	c.owners[phys] = owner{space: space, vpn: vpn, used: true}
	return phys
}

// FreePage evicts one frame chosen by UpdateVictim's clock sweep and
// returns it to the free pool after writing it to the owning address
// space's swap file.
func (c *Coremap) FreePage() error {
	c.UpdateVictim()

	c.physPages.Clear(c.victim)
	o := c.owners[c.victim]
	if o.space == nil {
		return nil
	}
	return o.space.SaveToSwap(o.vpn)
}

// UpdateVictim advances the clock hand past every frame whose page is
// marked used, clearing the bit as it passes, and stops at the first
// frame it finds (or re-finds) unused. It is a classic second-chance
// sweep: at most two passes over the ring before a frame is chosen.
func (c *Coremap) UpdateVictim() {
	c.victim = (c.victim + 1) % c.numPhysPages
	entry := c.currentVictimEntry()

	for entry != nil && entry.Use {
		entry.Use = false
		c.victim = (c.victim + 1) % c.numPhysPages
		entry = c.currentVictimEntry()
	}
}

func (c *Coremap) currentVictimEntry() *machine.TranslationEntry {
	o := c.owners[c.victim]
	if o.space == nil {
		return nil
	}
	return o.space.GetPage(o.vpn)
}

// UpdateEntry propagates a dirty TLB line being evicted back to the
// resident page's page-table entry, but only if the coremap still
// agrees the frame holds that page — guarding against a race with a
// concurrent FreePage on the same frame.
func (c *Coremap) UpdateEntry(physPage int) {
	o := c.owners[physPage]
	if o.space == nil {
		return
	}
	entry := o.space.GetPage(o.vpn)
	if c.InMemory(o.space, *entry) {
		entry.Dirty = true
	}
}

// CountClear reports how many physical frames are currently free.
func (c *Coremap) CountClear() int {
	return c.physPages.CountClear()
}
