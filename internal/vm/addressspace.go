package vm

import (
	"fmt"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/fs"
	"github.com/nachosgo/nachos/internal/ksync"
	"github.com/nachosgo/nachos/internal/machine"
)

// AddressSpace is one process's demand-paged virtual memory: a
// software page table, the executable it was built from, and a
// private swap file used to hold pages the coremap has evicted.
// AddressSpace implements machine.Translator so the simulated CPU can
// resolve virtual addresses without the machine package depending on
// vm directly.
type AddressSpace struct {
	lock *ksync.Lock

	pageTable []machine.TranslationEntry
	numPages  int

	exec *Executable

	fsys     *fs.FileSystem
	swapFile *fs.OpenFile
	swapPath string

	coremap *Coremap
	machine *machine.Machine

	tlbVictim int
}

// NewAddressSpace builds the page table for exec and creates a swap
// file named SWAP.<spaceID> to back pages once they are evicted. Every
// page starts invalid: nothing is loaded until the first page fault,
// matching demand paging rather than eagerly reading the executable.
func NewAddressSpace(exec *Executable, fsys *fs.FileSystem, cwd *fs.FSSynch, spaceID int, coremap *Coremap, m *machine.Machine) (*AddressSpace, error) {
	size := exec.Size() + common.StackSize
	numPages := common.DivRoundUp(size, common.PageSize)

	swapPath := fmt.Sprintf("SWAP.%d", spaceID)
	if err := fsys.Create(swapPath, numPages*common.PageSize, false, cwd); err != nil {
		return nil, fmt.Errorf("vm: allocating swap file: %w", err)
	}
	swapFile, err := fsys.Open(swapPath, cwd)
	if err != nil {
		return nil, fmt.Errorf("vm: opening swap file: %w", err)
	}

	as := &AddressSpace{
		lock:      ksync.NewLock("AddressSpace Lock"),
		pageTable: make([]machine.TranslationEntry, numPages),
		numPages:  numPages,
		exec:      exec,
		fsys:      fsys,
		swapFile:  swapFile,
		swapPath:  swapPath,
		coremap:   coremap,
		machine:   m,
	}
	for i := range as.pageTable {
		as.pageTable[i] = machine.TranslationEntry{
			VirtualPage:  i,
			PhysicalPage: -1,
			Valid:        false,
			ReadOnly:     false,
			Use:          false,
			Dirty:        false,
		}
	}
	m.SetTranslator(as)
	m.SetFaultHandler(as.PageFaultHandler)
	return as, nil
}

// PageFaultHandler is the exception-vector entry point for a
// translation miss on vaddr: it pages the containing virtual page in
// via LoadPage and, on a TLB build, refills a TLB line by round robin
// so the retried access can succeed without faulting again
// immediately. On a no-TLB build (as.machine.TLB is nil) the page
// table entry LoadPage just validated is consulted directly by
// Translate, so there is no line to refill.
func (as *AddressSpace) PageFaultHandler(vaddr int) error {
	vpn := vaddr / common.PageSize
	if err := as.LoadPage(vpn); err != nil {
		return err
	}
	if as.machine.TLB == nil {
		return nil
	}

	as.lock.Acquire(nil)
	defer as.lock.Release(nil)

	slot := as.tlbVictim
	as.tlbVictim = (as.tlbVictim + 1) % len(as.machine.TLB)

	victim := &as.machine.TLB[slot]
	if victim.Valid && victim.Dirty {
		as.coremap.UpdateEntry(victim.PhysicalPage)
	}

	*victim = as.pageTable[vpn]
	return nil
}

// InitRegisters sets a freshly created process's registers the way
// Nachos' exception handler expects to find them on first dispatch:
// PC and NextPC at the executable's entry point, and the stack
// pointer at the top of the space's private stack region.
func (as *AddressSpace) InitRegisters() {
	for i := 0; i < machine.NumTotalRegs; i++ {
		as.machine.Registers[i] = 0
	}
	as.machine.Registers[machine.PCReg] = 0
	as.machine.Registers[machine.NextPCReg] = 4
	stackTop := as.numPages*common.PageSize - 16
	as.machine.Registers[machine.StackReg] = stackTop
}

// SaveState copies any TLB entries belonging to this space back into
// the page table before a context switch hands the TLB to another
// space, and invalidates every TLB line so the next space starts with
// a clean slate.
func (as *AddressSpace) SaveState() {
	for i := range as.machine.TLB {
		entry := as.machine.TLB[i]
		if !entry.Valid {
			continue
		}
		as.pageTable[entry.VirtualPage].Use = entry.Use
		as.pageTable[entry.VirtualPage].Dirty = entry.Dirty
		as.machine.TLB[i].Valid = false
	}
}

// RestoreState is a no-op under a software-loaded TLB: SaveState
// already invalidated every line, so the next translation faults in
// whichever entries this space actually touches.
func (as *AddressSpace) RestoreState() {}

// Translate implements machine.Translator. It does not itself resolve
// a page fault; the caller (the exception handler, standing in for
// hardware) is expected to call LoadPage and retry.
func (as *AddressSpace) Translate(vaddr int, writing bool) (int, bool) {
	vpn := vaddr / common.PageSize
	if vpn < 0 || vpn >= as.numPages {
		return 0, false
	}

	as.lock.Acquire(nil)
	entry := &as.pageTable[vpn]
	if !entry.Valid || !as.coremap.InMemory(as, *entry) {
		as.lock.Release(nil)
		return 0, false
	}
	if writing && entry.ReadOnly {
		as.lock.Release(nil)
		return 0, false
	}
	entry.Use = true
	if writing {
		entry.Dirty = true
	}
	paddr := entry.PhysicalPage*common.PageSize + vaddr%common.PageSize
	as.lock.Release(nil)
	return paddr, true
}

// GetPage returns the page-table entry for vpn, or nil if vpn is out
// of range. Coremap uses this to inspect and clear the use/dirty bits
// of whichever page it is considering for eviction.
func (as *AddressSpace) GetPage(vpn int) *machine.TranslationEntry {
	if vpn < 0 || vpn >= as.numPages {
		return nil
	}
	return &as.pageTable[vpn]
}

// LoadPage brings vpn into memory, evicting another page first if no
// physical frame is free. It is the entire demand-paging fault path:
// called from the exception handler after Translate reports a miss.
func (as *AddressSpace) LoadPage(vpn int) error {
	as.lock.Acquire(nil)

	if vpn < 0 || vpn >= as.numPages {
		as.lock.Release(nil)
		return fmt.Errorf("vm: page fault on out-of-range virtual page %d", vpn)
	}
	entry := &as.pageTable[vpn]
	if entry.Valid && as.coremap.InMemory(as, *entry) {
		as.lock.Release(nil)
		return nil
	}

	for as.coremap.CountClear() == 0 {
		// FreePage may evict one of this very address space's pages, which
		// reenters through SaveToSwap and needs as.lock for itself — drop
		// it here rather than holding it across the eviction.
		as.lock.Release(nil)
		err := as.coremap.FreePage()
		as.lock.Acquire(nil)
		if err != nil {
			as.lock.Release(nil)
			return fmt.Errorf("vm: evicting a page to satisfy fault on %d: %w", vpn, err)
		}
		// Another fault on vpn may have raced us while the lock was free.
		if entry.Valid && as.coremap.InMemory(as, *entry) {
			as.lock.Release(nil)
			return nil
		}
	}
	phys := as.coremap.Find(as, vpn)

	page := as.machine.MainMemory[phys*common.PageSize : (phys+1)*common.PageSize]
	for i := range page {
		page[i] = 0
	}

	if entry.Dirty {
		// Page was evicted once before; its only valid copy is in swap.
		if _, err := as.swapFile.ReadAt(page, vpn*common.PageSize); err != nil {
			as.lock.Release(nil)
			return fmt.Errorf("vm: reading page %d back from swap: %w", vpn, err)
		}
	} else if err := as.loadFromExecutable(vpn, page); err != nil {
		as.lock.Release(nil)
		return err
	}

	entry.PhysicalPage = phys
	entry.Valid = true
	entry.Use = true
	as.lock.Release(nil)
	return nil
}

// loadFromExecutable fills page with vpn's initial contents straight
// from the backing executable: code, initialized data, or zeros for
// the uninitialized-data/stack region past the end of the file.
func (as *AddressSpace) loadFromExecutable(vpn int, page []byte) error {
	vaddrStart := vpn * common.PageSize
	vaddrEnd := vaddrStart + common.PageSize

	codeStart, codeEnd := as.exec.CodeAddr(), as.exec.CodeAddr()+as.exec.CodeSize()
	dataStart, dataEnd := as.exec.InitDataAddr(), as.exec.InitDataAddr()+as.exec.InitDataSize()

	if lo, hi := overlap(vaddrStart, vaddrEnd, codeStart, codeEnd); hi > lo {
		if err := as.exec.ReadCodeBlock(page[lo-vaddrStart:], hi-lo, lo-codeStart); err != nil {
			return fmt.Errorf("vm: loading code for page %d: %w", vpn, err)
		}
	}
	if lo, hi := overlap(vaddrStart, vaddrEnd, dataStart, dataEnd); hi > lo {
		if err := as.exec.ReadDataBlock(page[lo-vaddrStart:], hi-lo, lo-dataStart); err != nil {
			return fmt.Errorf("vm: loading data for page %d: %w", vpn, err)
		}
	}
	return nil
}

func overlap(aLo, aHi, bLo, bHi int) (lo, hi int) {
	lo = common.Max(aLo, bLo)
	hi = common.Min(aHi, bHi)
	return lo, hi
}

// SaveToSwap writes vpn's current contents to its slot in the swap
// file and marks the page table entry invalid and dirty, so a later
// LoadPage knows to read it back from swap rather than re-deriving it
// from the executable. Called by Coremap.FreePage as the owning side
// of an eviction.
func (as *AddressSpace) SaveToSwap(vpn int) error {
	as.lock.Acquire(nil)
	defer as.lock.Release(nil)

	entry := &as.pageTable[vpn]
	if !entry.Valid {
		return nil
	}
	page := as.machine.MainMemory[entry.PhysicalPage*common.PageSize : (entry.PhysicalPage+1)*common.PageSize]
	if _, err := as.swapFile.WriteAt(page, vpn*common.PageSize); err != nil {
		return fmt.Errorf("vm: writing page %d to swap: %w", vpn, err)
	}
	entry.Valid = false
	entry.Dirty = true
	entry.PhysicalPage = -1
	return nil
}

// WriteArgv marshals argv onto the top of the new process's stack the
// way Exec's caller expects to find it: each string copied in below
// the stack pointer, followed by an argv pointer array and (argc,
// argv) left in registers 4 and 5 for the entry point to pick up.
func (as *AddressSpace) WriteArgv(argv []string) error {
	sp := as.machine.Registers[machine.StackReg]
	ptrs := make([]int, len(argv))

	for i, s := range argv {
		sp -= len(s) + 1
		machine.WriteStringToUser(as.machine, s, sp)
		ptrs[i] = sp
	}
	sp &^= 3 // word-align before the pointer array
	sp -= (len(argv) + 1) * 4
	argvAddr := sp
	for i, p := range ptrs {
		machine.WriteBufferToUser(as.machine, intToBytes(p), argvAddr+i*4)
	}
	machine.WriteBufferToUser(as.machine, intToBytes(0), argvAddr+len(argv)*4)

	as.machine.Registers[4] = len(argv)
	as.machine.Registers[5] = argvAddr
	as.machine.Registers[machine.StackReg] = sp
	return nil
}

func intToBytes(v int) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// SwapPath reports the name of this space's private swap file, so the
// kernel can remove it from the file system once the process exits.
func (as *AddressSpace) SwapPath() string { return as.swapPath }

// NumPages reports the size of the address space in pages.
func (as *AddressSpace) NumPages() int { return as.numPages }
