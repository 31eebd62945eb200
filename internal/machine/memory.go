package machine

import "github.com/nachosgo/nachos/internal/common"

// Register indices for the subset of the MIPS calling convention the
// syscall ABI cares about: id in register 2, arguments in 4-7, the
// return value written back to register 2.
const (
	StackReg  = 30
	PrevPCReg = 34
	PCReg     = 35
	NextPCReg = 36

	NumTotalRegs = 40
)

// TranslationEntry is one TLB or page-table line.
type TranslationEntry struct {
	VirtualPage  int
	PhysicalPage int
	Valid        bool
	ReadOnly     bool
	Use          bool
	Dirty        bool
}

// PageFaultError is returned by ReadMem/WriteMem when the translation
// for an address is not currently valid; the caller is expected to
// resolve the fault (typically by calling into the address space's
// page-fault handler) and retry.
type PageFaultError struct {
	Addr int
}

func (e *PageFaultError) Error() string {
	return "machine: page fault"
}

// Translator resolves a virtual address to a byte offset in
// mainMemory, or reports that the page is not resident. AddressSpace
// implements this; Machine depends only on the interface so
// internal/vm has no reason to import internal/machine.
type Translator interface {
	Translate(vaddr int, writing bool) (paddr int, ok bool)
}

// FaultHandler resolves a page fault on vaddr (typically by paging the
// containing virtual page in and, on a TLB build, refilling the TLB
// line) so the caller's retry of Translate has a chance to succeed. It
// stands in for the simulated CPU's exception vector.
type FaultHandler func(vaddr int) error

// Machine holds the simulated CPU's register file and main memory, and
// the translator for the address space currently scheduled on it.
type Machine struct {
	Registers  [NumTotalRegs]int
	MainMemory []byte

	TLB          []TranslationEntry
	translator   Translator
	faultHandler FaultHandler

	NumPageFaults int
	NumPageHits   int
}

// NewMachine allocates main memory sized for NumPhysPages physical
// frames and, when useTLB is true, a TLB of TLBSize entries (a no-TLB
// build instead gives every address space a full unbounded page table
// consulted directly, so there is nothing to size here). Each Machine
// gets a private backing array; use NewMachineWithMemory to share one
// physical memory across several Machines the way several threads
// share one CPU's RAM in the traced kernel.
func NewMachine(numPhysPages int, useTLB bool) *Machine {
	return NewMachineWithMemory(make([]byte, numPhysPages*common.PageSize), useTLB)
}

// NewMachineWithMemory builds a Machine whose main memory is mem
// rather than a freshly allocated array. Every thread's register file
// and (on a TLB build) TLB are private, but physical memory and the
// coremap that allocates frames within it are process-wide, so the
// kernel constructs one Machine per thread sharing a single mem slice.
func NewMachineWithMemory(mem []byte, useTLB bool) *Machine {
	m := &Machine{MainMemory: mem}
	if useTLB {
		m.TLB = make([]TranslationEntry, common.TLBSize)
		for i := range m.TLB {
			m.TLB[i].Valid = false
		}
	}
	return m
}

func (m *Machine) SetTranslator(t Translator) {
	m.translator = t
}

// SetFaultHandler installs the routine ReadMem/WriteMem call on a
// translation miss, once per access, before giving up.
func (m *Machine) SetFaultHandler(h FaultHandler) {
	m.faultHandler = h
}

// ReadMem reads size bytes (1, 2, or 4) at the virtual address addr
// and reports ok=false if the page is not resident, mirroring
// Machine::ReadMem's page-fault-or-succeed contract. On a miss it
// invokes the installed fault handler once and retries the
// translation before giving up, standing in for the exception vector
// that would normally intervene between the CPU's faulting access and
// its retry.
func (m *Machine) ReadMem(addr int, size int) (value int, ok bool) {
	paddr, resident := m.resolve(addr, false)
	if !resident {
		return 0, false
	}

	value = 0
	for i := 0; i < size; i++ {
		value |= int(m.MainMemory[paddr+i]) << (8 * i)
	}
	return value, true
}

// WriteMem writes the low size bytes of value to the virtual address
// addr and reports ok=false if the page is not resident or read-only.
func (m *Machine) WriteMem(addr int, size int, value int) (ok bool) {
	paddr, resident := m.resolve(addr, true)
	if !resident {
		return false
	}

	for i := 0; i < size; i++ {
		m.MainMemory[paddr+i] = byte(value >> (8 * i))
	}
	return true
}

func (m *Machine) resolve(addr int, writing bool) (paddr int, ok bool) {
	paddr, resident := m.translator.Translate(addr, writing)
	if resident {
		m.NumPageHits++
		return paddr, true
	}

	m.NumPageFaults++
	if m.faultHandler != nil {
		if err := m.faultHandler(addr); err == nil {
			if paddr, resident = m.translator.Translate(addr, writing); resident {
				m.NumPageHits++
				return paddr, true
			}
		}
	}
	return 0, false
}
