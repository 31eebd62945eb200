// Package syscall binds the MIPS-style user/kernel ABI described in
// spec.md §6 to the fs/vm operations underneath it: syscall id in
// register 2, arguments in registers 4-7, the result written back to
// register 2, and the program counter advanced by one instruction to
// account for the branch-delay slot. Per spec.md §1 the dispatcher's
// argument marshalling is explicitly out of the core's scope — this
// package is deliberately thin, a binding layer rather than a second
// copy of the filesystem/VM logic. See userprog/exception.cc in the
// retrieved Nachos source for the switch this reproduces.
package syscall

import (
	"fmt"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/fs"
	"github.com/nachosgo/nachos/internal/ksync"
	"github.com/nachosgo/nachos/internal/machine"
	"github.com/nachosgo/nachos/internal/vm"
)

// Syscall ids, matching userprog/syscall.hh's SC_* constants.
const (
	SCHalt = iota
	SCCreate
	SCRemove
	SCOpen
	SCClose
	SCRead
	SCWrite
	SCExec
	SCExit
	SCJoin
	SCMkdir
	SCCd
)

// Reserved file ids: 0 and 1 are the console, independent of the
// kernel's own open-file table.
const (
	ConsoleInput  = 0
	ConsoleOutput = 1
)

const maxOpenFiles = 16

// Process is a thread's syscall-visible state: its address space, its
// open-file table, and its current directory. A nil AddressSpace is
// legal for the very first thread if the kernel boots straight into
// console-only tests rather than an exec'd program.
type Process struct {
	SpaceID int

	Space *vm.AddressSpace
	Cwd   *fs.FSSynch

	fds      [maxOpenFiles]*fs.OpenFile
	exitChan *ksync.Channel
}

// NewProcess allocates the per-process syscall state for spaceID.
// exitChan is the rendezvous its eventual Exit publishes to and a
// joiner's Join receives from — one Channel per process, matching the
// spec's Exec/Join round-trip property.
func NewProcess(spaceID int, cwd *fs.FSSynch) *Process {
	return &Process{
		SpaceID:  spaceID,
		Cwd:      cwd,
		exitChan: ksync.NewChannel(fmt.Sprintf("exit-%d", spaceID)),
	}
}

func (p *Process) addFile(f *fs.OpenFile) int {
	for i := 2; i < maxOpenFiles; i++ {
		if p.fds[i] == nil {
			p.fds[i] = f
			return i
		}
	}
	return -1
}

func (p *Process) removeFile(fid int) *fs.OpenFile {
	if fid < 2 || fid >= maxOpenFiles {
		return nil
	}
	f := p.fds[fid]
	p.fds[fid] = nil
	return f
}

// Kernel is the subset of kernel-global state a syscall needs to
// reach: the file system facade, the shared console, and the process
// registry for Exec/Join. It is a narrower view than internal/kernel's
// full Kernel so this package does not import it (avoiding a cycle,
// since internal/kernel imports this package to drive dispatch).
type Kernel interface {
	FileSystem() *fs.FileSystem
	Console() *machine.Console
	SpawnProcess(path string, canJoin bool, argv []string, parentCwd *fs.FSSynch) (*Process, error)
	LookupProcess(spaceID int) (*Process, bool)
	Halt()
}

// Dispatch handles the syscall currently encoded in m's registers
// (id in register 2, arguments in 4-7), writes its result back to
// register 2, and advances the program counter. proc is the calling
// thread's syscall state.
func Dispatch(k Kernel, m *machine.Machine, proc *Process) {
	id := m.Registers[2]

	var result int
	switch id {
	case SCHalt:
		k.Halt()
		IncrementPC(m)
		return

	case SCCreate:
		result = doCreate(k, m, proc)
	case SCRemove:
		result = doRemove(k, m, proc)
	case SCOpen:
		result = doOpen(k, m, proc)
	case SCClose:
		result = doClose(k, proc, m.Registers[4])
	case SCRead:
		result = doRead(k, m, proc)
	case SCWrite:
		result = doWrite(k, m, proc)
	case SCExec:
		result = doExec(k, m, proc)
	case SCExit:
		doExit(proc, m.Registers[4])
		IncrementPC(m)
		return
	case SCJoin:
		result = doJoin(k, m.Registers[4])
	case SCMkdir:
		result = doMkdir(k, m, proc)
	case SCCd:
		result = doCd(k, m, proc)
	default:
		panic(fmt.Sprintf("syscall: unexpected syscall id %d", id))
	}

	m.Registers[2] = result
	IncrementPC(m)
}

// IncrementPC advances the program counter by one instruction,
// accounting for the branch-delay slot exactly as the traced
// IncrementPC does: PC becomes the old NextPC, and NextPC advances by
// one word.
func IncrementPC(m *machine.Machine) {
	m.Registers[machine.PrevPCReg] = m.Registers[machine.PCReg]
	m.Registers[machine.PCReg] = m.Registers[machine.NextPCReg]
	m.Registers[machine.NextPCReg] += 4
}

func readPath(m *machine.Machine, addr int) (string, bool) {
	if addr == 0 {
		return "", false
	}
	buf := make([]byte, common.PathNameMaxLen+1)
	machine.ReadStringFromUser(m, addr, buf)
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[:end]), true
}

func doCreate(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	if err := k.FileSystem().Create(path, 0, false, proc.Cwd); err != nil {
		return -1
	}
	return 0
}

func doMkdir(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	if err := k.FileSystem().Create(path, 0, true, proc.Cwd); err != nil {
		return -1
	}
	return 0
}

func doCd(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	dirSynch, err := k.FileSystem().FindDirectory(path, proc.Cwd)
	if err != nil {
		return -1
	}
	proc.Cwd = dirSynch
	return 0
}

func doRemove(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	if err := k.FileSystem().Remove(path, proc.Cwd); err != nil {
		return -1
	}
	return 0
}

func doOpen(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	f, err := k.FileSystem().Open(path, proc.Cwd)
	if err != nil {
		return -1
	}
	fid := proc.addFile(f)
	if fid == -1 {
		k.FileSystem().Close(f.Sector())
		return -1
	}
	return fid
}

func doClose(k Kernel, proc *Process, fid int) int {
	if fid < 2 {
		return -1
	}
	f := proc.removeFile(fid)
	if f == nil {
		return -1
	}
	if err := k.FileSystem().Close(f.Sector()); err != nil {
		return -1
	}
	return 0
}

func doRead(k Kernel, m *machine.Machine, proc *Process) int {
	userAddr := m.Registers[4]
	size := m.Registers[5]
	fid := m.Registers[6]
	if userAddr == 0 || size <= 0 || fid < 0 {
		return -1
	}

	buf := make([]byte, size)
	var n int
	if fid == ConsoleInput {
		n = k.Console().ReadLine(buf)
		if n > 0 && buf[n-1] == 0 {
			n--
		}
	} else {
		f := proc.fds[fid]
		if f == nil {
			return -1
		}
		var err error
		n, err = f.Read(buf)
		if err != nil {
			return -1
		}
	}
	machine.WriteBufferToUser(m, buf[:n], userAddr)
	return n
}

// growForWrite extends f's file by however many bytes a write of size
// starting at f's current cursor would otherwise overrun, so SC_Write
// behaves like a normal append/overwrite rather than silently
// truncating at the file's size when it was created.
func growForWrite(k Kernel, f *fs.OpenFile, size int) error {
	needed := f.Pos() + size
	if needed <= f.Length() {
		return nil
	}
	if err := k.FileSystem().ExpandFile(f.Sector(), needed-f.Length()); err != nil {
		return err
	}
	return f.Refresh()
}

func doWrite(k Kernel, m *machine.Machine, proc *Process) int {
	userAddr := m.Registers[4]
	size := m.Registers[5]
	fid := m.Registers[6]
	if userAddr == 0 || size <= 0 || fid < 0 {
		return -1
	}

	buf := make([]byte, size)
	machine.ReadBufferFromUser(m, userAddr, buf)

	var n int
	if fid == ConsoleOutput {
		k.Console().WriteBuffer(buf, size)
		n = size
	} else {
		f := proc.fds[fid]
		if f == nil {
			return -1
		}
		if err := growForWrite(k, f, size); err != nil {
			return -1
		}
		var err error
		n, err = f.Write(buf)
		if err != nil {
			return -1
		}
	}
	if n != size {
		return -1
	}
	return 0
}

func doExec(k Kernel, m *machine.Machine, proc *Process) int {
	path, ok := readPath(m, m.Registers[4])
	if !ok {
		return -1
	}
	canJoin := m.Registers[5] != 0
	argvAddr := m.Registers[6]

	var argv []string
	if argvAddr != 0 {
		argv = readArgv(m, argvAddr)
	}

	child, err := k.SpawnProcess(path, canJoin, argv, proc.Cwd)
	if err != nil {
		return -1
	}
	return child.SpaceID
}

func readArgv(m *machine.Machine, argvAddr int) []string {
	var argv []string
	buf := make([]byte, 4)
	for i := 0; ; i++ {
		machine.ReadBufferFromUser(m, argvAddr+i*4, buf)
		ptr := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16 | int(buf[3])<<24
		if ptr == 0 {
			break
		}
		s, _ := readPath(m, ptr)
		argv = append(argv, s)
	}
	return argv
}

func doExit(proc *Process, status int) {
	proc.exitChan.Send(nil, status)
}

func doJoin(k Kernel, spaceID int) int {
	if spaceID < 0 {
		return -1
	}
	child, ok := k.LookupProcess(spaceID)
	if !ok {
		return -1
	}
	return child.exitChan.Receive(nil)
}
