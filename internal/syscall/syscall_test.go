package syscall

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachosgo/nachos/internal/fs"
	"github.com/nachosgo/nachos/internal/machine"
)

// identityTranslator maps every virtual address directly onto the same
// offset in main memory, so these tests can exercise the user-memory
// transfer helpers without bringing in a full internal/vm address space.
type identityTranslator struct{ size int }

func (t identityTranslator) Translate(vaddr int, writing bool) (int, bool) {
	if vaddr < 0 || vaddr >= t.size {
		return 0, false
	}
	return vaddr, true
}

func newIdentityMachine(t *testing.T) *machine.Machine {
	t.Helper()
	m := machine.NewMachine(16, false)
	m.SetTranslator(identityTranslator{size: len(m.MainMemory)})
	return m
}

type fakeKernel struct {
	fsys    *fs.FileSystem
	console *machine.Console

	mu        sync.Mutex
	processes map[int]*Process
	nextSpace int

	halted bool
}

func newFakeKernel(t *testing.T) *fakeKernel {
	t.Helper()
	disk, err := machine.NewDisk(filepath.Join(t.TempDir(), "test.disk"), true)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	fsys, err := fs.NewFileSystem(disk, true)
	require.NoError(t, err)
	return &fakeKernel{
		fsys:      fsys,
		console:   machine.NewConsole(nil, discard{}),
		processes: make(map[int]*Process),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func (k *fakeKernel) FileSystem() *fs.FileSystem { return k.fsys }
func (k *fakeKernel) Console() *machine.Console  { return k.console }
func (k *fakeKernel) Halt()                      { k.halted = true }

func (k *fakeKernel) SpawnProcess(path string, canJoin bool, argv []string, parentCwd *fs.FSSynch) (*Process, error) {
	k.mu.Lock()
	spaceID := k.nextSpace
	k.nextSpace++
	k.mu.Unlock()

	p := NewProcess(spaceID, parentCwd)
	k.mu.Lock()
	k.processes[spaceID] = p
	k.mu.Unlock()
	return p, nil
}

func (k *fakeKernel) LookupProcess(spaceID int) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[spaceID]
	return p, ok
}

func writeCString(m *machine.Machine, s string, addr int) {
	machine.WriteStringToUser(m, s, addr)
}

func TestDispatchHaltInvokesKernelHalt(t *testing.T) {
	k := newFakeKernel(t)
	m := newIdentityMachine(t)
	m.Registers[2] = SCHalt
	Dispatch(k, m, NewProcess(0, nil))
	assert.True(t, k.halted)
}

func TestDispatchCreateOpenWriteReadCloseRoundTrip(t *testing.T) {
	k := newFakeKernel(t)
	m := newIdentityMachine(t)
	proc := NewProcess(0, nil)

	const pathAddr = 16 // address 0 is the null pointer
	writeCString(m, "/greeting", pathAddr)

	m.Registers[2] = SCCreate
	m.Registers[4] = pathAddr
	Dispatch(k, m, proc)
	require.Equal(t, 0, m.Registers[2])

	m.Registers[2] = SCOpen
	m.Registers[4] = pathAddr
	Dispatch(k, m, proc)
	fid := m.Registers[2]
	require.GreaterOrEqual(t, fid, 2)

	const bufAddr = 64
	payload := "hello"
	machine.WriteBufferToUser(m, []byte(payload), bufAddr)

	m.Registers[2] = SCWrite
	m.Registers[4] = bufAddr
	m.Registers[5] = len(payload)
	m.Registers[6] = fid
	Dispatch(k, m, proc)
	assert.Equal(t, 0, m.Registers[2])

	proc.fds[fid].Seek(0)

	const readAddr = 128
	m.Registers[2] = SCRead
	m.Registers[4] = readAddr
	m.Registers[5] = len(payload)
	m.Registers[6] = fid
	Dispatch(k, m, proc)
	assert.Equal(t, len(payload), m.Registers[2])

	out := make([]byte, len(payload))
	machine.ReadBufferFromUser(m, readAddr, out)
	assert.Equal(t, payload, string(out))

	m.Registers[2] = SCClose
	m.Registers[4] = fid
	Dispatch(k, m, proc)
	assert.Equal(t, 0, m.Registers[2])
}

func TestDispatchOpenMissingFileFails(t *testing.T) {
	k := newFakeKernel(t)
	m := newIdentityMachine(t)
	proc := NewProcess(0, nil)
	writeCString(m, "/nope", 16)

	m.Registers[2] = SCOpen
	m.Registers[4] = 16
	Dispatch(k, m, proc)
	assert.Equal(t, -1, m.Registers[2])
}

func TestDispatchIncrementsPCPastBranchDelaySlot(t *testing.T) {
	k := newFakeKernel(t)
	m := newIdentityMachine(t)
	m.Registers[machine.PCReg] = 100
	m.Registers[machine.NextPCReg] = 104
	m.Registers[2] = SCHalt

	Dispatch(k, m, NewProcess(0, nil))
	assert.Equal(t, 100, m.Registers[machine.PrevPCReg])
	assert.Equal(t, 104, m.Registers[machine.PCReg])
	assert.Equal(t, 108, m.Registers[machine.NextPCReg])
	_ = k
}

func TestExecJoinRoundTripDeliversExitStatus(t *testing.T) {
	k := newFakeKernel(t)
	parent := NewProcess(0, nil)

	parentM := newIdentityMachine(t)
	writeCString(parentM, "/child", 16)
	parentM.Registers[2] = SCExec
	parentM.Registers[4] = 16
	parentM.Registers[5] = 1 // canJoin
	parentM.Registers[6] = 0 // no argv
	Dispatch(k, parentM, parent)
	childSpaceID := parentM.Registers[2]
	require.GreaterOrEqual(t, childSpaceID, 0)

	childProc, ok := k.LookupProcess(childSpaceID)
	require.True(t, ok)

	go func() {
		childM := newIdentityMachine(t)
		childM.Registers[2] = SCExit
		childM.Registers[4] = 42
		Dispatch(k, childM, childProc)
	}()

	joinM := newIdentityMachine(t)
	joinM.Registers[2] = SCJoin
	joinM.Registers[4] = childSpaceID
	Dispatch(k, joinM, parent)
	assert.Equal(t, 42, joinM.Registers[2])
}

func TestDispatchJoinOnUnknownSpaceIDFails(t *testing.T) {
	k := newFakeKernel(t)
	m := newIdentityMachine(t)
	m.Registers[2] = SCJoin
	m.Registers[4] = 999
	Dispatch(k, m, NewProcess(0, nil))
	assert.Equal(t, -1, m.Registers[2])
}
