package vm

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/fs"
	"github.com/nachosgo/nachos/internal/machine"
)

// fakeSpace is a minimal Space so coremap behavior can be exercised
// without paying for a real AddressSpace/disk/executable.
type fakeSpace struct {
	pages []machine.TranslationEntry
	saved []int
}

func newFakeSpace(n int) *fakeSpace {
	entries := make([]machine.TranslationEntry, n)
	for i := range entries {
		entries[i] = machine.TranslationEntry{VirtualPage: i, PhysicalPage: -1}
	}
	return &fakeSpace{pages: entries}
}

func (f *fakeSpace) GetPage(vpn int) *machine.TranslationEntry { return &f.pages[vpn] }
func (f *fakeSpace) SaveToSwap(vpn int) error {
	f.saved = append(f.saved, vpn)
	f.pages[vpn].Valid = false
	return nil
}

func TestCoremapFindThenFreeRoundTrip(t *testing.T) {
	c := NewCoremap(2)
	sp := newFakeSpace(2)

	p0 := c.Find(sp, 0)
	p1 := c.Find(sp, 1)
	assert.NotEqual(t, p0, p1)
	assert.Equal(t, 0, c.CountClear())

	sp.pages[0].PhysicalPage = p0
	sp.pages[0].Valid = true
	sp.pages[1].PhysicalPage = p1
	sp.pages[1].Valid = true

	require.NoError(t, c.FreePage())
	assert.Equal(t, 1, c.CountClear())
	assert.Len(t, sp.saved, 1, "FreePage must evict exactly one page")
}

func TestCoremapSecondChanceSparesRecentlyUsedPage(t *testing.T) {
	c := NewCoremap(2)
	sp := newFakeSpace(2)

	p0 := c.Find(sp, 0)
	p1 := c.Find(sp, 1)
	sp.pages[0] = machine.TranslationEntry{VirtualPage: 0, PhysicalPage: p0, Valid: true, Use: true}
	sp.pages[1] = machine.TranslationEntry{VirtualPage: 1, PhysicalPage: p1, Valid: true, Use: false}

	require.NoError(t, c.FreePage())
	require.Len(t, sp.saved, 1)
	assert.Equal(t, 1, sp.saved[0], "the clock sweep must clear page 0's use bit and spare it, evicting page 1 first")
	assert.False(t, sp.pages[0].Use, "a spared page's use bit is cleared by the sweep that passed over it")
}

func TestCoremapInMemoryDisagreesAfterEviction(t *testing.T) {
	c := NewCoremap(1)
	sp := newFakeSpace(1)
	phys := c.Find(sp, 0)
	entry := machine.TranslationEntry{VirtualPage: 0, PhysicalPage: phys, Valid: true}
	assert.True(t, c.InMemory(sp, entry))

	other := newFakeSpace(1)
	require.NoError(t, c.FreePage())
	otherPhys := c.Find(other, 0)
	assert.Equal(t, phys, otherPhys)
	assert.False(t, c.InMemory(sp, entry), "the frame now belongs to a different space/vpn")
}

// writeExecutable builds a minimal Nachos-format executable on fsys at
// path: one page of code and one page of initialized data, each filled
// with a distinct byte so a later read can tell pages apart.
func writeExecutable(t *testing.T, fsys *fs.FileSystem, path string, codeFill, dataFill byte) {
	t.Helper()
	codeSize := common.PageSize
	dataSize := common.PageSize
	header := make([]byte, 20)
	binary.LittleEndian.PutUint32(header[0:4], 0xbadfad)
	binary.LittleEndian.PutUint32(header[4:8], 0)
	binary.LittleEndian.PutUint32(header[8:12], uint32(codeSize))
	binary.LittleEndian.PutUint32(header[12:16], uint32(codeSize))
	binary.LittleEndian.PutUint32(header[16:20], uint32(dataSize))

	body := make([]byte, codeSize+dataSize)
	for i := 0; i < codeSize; i++ {
		body[i] = codeFill
	}
	for i := codeSize; i < len(body); i++ {
		body[i] = dataFill
	}

	total := len(header) + len(body)
	require.NoError(t, fsys.Create(path, total, false, nil))
	f, err := fsys.Open(path, nil)
	require.NoError(t, err)
	_, err = f.WriteAt(header, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(body, len(header))
	require.NoError(t, err)
	require.NoError(t, fsys.Close(f.Sector()))
}

func newTestFileSystem(t *testing.T) *fs.FileSystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.disk")
	disk, err := machine.NewDisk(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	fsys, err := fs.NewFileSystem(disk, true)
	require.NoError(t, err)
	return fsys
}

func TestDemandPagingRoundTripThroughEvictionAndSwap(t *testing.T) {
	fsys := newTestFileSystem(t)
	writeExecutable(t, fsys, "/prog", 0xAA, 0xBB)

	execFile, err := fsys.Open("/prog", nil)
	require.NoError(t, err)
	exec, err := OpenExecutable(execFile)
	require.NoError(t, err)

	// One physical frame forces every page beyond the first fault to
	// evict the one resident page, exercising Coremap.FreePage and
	// AddressSpace.SaveToSwap/LoadPage's swap-read path.
	coremap := NewCoremap(1)
	m := machine.NewMachine(1, false)
	as, err := NewAddressSpace(exec, fsys, nil, 0, coremap, m)
	require.NoError(t, err)
	require.Greater(t, as.NumPages(), 1, "stack pages must push this space past a single page")

	codeByte, ok := m.ReadMem(0, 1)
	require.True(t, ok, "first touch should page-fault, resolve, and succeed")
	assert.Equal(t, 0xAA, codeByte)

	dataByte, ok := m.ReadMem(common.PageSize, 1)
	require.True(t, ok, "second page's first touch evicts the first page to swap")
	assert.Equal(t, 0xBB, dataByte)

	codeByteAgain, ok := m.ReadMem(0, 1)
	require.True(t, ok, "re-touching the evicted page must read it back from swap")
	assert.Equal(t, 0xAA, codeByteAgain)

	assert.Equal(t, 3, m.NumPageFaults)
}

func TestAddressSpaceWriteArgvPlacesArgcAndArgvRegisters(t *testing.T) {
	fsys := newTestFileSystem(t)
	writeExecutable(t, fsys, "/prog", 0, 0)
	execFile, err := fsys.Open("/prog", nil)
	require.NoError(t, err)
	exec, err := OpenExecutable(execFile)
	require.NoError(t, err)

	coremap := NewCoremap(4)
	m := machine.NewMachine(4, false)
	as, err := NewAddressSpace(exec, fsys, nil, 1, coremap, m)
	require.NoError(t, err)
	as.InitRegisters()
	spBefore := m.Registers[machine.StackReg]

	require.NoError(t, as.WriteArgv([]string{"prog", "-x"}))
	assert.Equal(t, 2, m.Registers[4], "argc")
	assert.Less(t, m.Registers[machine.StackReg], spBefore, "stack pointer must move down to make room for argv")
}

func TestAddressSpaceTranslateRejectsOutOfRangePage(t *testing.T) {
	fsys := newTestFileSystem(t)
	writeExecutable(t, fsys, "/prog", 0, 0)
	execFile, err := fsys.Open("/prog", nil)
	require.NoError(t, err)
	exec, err := OpenExecutable(execFile)
	require.NoError(t, err)

	coremap := NewCoremap(4)
	m := machine.NewMachine(4, false)
	as, err := NewAddressSpace(exec, fsys, nil, 2, coremap, m)
	require.NoError(t, err)

	_, ok := as.Translate(as.NumPages()*common.PageSize, false)
	assert.False(t, ok)
}
