package fs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachosgo/nachos/internal/common"
	"github.com/nachosgo/nachos/internal/machine"
)

func newTestDisk(t *testing.T) *machine.Disk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.disk")
	disk, err := machine.NewDisk(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return disk
}

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	fsys, err := NewFileSystem(newTestDisk(t), true)
	require.NoError(t, err)
	return fsys
}

func TestFileHeaderAllocateDeallocateRoundTrip(t *testing.T) {
	disk := newTestDisk(t)
	freeMap := NewBitmap(common.NumSectors)
	freeMap.Mark(common.FreeMapSector)
	freeMap.Mark(common.RootDirSector)
	before := freeMap.CountClear()

	h := NewFileHeader(disk)
	require.NoError(t, h.Allocate(freeMap, 3*common.SectorSize+10))
	assert.Less(t, freeMap.CountClear(), before)

	h.Deallocate(freeMap)
	assert.Equal(t, before, freeMap.CountClear())
}

func TestFileHeaderByteToSectorMatchesAllocationOrder(t *testing.T) {
	disk := newTestDisk(t)
	freeMap := NewBitmap(common.NumSectors)
	freeMap.Mark(common.FreeMapSector)
	freeMap.Mark(common.RootDirSector)

	h := NewFileHeader(disk)
	require.NoError(t, h.Allocate(freeMap, 5*common.SectorSize))

	seen := map[int]bool{}
	for k := 0; k < h.NumSectors(); k++ {
		sector := h.ByteToSector(k * common.SectorSize)
		assert.False(t, seen[sector], "sector %d reused across distinct offsets", sector)
		seen[sector] = true
	}
}

func TestFileHeaderAllocatesIndirectionAtMaxDirectBoundary(t *testing.T) {
	disk := newTestDisk(t)
	freeMap := NewBitmap(common.NumSectors)

	h := NewFileHeader(disk)
	// exactly the largest file representable with direct + 2-level
	// indirect blocks, per the <= resolution of the Open Question.
	maxSectors := common.NumDirect + common.NumIndirect*common.NumIndirect
	require.NoError(t, h.Allocate(freeMap, maxSectors*common.SectorSize))
	assert.Equal(t, maxSectors, h.NumSectors())
}

func TestFileHeaderAllocateFailsAtomicallyWhenFull(t *testing.T) {
	disk := newTestDisk(t)
	freeMap := NewBitmap(4)
	h := NewFileHeader(disk)
	before := freeMap.CountClear()

	err := h.Allocate(freeMap, 100*common.SectorSize)
	assert.ErrorIs(t, err, common.ErrNoSpace)
	assert.Equal(t, before, freeMap.CountClear(), "a failed Allocate must not claim any sectors")
}

func TestDirectoryGrowsPastInitialCapacity(t *testing.T) {
	fsys := newTestFS(t)

	for i := 0; i < common.NumDirEntries+1; i++ {
		name := string(rune('a' + i))
		require.NoError(t, fsys.Create(name, 10, false, nil))
	}
	assert.True(t, fsys.Check())

	require.NoError(t, fsys.Remove("a", nil))
	require.NoError(t, fsys.Create("a", 10, false, nil))
	assert.True(t, fsys.Check())
}

func TestCreateOpenReadWriteCopyScenario(t *testing.T) {
	fsys := newTestFS(t)
	payload := "hello world\n\x00"

	require.NoError(t, fsys.Create("src", len(payload), false, nil))
	src, err := fsys.Open("src", nil)
	require.NoError(t, err)
	_, err = src.WriteAt([]byte(payload), 0)
	require.NoError(t, err)
	require.NoError(t, fsys.Close(src.Sector()))

	require.NoError(t, fsys.Create("dst", len(payload), false, nil))
	srcAgain, err := fsys.Open("src", nil)
	require.NoError(t, err)
	dst, err := fsys.Open("dst", nil)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := srcAgain.ReadAt(buf, 0)
	require.NoError(t, err)
	_, err = dst.WriteAt(buf[:n], 0)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	n, err = dst.ReadAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out[:n-1]))
}

func TestOpenFileNotFoundAndIsDirErrors(t *testing.T) {
	fsys := newTestFS(t)
	_, err := fsys.Open("nope", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, fsys.Create("adir", 0, true, nil))
	_, err = fsys.Open("adir", nil)
	assert.ErrorIs(t, err, common.ErrIsDir)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create("d", 0, true, nil))
	dirSynch, err := fsys.FindDirectory("/d", nil)
	require.NoError(t, err)
	_ = dirSynch

	require.NoError(t, fsys.Create("/d/f", 5, false, nil))
	err = fsys.Remove("/d", nil)
	assert.ErrorIs(t, err, common.ErrDirNotEmpty)
}

func TestCreateRejectsSwapNameAtRoot(t *testing.T) {
	fsys := newTestFS(t)
	err := fsys.Create("SWAP.0", 0, true, nil)
	assert.ErrorIs(t, err, common.ErrReservedName)
}

func TestDeferredDeleteFreesBlocksOnLastClose(t *testing.T) {
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create("/foo", 50, false, nil))

	handleA, err := fsys.Open("/foo", nil)
	require.NoError(t, err)

	require.NoError(t, fsys.Remove("/foo", nil))

	_, err = fsys.Open("/foo", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, fsys.Close(handleA.Sector()))
	assert.True(t, fsys.Check())
}

func TestAbsoluteAndRelativePathResolutionAgree(t *testing.T) {
	fsys := newTestFS(t)
	require.NoError(t, fsys.Create("/a", 5, false, nil))

	_, errAbs := fsys.Open("/a", nil)
	_, errRel := fsys.Open("a", nil)
	assert.Equal(t, errAbs, errRel)
}

func TestCleanupRemovesStaleSwapFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.disk")
	disk, err := machine.NewDisk(path, true)
	require.NoError(t, err)
	fsys, err := NewFileSystem(disk, true)
	require.NoError(t, err)
	require.NoError(t, fsys.Create("SWAP.3", 10, false, nil))
	require.NoError(t, disk.Close())

	disk2, err := machine.NewDisk(path, false)
	require.NoError(t, err)
	defer disk2.Close()
	fsys2, err := NewFileSystem(disk2, false)
	require.NoError(t, err)
	require.NoError(t, fsys2.Cleanup())

	for _, p := range fsys2.List() {
		assert.NotContains(t, p, "SWAP.", "swap file should not survive a reboot's Cleanup")
	}
	_ = os.Remove
}

func TestFileSynchReaderWriterMutualExclusion(t *testing.T) {
	disk := newTestDisk(t)
	fs, err := NewFileSynch(disk, "f", common.RootDirSector)
	require.NoError(t, err)

	var mu sync.Mutex
	writing := false
	reading := 0
	violated := false

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs.BeginReading()
			mu.Lock()
			reading++
			if writing {
				violated = true
			}
			mu.Unlock()
			mu.Lock()
			reading--
			mu.Unlock()
			fs.FinishReading()
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs.BeginWriting()
			mu.Lock()
			writing = true
			if reading > 0 {
				violated = true
			}
			mu.Unlock()
			mu.Lock()
			writing = false
			mu.Unlock()
			fs.FinishWriting()
		}()
	}
	wg.Wait()
	assert.False(t, violated, "reader and writer critical sections must never overlap")
}

func TestFileSynchOpenFailsAfterMarkedForRemoval(t *testing.T) {
	disk := newTestDisk(t)
	fsSynch, err := NewFileSynch(disk, "f", common.RootDirSector)
	require.NoError(t, err)
	fsSynch.SetToRemove()
	assert.True(t, fsSynch.FileOpened(), "FileOpened must report being-removed without bumping the count")
}

func TestFileSystemCheckDetectsFreshlyFormattedDisk(t *testing.T) {
	fsys := newTestFS(t)
	assert.True(t, fsys.Check())
}
