package kernel

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachosgo/nachos/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		UseTLB:       true,
		VMem:         true,
		Filesys:      true,
		DiskPath:     filepath.Join(t.TempDir(), "test.disk"),
		NumPhysPages: 8,
		Format:       true,
	}
}

func writeExecutable(t *testing.T, k *Kernel, path string) {
	t.Helper()
	header := make([]byte, 20)
	binary.LittleEndian.PutUint32(header[0:4], 0xbadfad)
	binary.LittleEndian.PutUint32(header[4:8], 0)
	binary.LittleEndian.PutUint32(header[8:12], 128)
	binary.LittleEndian.PutUint32(header[12:16], 0)
	binary.LittleEndian.PutUint32(header[16:20], 0)
	body := make([]byte, 128)

	total := len(header) + len(body)
	require.NoError(t, k.fsys.Create(path, total, false, nil))
	f, err := k.fsys.Open(path, nil)
	require.NoError(t, err)
	_, err = f.WriteAt(header, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(body, len(header))
	require.NoError(t, err)
	require.NoError(t, k.fsys.Close(f.Sector()))
}

func TestBootFormatsAndMountsAConsistentFileSystem(t *testing.T) {
	k := New(testConfig(t))
	require.NoError(t, k.Boot(true))
	assert.True(t, k.FileSystem().Check())
}

func TestBootWithoutFormatCleansUpStaleSwapFiles(t *testing.T) {
	cfg := testConfig(t)

	k1 := New(cfg)
	require.NoError(t, k1.Boot(true))
	writeExecutable(t, k1, "/prog")
	_, err := k1.SpawnProcess("/prog", true, nil, nil)
	require.NoError(t, err)
	k1.Halt()

	cfg2 := *cfg
	cfg2.Format = false
	k2 := New(&cfg2)
	require.NoError(t, k2.Boot(false))

	for _, p := range k2.FileSystem().List() {
		assert.NotContains(t, p, "SWAP.")
	}
	assert.True(t, k2.FileSystem().Check())
}

func TestSpawnProcessRegistersUnderAFreshSpaceID(t *testing.T) {
	k := New(testConfig(t))
	require.NoError(t, k.Boot(true))
	writeExecutable(t, k, "/prog")

	p1, err := k.SpawnProcess("/prog", true, []string{"prog", "a"}, nil)
	require.NoError(t, err)
	p2, err := k.SpawnProcess("/prog", true, nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, p1.SpaceID, p2.SpaceID)

	got, ok := k.LookupProcess(p1.SpaceID)
	require.True(t, ok)
	assert.Same(t, p1, got)
}

func TestSpawnProcessUnknownExecutableFails(t *testing.T) {
	k := New(testConfig(t))
	require.NoError(t, k.Boot(true))
	_, err := k.SpawnProcess("/nope", true, nil, nil)
	assert.Error(t, err)
}

func TestStatsReflectsFreeSectorsAndRunningProcesses(t *testing.T) {
	k := New(testConfig(t))
	require.NoError(t, k.Boot(true))
	writeExecutable(t, k, "/prog")

	before := k.Stats()
	_, err := k.SpawnProcess("/prog", true, nil, nil)
	require.NoError(t, err)
	after := k.Stats()

	assert.Equal(t, before.RunningProcesses+1, after.RunningProcesses)
	assert.Less(t, after.FreeSectors, before.FreeSectors, "spawning allocates a swap file, claiming sectors")
}
