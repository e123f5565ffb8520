package ntfstest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elee1766/godefrag/pkg/ntfs"
)

func TestBuildRejectsOverlap(t *testing.T) {
	b := New(Options{Clusters: 256})
	b.AddFile(File{Name: "a", Runs: []ntfs.Run{{LCN: 100, Length: 10}}})
	b.AddFile(File{Name: "b", Runs: []ntfs.Run{{LCN: 105, Length: 10}}})
	_, err := b.Build()
	assert.Error(t, err)
}

func TestBuildRejectsMFTOverlap(t *testing.T) {
	b := New(Options{Clusters: 256})
	b.AddFile(File{Name: "a", Runs: []ntfs.Run{{LCN: DefaultMFTCluster, Length: 1}}})
	_, err := b.Build()
	assert.Error(t, err)
}

func TestBuildRejectsTooManyFiles(t *testing.T) {
	b := New(Options{Clusters: 256, Records: 17})
	b.AddFile(File{Name: "a", Resident: []byte("x")})
	b.AddFile(File{Name: "b", Resident: []byte("y")})
	_, err := b.Build()
	assert.Error(t, err)
}

func TestBuildFillsFileClusters(t *testing.T) {
	b := New(Options{Clusters: 256})
	num := b.AddFile(File{Name: "a", Runs: []ntfs.Run{{LCN: 120, Length: 2}}})
	img, err := b.Build()
	require.NoError(t, err)

	cs := b.ClusterSize()
	for _, c := range img[120*cs : 122*cs] {
		require.Equal(t, byte(num), c)
	}
	assert.Equal(t, byte(0), img[122*cs])
}

func TestMirrorCopiesFirstRecords(t *testing.T) {
	b := New(Options{Clusters: 256})
	img, err := b.Build()
	require.NoError(t, err)

	cs := b.ClusterSize()
	rs := b.Options().RecordSize
	mft := img[DefaultMFTCluster*cs:]
	mirr := img[DefaultMirrCluster*cs:]
	assert.Equal(t, mft[:4*rs], mirr[:4*rs])
}

func TestRandomVolumeDeterministic(t *testing.T) {
	a, err := RandomVolume(42, 4096, 50)
	require.NoError(t, err)
	b, err := RandomVolume(42, 4096, 50)
	require.NoError(t, err)
	assert.Equal(t, a.Files(), b.Files())

	imgA, err := a.Build()
	require.NoError(t, err)
	imgB, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, imgA, imgB)
}

func TestRandomVolumeHasFragmentedFiles(t *testing.T) {
	b, err := RandomVolume(1, 8192, 80)
	require.NoError(t, err)

	fragmented := 0
	var used uint64
	for _, f := range b.Files() {
		if ntfs.Fragments(f.Runs) > 0 {
			fragmented++
		}
		used += f.Clusters()
	}
	assert.Greater(t, fragmented, 0)
	assert.Less(t, used, uint64(8192))

	_, err = b.Build()
	require.NoError(t, err)
}

func TestRandomVolumeTooSmall(t *testing.T) {
	_, err := RandomVolume(1, 40, 100)
	assert.Error(t, err)
}
