package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitMakesRefsVisibleAndBumpsGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	gen, err := m.Commit([]SSTRef{{Stripe: 3, Path: "000001.sst"}}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
	require.Equal(t, uint64(1), m.Generation())

	refs := m.LiveSSTs(3)
	require.Len(t, refs, 1)
	require.Equal(t, "000001.sst", refs[0].Path)
	require.Equal(t, uint64(1), refs[0].Generation)
}

func TestCommitRemovesSupersedeReplacedRefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Commit([]SSTRef{{Stripe: 1, Path: "a.sst"}, {Stripe: 1, Path: "b.sst"}}, nil)
	require.NoError(t, err)
	require.Len(t, m.LiveSSTs(1), 2)

	_, err = m.Commit([]SSTRef{{Stripe: 1, Path: "merged.sst"}}, []SSTRef{{Stripe: 1, Path: "a.sst"}, {Stripe: 1, Path: "b.sst"}})
	require.NoError(t, err)

	refs := m.LiveSSTs(1)
	require.Len(t, refs, 1)
	require.Equal(t, "merged.sst", refs[0].Path)
}

func TestReplayRestoresLiveSetAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path)
	require.NoError(t, err)

	_, err = m.Commit([]SSTRef{{Stripe: 5, Path: "x.sst"}}, nil)
	require.NoError(t, err)
	require.NoError(t, m.CommitConfig(Config{StreamsEnabled: true, CompressionEnabled: true, CompressionLevel: 3, IndexNames: []string{"by-status"}}))
	require.NoError(t, m.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	refs := reopened.LiveSSTs(5)
	require.Len(t, refs, 1)
	require.Equal(t, "x.sst", refs[0].Path)
	require.Equal(t, uint64(1), reopened.Generation())

	cfg := reopened.Config()
	require.True(t, cfg.StreamsEnabled)
	require.True(t, cfg.CompressionEnabled)
	require.Equal(t, 3, cfg.CompressionLevel)
	require.Equal(t, []string{"by-status"}, cfg.IndexNames)
}

func TestReplayStopsAtCorruptTrailingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path)
	require.NoError(t, err)
	_, err = m.Commit([]SSTRef{{Stripe: 0, Path: "ok.sst"}}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{5, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	refs := reopened.LiveSSTs(0)
	require.Len(t, refs, 1, "the well-formed commit before the torn entry must still be visible")
	require.Equal(t, "ok.sst", refs[0].Path)
}

func TestAllLiveAggregatesAcrossStripes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Commit([]SSTRef{{Stripe: 0, Path: "a.sst"}, {Stripe: 200, Path: "b.sst"}}, nil)
	require.NoError(t, err)

	require.Len(t, m.AllLive(), 2)
}
