package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendFlushReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)

	lsn1, err := w.Append([]byte("first"))
	require.NoError(t, err)
	lsn2, err := w.Append([]byte("second"))
	require.NoError(t, err)
	require.Equal(t, lsn1+1, lsn2)

	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "first", string(entries[0].Payload))
	require.Equal(t, "second", string(entries[1].Payload))
}

func TestUnflushedAppendsAreNotDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append([]byte("never flushed"))
	require.NoError(t, err)
	// No Flush call: simulate a crash by just not calling Close either.

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTruncateUpToEmptiesTheWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("a"))
	require.NoError(t, err)
	_, err = w.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	require.NoError(t, w.TruncateUpTo())

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Empty(t, entries, "TruncateUpTo clears the entire file, not a prefix")

	lsn, err := w.Append([]byte("c"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.Equal(t, uint64(3), lsn, "lsn counter keeps advancing across a truncate")
}

func TestRecoveryStopsAtTruncatedTrailingFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.Append([]byte("whole"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: append a few garbage bytes that look like
	// the start of a frame but never complete.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 2, 99, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "whole", string(entries[0].Payload))
}
