package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)

	return lm, tempDir
}

func newTestLogRecord(pageID pagestore.PageID, data string) *LogRecord {
	return &LogRecord{
		Type:    LogRecordTypeUpdate,
		PageID:  pageID,
		Offsets: []uint16{0, 3, 7},
		Data:    []byte(data),
	}
}

// --- Test Cases ---

// TestLogManager_AppendAssignsSequentialLSNs verifies that Append hands out
// 1-based, strictly increasing sequence numbers, and that CurrentLSN tracks
// the last one handed out.
func TestLogManager_AppendAssignsSequentialLSNs(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	require.Equal(t, pagestore.InvalidLSN, lm.CurrentLSN(), "a fresh log has no records")

	for i := 1; i <= 5; i++ {
		lsn, err := lm.Append(newTestLogRecord(pagestore.PageID(i), fmt.Sprintf("record %d", i)))
		require.NoError(t, err)
		require.Equal(t, pagestore.LSN(i), lsn, "LSN should be sequential and 1-based")
		require.Equal(t, pagestore.LSN(i), lm.CurrentLSN())
	}
}

// TestLogManager_ReadAllRoundTrip writes a mix of record types and reads the
// whole log back, verifying every field survives.
func TestLogManager_ReadAllRoundTrip(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	written := []*LogRecord{
		{Type: LogRecordTypeNewPage, PageID: 1},
		{Type: LogRecordTypeEntryDelete, PageID: 2, Offsets: []uint16{1, 4, 9}},
		{Type: LogRecordTypePageDelete, PageID: 3},
		{Type: LogRecordTypeDownlinkDelete, PageID: 1, Offsets: []uint16{0}},
		{Type: LogRecordTypeRootConvert, PageID: 1, Data: []byte("payload")},
	}
	for _, rec := range written {
		_, err := lm.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, lm.Sync())

	read, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, read, len(written))
	for i, rec := range read {
		require.Equal(t, pagestore.LSN(i+1), rec.LSN)
		require.Equal(t, written[i].Type, rec.Type)
		require.Equal(t, written[i].PageID, rec.PageID)
		require.Equal(t, written[i].Offsets, rec.Offsets)
		require.Equal(t, written[i].Data, rec.Data)
	}
}

// TestLogManager_RecoveryResumesLSN simulates a restart: a new LogManager over
// the same directory must continue the sequence where the old one stopped.
func TestLogManager_RecoveryResumesLSN(t *testing.T) {
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm1, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := lm1.Append(newTestLogRecord(pagestore.PageID(i), "before restart"))
		require.NoError(t, err)
	}
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, pagestore.LSN(3), lm2.CurrentLSN(), "recovery must restore the last LSN")

	lsn, err := lm2.Append(newTestLogRecord(9, "after restart"))
	require.NoError(t, err)
	require.Equal(t, pagestore.LSN(4), lsn)
	require.NoError(t, lm2.Sync())

	read, err := lm2.ReadAll()
	require.NoError(t, err)
	require.Len(t, read, 4)
}

// TestLogManager_RecoveryTruncatesCorruptTail appends valid records, then
// smashes bytes onto the end of the file. Recovery must keep the valid prefix
// and drop the garbage.
func TestLogManager_RecoveryTruncatesCorruptTail(t *testing.T) {
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm1, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := lm1.Append(newTestLogRecord(pagestore.PageID(i), "survivor"))
		require.NoError(t, err)
	}
	require.NoError(t, lm1.Close())

	walPath := filepath.Join(tempDir, walFileName)
	f, err := os.OpenFile(walPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm2, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, pagestore.LSN(2), lm2.CurrentLSN())
	read, err := lm2.ReadAll()
	require.NoError(t, err)
	require.Len(t, read, 2)
}

// TestDecodeLogRecord_Truncated feeds a record payload cut short at various
// points and expects a decode error, never a panic.
func TestDecodeLogRecord_Truncated(t *testing.T) {
	rec := newTestLogRecord(7, "some payload bytes")
	rec.LSN = 42
	framed, err := rec.Serialize()
	require.NoError(t, err)
	payload := framed[frameHeaderSize:] // DecodeLogRecord takes the bare payload

	for cut := 0; cut < len(payload); cut++ {
		_, err := DecodeLogRecord(payload[:cut])
		require.Error(t, err, "decoding a %d-byte prefix must fail", cut)
	}

	decoded, err := DecodeLogRecord(payload)
	require.NoError(t, err)
	require.Equal(t, rec.LSN, decoded.LSN)
	require.Equal(t, rec.Offsets, decoded.Offsets)
	require.Equal(t, rec.Data, decoded.Data)
}
