package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sakuradb/sakuradb/core/write_engine/pagestore"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

const (
	walFileName = "wal.log"

	// frameHeaderSize is the length prefix plus the CRC of every record frame.
	frameHeaderSize = 8

	// defaultBufferSize is how many buffered bytes trigger an implicit flush.
	defaultBufferSize = 64 * 1024
)

var (
	ErrLogFileError   = errors.New("log file operation error")
	ErrRecordCorrupt  = errors.New("log record checksum mismatch")
	ErrRecordTooShort = errors.New("log record truncated")
)

// LogRecordType defines the type of page mutation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate         LogRecordType = iota + 1 // Generic page image update
	LogRecordTypeEntryDelete                             // Removal of entries from a page
	LogRecordTypePageDelete                              // Page marked deleted
	LogRecordTypeDownlinkDelete                          // Removal of child pointers from an inner page
	LogRecordTypeRootConvert                             // Root converted to an empty leaf
	LogRecordTypeNewPage                                 // Allocation of a new page
)

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN     pagestore.LSN
	Type    LogRecordType
	PageID  pagestore.PageID   // Page affected
	Offsets []uint16           // Entry offsets removed (entry/downlink deletes)
	Data    []byte             // Type-specific payload
}

// Serialize encodes the record as a framed byte slice: payload length, CRC32
// of the payload, then the payload itself.
func (r *LogRecord) Serialize() ([]byte, error) {
	payload := new(bytes.Buffer)
	if err := binary.Write(payload, binary.LittleEndian, uint64(r.LSN)); err != nil {
		return nil, err
	}
	if err := payload.WriteByte(byte(r.Type)); err != nil {
		return nil, err
	}
	if err := binary.Write(payload, binary.LittleEndian, uint64(r.PageID)); err != nil {
		return nil, err
	}
	if err := binary.Write(payload, binary.LittleEndian, uint16(len(r.Offsets))); err != nil {
		return nil, err
	}
	for _, off := range r.Offsets {
		if err := binary.Write(payload, binary.LittleEndian, off); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(payload, binary.LittleEndian, uint32(len(r.Data))); err != nil {
		return nil, err
	}
	payload.Write(r.Data)

	body := payload.Bytes()
	frame := new(bytes.Buffer)
	if err := binary.Write(frame, binary.LittleEndian, uint32(len(body))); err != nil {
		return nil, err
	}
	if err := binary.Write(frame, binary.LittleEndian, crc32.ChecksumIEEE(body)); err != nil {
		return nil, err
	}
	frame.Write(body)
	return frame.Bytes(), nil
}

// DecodeLogRecord decodes a record payload (everything after the frame header).
func DecodeLogRecord(payload []byte) (*LogRecord, error) {
	r := bytes.NewReader(payload)
	rec := &LogRecord{}

	var lsn uint64
	if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
		return nil, fmt.Errorf("%w: lsn", ErrRecordTooShort)
	}
	rec.LSN = pagestore.LSN(lsn)

	typ, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: type", ErrRecordTooShort)
	}
	rec.Type = LogRecordType(typ)

	var pageID uint64
	if err := binary.Read(r, binary.LittleEndian, &pageID); err != nil {
		return nil, fmt.Errorf("%w: page id", ErrRecordTooShort)
	}
	rec.PageID = pagestore.PageID(pageID)

	var nOffsets uint16
	if err := binary.Read(r, binary.LittleEndian, &nOffsets); err != nil {
		return nil, fmt.Errorf("%w: offset count", ErrRecordTooShort)
	}
	if nOffsets > 0 {
		rec.Offsets = make([]uint16, nOffsets)
		for i := range rec.Offsets {
			if err := binary.Read(r, binary.LittleEndian, &rec.Offsets[i]); err != nil {
				return nil, fmt.Errorf("%w: offsets", ErrRecordTooShort)
			}
		}
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return nil, fmt.Errorf("%w: data length", ErrRecordTooShort)
	}
	if dataLen > 0 {
		rec.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, rec.Data); err != nil {
			return nil, fmt.Errorf("%w: data", ErrRecordTooShort)
		}
	}
	return rec, nil
}

// LogManager manages the Write-Ahead Log file for one index instance. It is
// responsible for appending log records, assigning monotonically increasing
// LSNs, and ensuring durability on Sync.
type LogManager struct {
	path    string
	file    *os.File
	buffer  *bytes.Buffer // Records appended since the last flush
	nextLSN pagestore.LSN // Next LSN to be assigned (1-based)
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewLogManager opens (or creates) the log file in logDir and recovers the
// next LSN by scanning existing frames. A corrupt or truncated tail is
// discarded, matching a crash between buffer flushes.
func NewLogManager(logDir string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, walFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLogFileError, path, err)
	}

	lm := &LogManager{
		path:    path,
		file:    file,
		buffer:  bytes.NewBuffer(make([]byte, 0, defaultBufferSize)),
		nextLSN: 1,
		logger:  logger,
	}
	if err := lm.recover(); err != nil {
		file.Close()
		return nil, err
	}
	logger.Info("log manager initialized",
		zap.String("path", path),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)),
	)
	return lm, nil
}

// recover scans the log file to find the last complete record and positions
// the file for appending after it.
func (lm *LogManager) recover() error {
	var validEnd int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := lm.file.ReadAt(header, validEnd); err != nil {
			break // clean EOF or short header, either way stop here
		}
		payloadLen := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, payloadLen)
		if _, err := lm.file.ReadAt(payload, validEnd+frameHeaderSize); err != nil {
			lm.logger.Warn("discarding truncated log tail", zap.Int64("offset", validEnd))
			break
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			lm.logger.Warn("discarding corrupt log tail", zap.Int64("offset", validEnd))
			break
		}
		rec, err := DecodeLogRecord(payload)
		if err != nil {
			lm.logger.Warn("discarding undecodable log tail", zap.Int64("offset", validEnd), zap.Error(err))
			break
		}
		lm.nextLSN = rec.LSN + 1
		validEnd += frameHeaderSize + int64(payloadLen)
	}
	if err := lm.file.Truncate(validEnd); err != nil {
		return fmt.Errorf("%w: truncate to %d: %v", ErrLogFileError, validEnd, err)
	}
	if _, err := lm.file.Seek(validEnd, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrLogFileError, err)
	}
	return nil
}

// Append adds a LogRecord to the in-memory buffer and assigns it an LSN.
// It returns the assigned LSN. The record is not guaranteed to be on disk
// until Sync returns.
func (lm *LogManager) Append(record *LogRecord) (pagestore.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record.LSN = lm.nextLSN
	serialized, err := record.Serialize()
	if err != nil {
		return pagestore.InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	if lm.buffer.Len()+len(serialized) > defaultBufferSize {
		if err := lm.flushLocked(); err != nil {
			return pagestore.InvalidLSN, err
		}
	}
	lm.buffer.Write(serialized)
	lm.nextLSN++
	return record.LSN, nil
}

// CurrentLSN returns the LSN of the most recently appended record.
func (lm *LogManager) CurrentLSN() pagestore.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// flushLocked writes the buffer to the file. Must be called with lm.mu locked.
func (lm *LogManager) flushLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if _, err := lm.file.Write(lm.buffer.Bytes()); err != nil {
		return fmt.Errorf("%w: write: %v", ErrLogFileError, err)
	}
	lm.buffer.Reset()
	return nil
}

// Sync flushes buffered records and forces them to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushLocked(); err != nil {
		return err
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrLogFileError, err)
	}
	return nil
}

// ReadAll returns every record currently durable in the log file. Intended
// for tooling and tests; callers should Sync first.
func (lm *LogManager) ReadAll() ([]*LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var records []*LogRecord
	var offset int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := lm.file.ReadAt(header, offset); err != nil {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint32(header[4:8])
		payload := make([]byte, payloadLen)
		if _, err := lm.file.ReadAt(payload, offset+frameHeaderSize); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != checksum {
			return records, fmt.Errorf("%w at offset %d", ErrRecordCorrupt, offset)
		}
		rec, err := DecodeLogRecord(payload)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
		offset += frameHeaderSize + int64(payloadLen)
	}
	return records, nil
}

// Close flushes and closes the log file.
func (lm *LogManager) Close() error {
	if err := lm.Sync(); err != nil {
		return err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}
