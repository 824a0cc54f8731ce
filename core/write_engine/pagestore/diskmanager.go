package pagestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// --- Configuration & Constants ---

const (
	DefaultPageSize        = 4096       // Bytes
	HeaderPageID    PageID = 0          // Page ID for the index file header
	DBMagic         uint32 = 0x5AC4DB01 // SakuraDB01

	// fileHeaderSize must be a fixed size that matches how it's written/read.
	fileHeaderSize = 64
)

// --- Error Definitions ---

var (
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrIO             = errors.New("i/o error")
	ErrDBFileExists   = errors.New("index file already exists")
	ErrDBFileNotFound = errors.New("index file not found")
	ErrInvalidMagic   = errors.New("invalid index file magic number")
	ErrPageOutOfRange = errors.New("page id beyond allocated range")
)

// FileHeader defines the structure of the index file header, stored in page 0.
// All fields must have fixed sizes to keep binary.Read/Write consistent; the
// explicit padding pins the struct to fileHeaderSize bytes.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	_          uint32 // alignment
	RootPageID PageID
	LastLSN    LSN
	_          [fileHeaderSize - (4*4 + 2*8)]byte
}

// DiskManager provides read/write access to the fixed-size pages of a single
// index file. AllocatePage and PageCount serialize on the manager's mutex,
// which doubles as the brief extension lock taken when the caller needs a
// stable page count.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // Total number of pages in the file, header page included
	mu       sync.Mutex
}

func NewDiskManager(filePath string, pageSize int) (*DiskManager, error) {
	if pageSize < fileHeaderSize {
		return nil, fmt.Errorf("page size %d smaller than file header", pageSize)
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
	}, nil
}

// OpenOrCreateFile attempts to open an existing index file or create a new
// one. The 'create' flag determines behavior if the file doesn't exist or
// already exists.
func (dm *DiskManager) OpenOrCreateFile(create bool) (*FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var header FileHeader

	_, statErr := os.Stat(dm.filePath)
	if os.IsNotExist(statErr) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file

		header = FileHeader{
			Magic:      DBMagic,
			Version:    1,
			PageSize:   uint32(dm.pageSize),
			RootPageID: InvalidPageID, // Updated once the tree root is created
			LastLSN:    InvalidLSN,
		}
		if err := dm.writeHeader(&header); err != nil {
			_ = os.Remove(dm.filePath)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		// Page 0 is occupied by the header; allocations start from page 1.
		dm.numPages = 1
		return &header, nil
	} else if statErr != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, dm.filePath, statErr)
	}

	// File exists
	if create {
		return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
	}
	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	if err := dm.readHeader(&header); err != nil {
		dm.closeLocked()
		return nil, fmt.Errorf("failed to read index file header: %w", err)
	}
	if header.Magic != DBMagic {
		dm.closeLocked()
		return nil, fmt.Errorf("%w: expected 0x%x, got 0x%x", ErrInvalidMagic, DBMagic, header.Magic)
	}
	if header.PageSize != uint32(dm.pageSize) {
		dm.closeLocked()
		return nil, fmt.Errorf("page size mismatch: file has %d, configured %d", header.PageSize, dm.pageSize)
	}

	info, err := file.Stat()
	if err != nil {
		dm.closeLocked()
		return nil, fmt.Errorf("%w: stat open file: %v", ErrIO, err)
	}
	dm.numPages = uint64(info.Size()) / uint64(dm.pageSize)
	if dm.numPages == 0 {
		dm.numPages = 1
	}
	return &header, nil
}

// writeHeader serializes the header into page 0. Must be called with dm.mu held.
func (dm *DiskManager) writeHeader(header *FileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("serialize header: %w", err)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if _, err := dm.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

// readHeader deserializes the header from page 0. Must be called with dm.mu held.
func (dm *DiskManager) readHeader(header *FileHeader) error {
	buf := make([]byte, fileHeaderSize)
	if _, err := dm.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrIO, err)
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, header)
}

// UpdateHeader rewrites the header page with the given contents.
func (dm *DiskManager) UpdateHeader(header *FileHeader) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeHeader(header)
}

// ReadPage reads the page with the given id into data, which must be exactly
// one page long.
func (dm *DiskManager) ReadPage(pageID PageID, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, pageID, dm.numPages)
	}
	if len(data) != dm.pageSize {
		return fmt.Errorf("read buffer size %d != page size %d", len(data), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.ReadAt(data, offset); err != nil {
		return fmt.Errorf("%w: read page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// WritePage writes data to the page with the given id.
func (dm *DiskManager) WritePage(pageID PageID, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, pageID, dm.numPages)
	}
	if len(data) != dm.pageSize {
		return fmt.Errorf("write buffer size %d != page size %d", len(data), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: write page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its id.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	newID := PageID(dm.numPages)
	zero := make([]byte, dm.pageSize)
	offset := int64(newID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(zero, offset); err != nil {
		return InvalidPageID, fmt.Errorf("%w: extend file for page %d: %v", ErrIO, newID, err)
	}
	dm.numPages++
	return newID, nil
}

// DeallocatePage is a placeholder hook for a future on-disk free list. A
// deallocated page stays in the file and is identified by its deleted flag.
func (dm *DiskManager) DeallocatePage(pageID PageID) error {
	return nil
}

// PageCount returns the total number of pages in the file, header page
// included. The count is taken under the extension lock, so a caller gets a
// snapshot that is stable against concurrent allocation.
func (dm *DiskManager) PageCount() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) GetPageSize() int {
	return dm.pageSize
}

// Sync flushes all file writes to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
