package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ChunkCount returns the number of chunks a file of size bytes splits into.
// A zero-byte file has zero chunks; its header alone completes the transfer.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// FileChecksum returns the hex BLAKE2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for checksum: %w", err)
	}
	defer file.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// readChunk reads the chunk at sequence from an open file.
func readChunk(file io.ReaderAt, fileSize int64, chunkSize int, sequence int) ([]byte, error) {
	offset := int64(sequence) * int64(chunkSize)
	if offset >= fileSize {
		return nil, fmt.Errorf("chunk %d beyond end of file", sequence)
	}
	length := int64(chunkSize)
	if offset+length > fileSize {
		length = fileSize - offset
	}
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", sequence, err)
	}
	return buf, nil
}

// assembler reassembles one incoming file from chunks arriving in any order.
//
// Chunks are written at their sequence offset into a .part file that is
// renamed to the final name only after size and checksum verify. Duplicate
// sequences are ignored.
type assembler struct {
	header   Header
	partPath string
	file     *os.File

	received map[int]struct{}
	bytes    int64
}

func newAssembler(header Header, dir string) (*assembler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	partPath := filepath.Join(dir, sanitizeFileName(header.FileName)+".part")
	file, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	return &assembler{
		header:   header,
		partPath: partPath,
		file:     file,
		received: make(map[int]struct{}),
	}, nil
}

// write stores one chunk. It reports true when it added new bytes.
func (a *assembler) write(sequence int, data []byte) (bool, error) {
	if sequence < 0 || sequence >= a.header.TotalChunks {
		return false, fmt.Errorf("%w: sequence %d out of range", ErrInvalidMessage, sequence)
	}
	if _, dup := a.received[sequence]; dup {
		return false, nil
	}
	offset := int64(sequence) * int64(a.header.ChunkSize)
	if offset+int64(len(data)) > a.header.FileSize {
		return false, fmt.Errorf("%w: chunk %d overruns file size", ErrInvalidMessage, sequence)
	}
	if _, err := a.file.WriteAt(data, offset); err != nil {
		return false, fmt.Errorf("write chunk %d: %w", sequence, err)
	}
	a.received[sequence] = struct{}{}
	a.bytes += int64(len(data))
	return true, nil
}

func (a *assembler) complete() bool {
	return len(a.received) == a.header.TotalChunks && a.bytes == a.header.FileSize
}

// finalize verifies the assembled bytes and moves the file into place.
// The destination name is de-duplicated, never overwritten.
func (a *assembler) finalize() (string, error) {
	if err := a.file.Close(); err != nil {
		return "", fmt.Errorf("close part file: %w", err)
	}
	a.file = nil

	sum, err := FileChecksum(a.partPath)
	if err != nil {
		return "", err
	}
	if a.header.Checksum != "" && sum != a.header.Checksum {
		return "", fmt.Errorf("%w: %s", ErrTransferIntegrity, a.header.FileName)
	}

	finalPath := availablePath(filepath.Dir(a.partPath), sanitizeFileName(a.header.FileName))
	if err := os.Rename(a.partPath, finalPath); err != nil {
		return "", fmt.Errorf("finalize %s: %w", a.header.FileName, err)
	}
	return finalPath, nil
}

// discard removes the partial file.
func (a *assembler) discard() {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	_ = os.Remove(a.partPath)
}

// sanitizeFileName strips path separators so a remote name cannot escape
// the download directory.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	return name
}

// availablePath appends " (n)" before the extension until the name is free.
func availablePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
