package volume

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// BlockSize is the fixed block size bricks are addressed in; the real
// engine would read it from the master superblock, but a single constant
// keeps the worked examples and tests tractable (the page-cache/block-I/O
// layer is an external collaborator per spec section 1).
const BlockSize = 4096

// MasterSuperblockOffset is the fixed byte offset of the master superblock
// on every brick (§6).
const MasterSuperblockOffset = 64 * 1024

// Device is the minimal block-addressed I/O surface a brick needs; real
// block-device I/O is explicitly out of scope (§1), so this interface is
// the seam a caller supplies a concrete implementation through.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Size reports the device's capacity in bytes.
	Size() (int64, error)
}

// ReadBlock reads block n (BlockSize bytes) from dev.
func ReadBlock(dev Device, n uint64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	_, err := dev.ReadAt(buf, int64(n)*BlockSize)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "volume: read block %d", n)
	}
	return buf, nil
}

// WriteBlock writes buf (must be BlockSize bytes) to block n on dev.
func WriteBlock(dev Device, n uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return errors.Errorf("volume: write block %d: buffer is %d bytes, want %d", n, len(buf), BlockSize)
	}
	_, err := dev.WriteAt(buf, int64(n)*BlockSize)
	if err != nil {
		return errors.Wrapf(err, "volume: write block %d", n)
	}
	return nil
}

// FileDevice is a Device backed by a regular file or block special file,
// grounded on the teacher's vdecompiler partial-IO wrapper pattern (a thin
// os.File wrapper satisfying exactly the interface the core needs).
type FileDevice struct {
	f *os.File
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens path for reading and writing as a Device.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "volume: open device %s", path)
	}
	return &FileDevice{f: f}, nil
}

// CreateFileDevice creates (or truncates) path to sizeBytes and opens it as
// a Device; used by tests and by brick-format tooling.
func CreateFileDevice(path string, sizeBytes int64) (*FileDevice, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "volume: create device %s", path)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "volume: truncate device %s", path)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Close() error                             { return d.f.Close() }

func (d *FileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
