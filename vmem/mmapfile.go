package vmem

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var errMmapClosed = errors.New("mmap: closed")

// mmapFile wraps a read-only memory-mapped snapshot file. Unlike an
// io.ReaderAt, it hands out []byte slices that refer directly to the
// mapped pages, so segments can be built without copying.
type mmapFile struct {
	filename string
	data     []byte
}

// mmapOpen maps the named file read-only.
func mmapOpen(filename string) (*mmapFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return &mmapFile{filename: filename, data: []byte{}}, nil
	}
	if size < 0 {
		return nil, errors.Errorf("mmap: file %q has negative size: %d", filename, size)
	}
	if size != int64(int(size)) {
		return nil, errors.Errorf("mmap: file %q is too large", filename)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: %s", filename)
	}
	return &mmapFile{filename: filename, data: data}, nil
}

// Name returns the name of the file.
func (f *mmapFile) Name() string {
	return f.filename
}

// Size returns the size of the mapped file.
func (f *mmapFile) Size() uint64 {
	return uint64(len(f.data))
}

// SliceAt returns n bytes at offset that point directly at the mapping.
func (f *mmapFile) SliceAt(offset, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, errMmapClosed
	}
	if offset+n > f.Size() {
		return nil, errors.Errorf("mmap: out-of-bounds SliceAt(%d, %d), file size is %d", offset, n, f.Size())
	}
	end := offset + n
	return f.data[offset:end:end], nil
}

// Close unmaps the file.
func (f *mmapFile) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if len(f.data) > 0 {
		err = unix.Munmap(f.data)
	}
	*f = mmapFile{}
	return err
}
