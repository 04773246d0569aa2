package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DiskIndex locates stored files directly on the uploads tree, laid out as
// <root>/<type>/<id>. Checksums are left empty and computed on demand by the
// serve path.
type DiskIndex struct {
	root string
}

// NewDiskIndex returns a FileIndex over the uploads tree at root.
func NewDiskIndex(root string) *DiskIndex {
	return &DiskIndex{root: root}
}

// Lookup implements FileIndex.
func (i *DiskIndex) Lookup(_ context.Context, fileType string, id int64) (StoredFile, error) {
	path := filepath.Join(i.root, fileType, strconv.FormatInt(id, 10))

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return StoredFile{}, ErrFileNotFound
	}

	return StoredFile{
		ID:   id,
		Type: fileType,
		Path: path,
		Size: info.Size(),
	}, nil
}

// MemoryIndex is an in-memory FileIndex for tests.
type MemoryIndex struct {
	mtx   sync.Mutex
	files map[string]StoredFile
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{files: map[string]StoredFile{}}
}

func indexKey(fileType string, id int64) string {
	return fileType + "/" + strconv.FormatInt(id, 10)
}

// Add registers a stored file.
func (i *MemoryIndex) Add(file StoredFile) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	i.files[indexKey(file.Type, file.ID)] = file
}

// Lookup implements FileIndex.
func (i *MemoryIndex) Lookup(_ context.Context, fileType string, id int64) (StoredFile, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	file, ok := i.files[indexKey(fileType, id)]
	if !ok {
		return StoredFile{}, ErrFileNotFound
	}

	return file, nil
}
