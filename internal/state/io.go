package state

import (
	"io/ioutil"
	"os"
	"path/filepath"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func (fr *OsFullReader) SetBase(dir string) {
	fr.base = dir
}

func (fr *OsFullReader) Normalize(path string) string {
	return filepath.Clean(filepath.Join(fr.base, path))
}

func (fr *OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b, err := ioutil.ReadAll(f)
	_ = f.Close()
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (fr *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (fr *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := fr.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
