package domainlog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Store 按 <base>/<dataBaseID>/<domainID> 组织各 Domain 的日志目录
type Store struct {
	base string
}

func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log base %s", base)
	}
	return &Store{base: base}, nil
}

func (s *Store) Dir(dataBaseID, domainID string) string {
	return filepath.Join(s.base, dataBaseID, domainID)
}

func (s *Store) Create(dataBaseID, domainID string, header []byte) (*Log, error) {
	if err := os.MkdirAll(filepath.Join(s.base, dataBaseID), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data-base log dir %s", dataBaseID)
	}
	return Create(s.Dir(dataBaseID, domainID), header)
}

func (s *Store) Open(dataBaseID, domainID string) (*Log, error) {
	return Open(s.Dir(dataBaseID, domainID))
}

// List 返回某个 data-base 下所有留有日志的 domain id
func (s *Store) List(dataBaseID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, dataBaseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list domains of %s", dataBaseID)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) Remove(dataBaseID, domainID string) error {
	return errors.Wrapf(os.RemoveAll(s.Dir(dataBaseID, domainID)), "remove domain log %s", domainID)
}

func (s *Store) RemoveDataBase(dataBaseID string) error {
	return errors.Wrapf(os.RemoveAll(filepath.Join(s.base, dataBaseID)), "remove data-base logs %s", dataBaseID)
}
