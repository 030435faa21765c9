package database

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"crema/backend/internal/apperr"
	"crema/backend/internal/domain"
)

// MemoryRepository 是没有配置 MySQL 时使用的目录存储
type MemoryRepository struct {
	mu    sync.Mutex
	infos map[string]Info
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{infos: make(map[string]Info)}
}

func (r *MemoryRepository) ListDataBases(_ context.Context) ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info.clone())
	}
	return out, nil
}

func (r *MemoryRepository) SaveDataBase(_ context.Context, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[info.ID] = info.clone()
	return nil
}

func (r *MemoryRepository) DeleteDataBase(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.infos[id]; !ok {
		return apperr.New(apperr.KindDataBaseNotFound, "database %s not found", id)
	}
	delete(r.infos, id)
	return nil
}

// MemorySnapshots 以 JSON 保存内容，读出时和 MySQL 实现一样需要重新转换类型
type MemorySnapshots struct {
	mu   sync.Mutex
	data map[string]memorySnapshot
}

type memorySnapshot struct {
	revision uint64
	content  []byte
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{data: make(map[string]memorySnapshot)}
}

func snapshotKey(dataBaseID, itemPath string) string { return dataBaseID + "\x00" + itemPath }

func (s *MemorySnapshots) SaveContent(_ context.Context, dataBaseID, itemPath string, revision uint64, data domain.ContentData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(dataBaseID, itemPath)
	// 重复提交同一版本视为成功
	if cur, ok := s.data[key]; ok && cur.revision >= revision {
		return nil
	}
	s.data[key] = memorySnapshot{revision: revision, content: b}
	return nil
}

func (s *MemorySnapshots) LatestContent(_ context.Context, dataBaseID, itemPath string) (domain.ContentData, bool, error) {
	s.mu.Lock()
	snap, ok := s.data[snapshotKey(dataBaseID, itemPath)]
	s.mu.Unlock()
	if !ok {
		return domain.ContentData{}, false, nil
	}
	data, err := DecodeContent(snap.content)
	return data, err == nil, err
}

func (s *MemorySnapshots) CopyContents(_ context.Context, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := fromID + "\x00"
	for key, snap := range s.data {
		if strings.HasPrefix(key, prefix) {
			s.data[snapshotKey(toID, strings.TrimPrefix(key, prefix))] = snap
		}
	}
	return nil
}

func (s *MemorySnapshots) DeleteContents(_ context.Context, dataBaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := dataBaseID + "\x00"
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
		}
	}
	return nil
}

// DecodeContent 解码保存的内容，数字保留为 json.Number 交给 Domain 按列类型转换
func DecodeContent(b []byte) (domain.ContentData, error) {
	var data domain.ContentData
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return domain.ContentData{}, apperr.New(apperr.KindValidation, "decode content snapshot: %v", err)
	}
	return data, nil
}
