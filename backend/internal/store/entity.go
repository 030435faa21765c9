package store

import (
	"encoding/json"
	"time"

	"crema/backend/internal/database"
	"crema/backend/internal/domain"
)

// DataBaseRecord 是 data-base 目录在 MySQL 中的一行；表与类型定义以 JSON 保存
type DataBaseRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	Name        string `gorm:"uniqueIndex;type:varchar(128)"`
	Comment     string `gorm:"type:text"`
	CreatedBy   string `gorm:"type:varchar(64)"`
	ModifiedBy  string `gorm:"type:varchar(64)"`
	Loaded      bool   `gorm:"default:false"`
	Private     bool   `gorm:"default:false"`
	LockUser    string `gorm:"type:varchar(64)"`
	LockComment string `gorm:"type:text"`
	LockedAt    *time.Time
	Tables      string `gorm:"type:longtext"`
	Types       string `gorm:"type:longtext"`
	Revision    uint64 `gorm:"default:0"`
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

func (DataBaseRecord) TableName() string { return "crema_databases" }

func recordOf(info database.Info) (DataBaseRecord, error) {
	tables, err := json.Marshal(info.Tables)
	if err != nil {
		return DataBaseRecord{}, err
	}
	types, err := json.Marshal(info.Types)
	if err != nil {
		return DataBaseRecord{}, err
	}
	rec := DataBaseRecord{
		ID:         info.ID,
		Name:       info.Name,
		Comment:    info.Comment,
		CreatedBy:  info.CreatedBy,
		ModifiedBy: info.ModifiedBy,
		Loaded:     info.Loaded,
		Private:    info.Private,
		Tables:     string(tables),
		Types:      string(types),
		Revision:   info.Revision,
		CreatedAt:  info.CreatedAt,
		ModifiedAt: info.ModifiedAt,
	}
	if info.Lock != nil {
		at := info.Lock.At
		rec.LockUser, rec.LockComment, rec.LockedAt = info.Lock.UserID, info.Lock.Comment, &at
	}
	return rec, nil
}

func (r DataBaseRecord) info() (database.Info, error) {
	info := database.Info{
		ID:         r.ID,
		Name:       r.Name,
		Comment:    r.Comment,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt.UTC(),
		ModifiedBy: r.ModifiedBy,
		ModifiedAt: r.ModifiedAt.UTC(),
		Loaded:     r.Loaded,
		Private:    r.Private,
		Revision:   r.Revision,
	}
	if r.Tables != "" {
		var tables []domain.TableSchema
		if err := json.Unmarshal([]byte(r.Tables), &tables); err != nil {
			return database.Info{}, err
		}
		info.Tables = tables
	}
	if r.Types != "" {
		var types []database.TypeInfo
		if err := json.Unmarshal([]byte(r.Types), &types); err != nil {
			return database.Info{}, err
		}
		info.Types = types
	}
	if r.LockUser != "" {
		lock := &database.LockInfo{UserID: r.LockUser, Comment: r.LockComment}
		if r.LockedAt != nil {
			lock.At = r.LockedAt.UTC()
		}
		info.Lock = lock
	}
	return info, nil
}
