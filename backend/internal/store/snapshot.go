package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"crema/backend/internal/database"
	"crema/backend/internal/domain"
)

// SnapshotStore 把已结束 Domain 的表内容按 (data-base, item, revision) 追加保存
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS content_snapshots (
		database_id VARCHAR(64) NOT NULL,
		item_path VARCHAR(255) NOT NULL,
		revision BIGINT UNSIGNED NOT NULL,
		content LONGTEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (database_id, item_path, revision)
	)`)
	return err
}

func (s *SnapshotStore) SaveContent(ctx context.Context, dataBaseID, itemPath string, revision uint64, data domain.ContentData) error {
	content, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_snapshots (database_id, item_path, revision, content)
		VALUES (?, ?, ?, ?)`,
		dataBaseID,
		itemPath,
		revision,
		string(content),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一版本重复提交（重试）视为成功
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *SnapshotStore) LatestContent(ctx context.Context, dataBaseID, itemPath string) (domain.ContentData, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM content_snapshots
		WHERE database_id = ? AND item_path = ?
		ORDER BY revision DESC LIMIT 1`,
		dataBaseID,
		itemPath,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContentData{}, false, nil
	}
	if err != nil {
		return domain.ContentData{}, false, err
	}
	data, err := database.DecodeContent([]byte(content))
	if err != nil {
		return domain.ContentData{}, false, err
	}
	return data, true, nil
}

func (s *SnapshotStore) CopyContents(ctx context.Context, fromID, toID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_snapshots (database_id, item_path, revision, content)
		SELECT ?, item_path, revision, content FROM content_snapshots WHERE database_id = ?`,
		toID,
		fromID,
	)
	return err
}

func (s *SnapshotStore) DeleteContents(ctx context.Context, dataBaseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM content_snapshots WHERE database_id = ?`, dataBaseID)
	return err
}
