package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"

	"crema/backend/internal/apperr"
	"crema/backend/internal/database"
	"crema/backend/internal/domain"
)

func sampleInfo() database.Info {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return database.Info{
		ID:         uuid.NewString(),
		Name:       "game-" + uuid.NewString()[:8],
		CreatedBy:  "root",
		CreatedAt:  at,
		ModifiedBy: "root",
		ModifiedAt: at,
		Loaded:     true,
		Lock:       &database.LockInfo{UserID: "root", Comment: "release", At: at},
		Tables: []domain.TableSchema{{Name: "Items", Columns: []domain.Column{
			{Name: "id", Type: domain.TypeInt, IsKey: true, AutoIncrement: true},
		}}},
		Types:    []database.TypeInfo{{Name: "Color", Members: []database.TypeMember{{Name: "Red", Value: 0}}}},
		Revision: 3,
	}
}

func TestRecordKeepsCatalogFields(t *testing.T) {
	want := sampleInfo()
	rec, err := recordOf(want)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := rec.info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	assert.Equal(t, got, want)
}

// 需要 CREMA_TEST_MYSQL_DSN，例如 root:pass@tcp(127.0.0.1:3306)/crema_test?parseTime=true
func testDSN(t *testing.T) string {
	dsn := os.Getenv("CREMA_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skipf("skip: CREMA_TEST_MYSQL_DSN not set")
	}
	return dsn
}

func TestMySQLDataBaseRepo(t *testing.T) {
	db, err := InitMySQL(testDSN(t))
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	ctx := context.Background()
	repo := NewMySQLDataBaseRepo(db)
	info := sampleInfo()
	if err := repo.SaveDataBase(ctx, info); err != nil {
		t.Fatalf("save: %v", err)
	}
	info.Lock = nil
	info.Revision++
	if err := repo.SaveDataBase(ctx, info); err != nil {
		t.Fatalf("update: %v", err)
	}
	infos, err := repo.ListDataBases(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, got := range infos {
		if got.ID == info.ID {
			found = true
			assert.Equal(t, got.Revision, info.Revision)
			if got.Lock != nil {
				t.Fatalf("lock was not cleared")
			}
		}
	}
	if !found {
		t.Fatalf("saved database not listed")
	}
	if err := repo.DeleteDataBase(ctx, info.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteDataBase(ctx, info.ID); !errors.Is(err, apperr.ErrDataBaseNotFound) {
		t.Fatalf("want DATABASE_NOT_FOUND, got %v", err)
	}
}

func TestSnapshotStore(t *testing.T) {
	sqlDB, err := sql.Open("mysql", testDSN(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sqlDB.Close()
	ctx := context.Background()
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	s := NewSnapshotStore(sqlDB)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	dbID, copyID := uuid.NewString(), uuid.NewString()
	defer s.DeleteContents(ctx, dbID)
	defer s.DeleteContents(ctx, copyID)

	data := domain.ContentData{Tables: []domain.TableData{{
		Schema: domain.TableSchema{Name: "Items", Columns: []domain.Column{{Name: "id", Type: domain.TypeInt, IsKey: true}}},
		Rows:   []map[string]any{{"id": int64(7)}},
	}}}
	for _, rev := range []uint64{1, 2, 2} {
		if err := s.SaveContent(ctx, dbID, "/tables/Items", rev, data); err != nil {
			t.Fatalf("save rev %d: %v", rev, err)
		}
	}
	if err := s.CopyContents(ctx, dbID, copyID); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, ok, err := s.LatestContent(ctx, copyID, "/tables/Items")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	assert.Equal(t, got.Tables[0].Rows[0]["id"], json.Number("7"))

	if _, ok, _ := s.LatestContent(ctx, dbID, "/tables/Missing"); ok {
		t.Fatalf("unexpected snapshot for a missing item")
	}
}
