package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"crema/backend/internal/apperr"
	"crema/backend/internal/database"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DataBaseRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate crema_databases")
	}
	return db, nil
}

type mysqlDataBaseRepo struct {
	db *gorm.DB
}

func NewMySQLDataBaseRepo(db *gorm.DB) database.Repository {
	return &mysqlDataBaseRepo{db: db}
}

func (r *mysqlDataBaseRepo) ListDataBases(ctx context.Context) ([]database.Info, error) {
	var recs []DataBaseRecord
	if err := r.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, err
	}
	infos := make([]database.Info, 0, len(recs))
	for _, rec := range recs {
		info, err := rec.info()
		if err != nil {
			return nil, errors.Wrapf(err, "decode database %s", rec.ID)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SaveDataBase 按主键插入或整行更新
func (r *mysqlDataBaseRepo) SaveDataBase(ctx context.Context, info database.Info) error {
	rec, err := recordOf(info)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *mysqlDataBaseRepo) DeleteDataBase(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&DataBaseRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindDataBaseNotFound, "database %s not found", id)
	}
	return nil
}
