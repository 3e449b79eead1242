package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdemKey 记录已经生效过的幂等键，(scope, key) 唯一
type IdemKey struct {
	Scope       string    `gorm:"primaryKey;type:varchar(100)"`
	Key         string    `gorm:"column:idem_key;primaryKey;type:varchar(128)"`
	ProjectID   string    `gorm:"column:project_id;type:varchar(64);index"`
	DateCreated time.Time
}

func (IdemKey) TableName() string {
	return "idem_keys"
}

// ClaimIdemKey 在 scope 下登记幂等键，键已存在时返回 false，调用方不得再次执行修改。
// 需要和被保护的修改放在同一个事务里
func ClaimIdemKey(tx *gorm.DB, projectID, scope, key string) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&IdemKey{
		Scope:       scope,
		Key:         key,
		ProjectID:   projectID,
		DateCreated: time.Now(),
	})
	return res.RowsAffected == 1, res.Error
}
