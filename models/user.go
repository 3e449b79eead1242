package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;type:varchar(255)" json:"-"`
	DateCreated  time.Time `json:"date_created"`
}

func (User) TableName() string {
	return "users"
}

func NewUser(email, passwordHash string) User {
	return User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		DateCreated:  time.Now(),
	}
}

func CreateUser(db *gorm.DB, u *User) error {
	return db.Create(u).Error
}

func GetUserByEmail(db *gorm.DB, email string) (*User, error) {
	var u User
	if err := db.First(&u, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CountUsersByEmail(db *gorm.DB, email string) (int64, error) {
	var n int64
	err := db.Model(&User{}).Where("email = ?", email).Count(&n).Error
	return n, err
}
