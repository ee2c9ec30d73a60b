package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"github.com/google/uuid"
)

type User struct {
	ID           string    `gorm:"primary_key;size:36" json:"id"`
	BusinessId   string    `gorm:"index;size:36;not null" json:"business_id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	Email        string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	// POS terminal PIN, changed only over a live connection.
	PinHash   string    `gorm:"size:255" json:"-"`
	Role      string    `gorm:"size:20;not null;default:owner" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type Login struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	DeviceId string `json:"device_id"`
}

type NewPin struct {
	Pin string `json:"pin" binding:"required,min=4"`
}

func CreateUser(ctx context.Context, businessId string, input *NewUser) (*User, error) {
	if !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email address")
	}
	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := User{
		ID:           uuid.NewString(),
		BusinessId:   businessId,
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: string(hashed),
		Role:         "owner",
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func AuthenticateUser(ctx context.Context, email, password string) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, errors.New("invalid credentials")
	}
	if err := utils.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// UpdateUserPin is a live-only operation: the device policy refuses to
// queue it offline.
func UpdateUserPin(ctx context.Context, businessId, userId, pin string) error {
	hashed, err := utils.HashPassword(pin)
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&User{}).
		Where("business_id = ? AND id = ?", businessId, userId).
		Update("pin_hash", string(hashed)).Error
}
