package store

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/vtry813-sketch/bout-kk/internal/domain"
	"gorm.io/gorm"
)

// GormUserStore persists users through the shared gorm handle.
type GormUserStore struct {
	db   *gorm.DB
	node *snowflake.Node
}

var _ UserStore = (*GormUserStore)(nil)

func NewGormUserStore(db *gorm.DB) (*GormUserStore, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	return &GormUserStore{db: db, node: node}, nil
}

func (s *GormUserStore) CreateUser(ctx context.Context, phoneNumber string) (string, error) {
	var user domain.BotUser
	err := s.db.WithContext(ctx).Where("phone_number = ?", phoneNumber).First(&user).Error
	switch {
	case err == nil:
		// existing user keeps the original password
		if err := s.db.WithContext(ctx).Model(&domain.BotUser{}).
			Where("phone_number = ?", phoneNumber).
			Update("updated_at", time.Now()).Error; err != nil {
			return "", err
		}
		return user.Password, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		password := GeneratePassword()
		user = domain.BotUser{
			ID:             s.node.Generate().Int64(),
			PhoneNumber:    phoneNumber,
			Password:       password,
			AutoReadStatus: true,
			AutoStatusLike: true,
			AntiDelete:     true,
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return "", err
		}
		return password, nil
	default:
		return "", err
	}
}

func (s *GormUserStore) GetUser(ctx context.Context, phoneNumber string) (*domain.BotUser, error) {
	var user domain.BotUser
	err := s.db.WithContext(ctx).Where("phone_number = ?", phoneNumber).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) GetUserByPassword(ctx context.Context, password string) (*domain.BotUser, error) {
	var user domain.BotUser
	err := s.db.WithContext(ctx).Where("password = ?", password).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) GetUserBySessionID(ctx context.Context, sessionID string) (*domain.BotUser, error) {
	var user domain.BotUser
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormUserStore) UpdateSession(ctx context.Context, phoneNumber, sessionID, blobID string) error {
	updates := map[string]interface{}{
		"session_id": nullable(sessionID),
		"blob_id":    nullable(blobID),
		"updated_at": time.Now(),
	}
	res := s.db.WithContext(ctx).Model(&domain.BotUser{}).
		Where("phone_number = ?", phoneNumber).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormUserStore) DeleteSession(ctx context.Context, phoneNumber string) error {
	return s.UpdateSession(ctx, phoneNumber, "", "")
}

func (s *GormUserStore) UpdateSettings(ctx context.Context, phoneNumber string, settings domain.Settings) error {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if settings.AutoReadStatus != nil {
		updates["auto_read_status"] = *settings.AutoReadStatus
	}
	if settings.AutoReactStatus != nil {
		updates["auto_react_status"] = *settings.AutoReactStatus
	}
	if settings.AutoStatusLike != nil {
		updates["auto_status_like"] = *settings.AutoStatusLike
	}
	if settings.AntiDelete != nil {
		updates["anti_delete"] = *settings.AntiDelete
	}
	res := s.db.WithContext(ctx).Model(&domain.BotUser{}).
		Where("phone_number = ?", phoneNumber).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormUserStore) ListUsersWithCompletedBackups(ctx context.Context) ([]*domain.BotUser, error) {
	var users []*domain.BotUser
	err := s.db.WithContext(ctx).
		Where("session_id IS NOT NULL AND session_id <> '' AND blob_id IS NOT NULL AND blob_id <> ''").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
