package alerting

import (
	"context"

	"gorm.io/gorm"

	"github.com/fatflowers/paysync/internal/models"
)

// Store persists alert rows. Split out so each tier can fail independently in tests.
type Store interface {
	CreateNotification(ctx context.Context, n *models.OperatorNotification) error
	CreateCriticalAlert(ctx context.Context, a *models.CriticalAlert) error
	CreateAdminAction(ctx context.Context, a *models.AdminAction) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) CreateNotification(ctx context.Context, n *models.OperatorNotification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *gormStore) CreateCriticalAlert(ctx context.Context, a *models.CriticalAlert) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *gormStore) CreateAdminAction(ctx context.Context, a *models.AdminAction) error {
	return s.db.WithContext(ctx).Create(a).Error
}
