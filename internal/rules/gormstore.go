package rules

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/proxyforge/interceptproxy/internal/model"
)

// gormRule is the persisted row shape, matching original_source's
// BlockedDomain table (app/db/models.py) plus a string primary key so IDs
// are stable opaque identifiers per spec §3 rather than reused integers.
type gormRule struct {
	ID        string `gorm:"primaryKey"`
	Pattern   string `gorm:"index"`
	Scope     string
	Subnet    string
	Reason    string
	AddedBy   string
	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index"`
}

func (gormRule) TableName() string { return "blocked_domains" }

func (r gormRule) toModel() model.BlockRule {
	return model.BlockRule{
		ID:        r.ID,
		Pattern:   r.Pattern,
		Scope:     model.Scope(r.Scope),
		Subnet:    r.Subnet,
		Reason:    r.Reason,
		AddedBy:   r.AddedBy,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// GormStore is the default RuleStore, backed by a gorm.DB (SQLite or
// Postgres, selected by db.Open's DSN sniffing).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the blocked_domains table and returns a Store.
func NewGormStore(conn *gorm.DB) (*GormStore, error) {
	if err := conn.AutoMigrate(&gormRule{}); err != nil {
		return nil, fmt.Errorf("migrate blocked_domains: %w", err)
	}
	return &GormStore{db: conn}, nil
}

func validateAdd(in AddInput) error {
	switch in.Scope {
	case model.ScopeGlobal:
	case model.ScopeSubnet:
		if in.Subnet == "" {
			return errors.New("subnet scope requires a subnet")
		}
		if _, _, err := net.ParseCIDR(in.Subnet); err != nil {
			return fmt.Errorf("invalid subnet %q: %w", in.Subnet, err)
		}
	default:
		return fmt.Errorf("invalid scope %q", in.Scope)
	}
	return nil
}

func (s *GormStore) Add(ctx context.Context, in AddInput) (model.BlockRule, error) {
	if err := validateAdd(in); err != nil {
		return model.BlockRule{}, err
	}

	now := time.Now().UTC()
	row := gormRule{
		ID:        uuid.NewString(),
		Pattern:   in.Pattern,
		Scope:     string(in.Scope),
		Subnet:    in.Subnet,
		Reason:    in.Reason,
		AddedBy:   in.AddedBy,
		CreatedAt: now,
		ExpiresAt: expiresAt(in.ExpiresInSeconds, now),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.BlockRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return row.toModel(), nil
}

func (s *GormStore) Update(ctx context.Context, id string, in UpdateInput) (model.BlockRule, bool, error) {
	var row gormRule
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.BlockRule{}, false, nil
		}
		return model.BlockRule{}, false, fmt.Errorf("lookup rule %s: %w", id, err)
	}

	if in.Pattern != nil {
		row.Pattern = *in.Pattern
	}
	if in.Scope != nil {
		row.Scope = string(*in.Scope)
	}
	if in.Subnet != nil {
		row.Subnet = *in.Subnet
	}
	if in.Reason != nil {
		row.Reason = *in.Reason
	}
	if in.AddedBy != nil {
		row.AddedBy = *in.AddedBy
	}
	if in.ExpiresInSeconds != nil {
		row.ExpiresAt = expiresAt(in.ExpiresInSeconds, time.Now().UTC())
	}

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return model.BlockRule{}, false, fmt.Errorf("save rule %s: %w", id, err)
	}
	return row.toModel(), true, nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&gormRule{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

func (s *GormStore) ListActive(ctx context.Context) ([]model.BlockRule, error) {
	now := time.Now().UTC()
	var rows []gormRule
	err := s.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	out := make([]model.BlockRule, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
