// Package trafficlog defines the TrafficLog contract (spec §4.6) and its
// gorm-backed implementation, sharing the connection opened for the
// default rules.GormStore.
package trafficlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/proxyforge/interceptproxy/internal/model"
)

// Log is the abstract, concurrent-safe append-only traffic record.
type Log interface {
	Append(ctx context.Context, method, url, clientIP string) error
	Query(ctx context.Context, filter model.TrafficFilter, limit, offset int) ([]model.TrafficRecord, error)
	Count(ctx context.Context, filter model.TrafficFilter) (int64, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	Close() error
}

type gormRecord struct {
	ID       uint `gorm:"primaryKey"`
	Time     time.Time
	Method   string
	URL      string
	ClientIP string
}

func (gormRecord) TableName() string { return "traffic_records" }

func (r gormRecord) toModel() model.TrafficRecord {
	return model.TrafficRecord{ID: r.ID, Time: r.Time, Method: r.Method, URL: r.URL, ClientIP: r.ClientIP}
}

// GormLog is the default TrafficLog.
type GormLog struct {
	db *gorm.DB
}

// NewGormLog migrates the traffic_records table and returns a Log.
func NewGormLog(conn *gorm.DB) (*GormLog, error) {
	if err := conn.AutoMigrate(&gormRecord{}); err != nil {
		return nil, fmt.Errorf("migrate traffic_records: %w", err)
	}
	return &GormLog{db: conn}, nil
}

func (l *GormLog) Append(ctx context.Context, method, url, clientIP string) error {
	row := gormRecord{Time: time.Now().UTC(), Method: method, URL: url, ClientIP: clientIP}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append traffic record: %w", err)
	}
	return nil
}

func (l *GormLog) scoped(ctx context.Context, filter model.TrafficFilter) *gorm.DB {
	q := l.db.WithContext(ctx).Model(&gormRecord{})
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(url) LIKE ? OR LOWER(client_ip) LIKE ?", like, like)
	}
	return q
}

func (l *GormLog) Query(ctx context.Context, filter model.TrafficFilter, limit, offset int) ([]model.TrafficRecord, error) {
	var rows []gormRecord
	err := l.scoped(ctx, filter).
		Order("time DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query traffic records: %w", err)
	}

	out := make([]model.TrafficRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (l *GormLog) Count(ctx context.Context, filter model.TrafficFilter) (int64, error) {
	var n int64
	if err := l.scoped(ctx, filter).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count traffic records: %w", err)
	}
	return n, nil
}

func (l *GormLog) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := l.db.WithContext(ctx).Where("time < ?", cutoff).Delete(&gormRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge traffic records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (l *GormLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
