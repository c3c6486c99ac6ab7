package assets

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/markedit/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog indexes stored assets in the database.
type Catalog struct {
	DB *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{DB: db}
}

// Put inserts or refreshes one asset row, keyed by name.
func (c *Catalog) Put(ctx context.Context, a Asset) error {
	if c == nil || c.DB == nil {
		return nil
	}
	row := models.Asset{
		Name:        a.Name,
		Kind:        a.Kind,
		URL:         a.URL,
		ContentType: a.ContentType,
		Size:        a.Size,
		TaskID:      a.TaskID,
		CreatedAt:   a.CreatedAt.UnixMilli(),
	}
	return c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "url", "content_type", "size", "task_id", "created_at"}),
	}).Create(&row).Error
}

func (c *Catalog) List(ctx context.Context, kind string, limit int) ([]Asset, error) {
	if c == nil || c.DB == nil {
		return nil, nil
	}
	q := c.DB.WithContext(ctx).Model(&models.Asset{}).
		Order("created_at DESC").
		Limit(clampLimit(limit))
	if kind = strings.TrimSpace(kind); kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var rows []models.Asset
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(rows))
	for _, r := range rows {
		out = append(out, Asset{
			Name:        r.Name,
			Kind:        r.Kind,
			URL:         r.URL,
			ContentType: r.ContentType,
			Size:        r.Size,
			TaskID:      r.TaskID,
			CreatedAt:   time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func sortNewestFirst(list []Asset) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
