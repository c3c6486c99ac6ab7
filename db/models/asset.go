package models

// Asset is one stored file under the uploads directory. Kind is "upload" for
// user-provided images and "result" for materialized generation outputs.
type Asset struct {
	Name        string `gorm:"column:name;type:text;primaryKey"`
	Kind        string `gorm:"column:kind;type:text;not null;index:idx_assets_kind_created,priority:1"`
	URL         string `gorm:"column:url;type:text;not null"`
	ContentType string `gorm:"column:content_type;type:text"`
	Size        int64  `gorm:"column:size;not null"`
	TaskID      string `gorm:"column:task_id;type:text;index:idx_assets_task"`
	CreatedAt   int64  `gorm:"column:created_at;not null;index:idx_assets_kind_created,priority:2"`
}

func (Asset) TableName() string { return "assets" }
