package models

import (
	"time"

	"gorm.io/gorm"
)

// GatewaySettings 网关全局设置
type GatewaySettings struct {
	gorm.Model
	Port int `gorm:"default:8000" json:"port"`
}

// RequestLog 请求日志（异步批量写入）
type RequestLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Model        string    `json:"model"`
	CredentialID string    `json:"credential_id"`
	StatusCode   int       `json:"status_code"`
	Duration     int64     `json:"duration"` // 毫秒
	Stream       bool      `json:"stream"`
	IP           string    `json:"ip"`
	UserAgent    string    `json:"user_agent"`
	ErrorMsg     string    `json:"error_msg,omitempty"`
}

// CredentialStats 按凭证聚合的统计信息
type CredentialStats struct {
	gorm.Model
	CredentialID  string  `gorm:"uniqueIndex:idx_credential_deleted;not null" json:"credential_id"`
	DisplayName   string  `json:"display_name"`
	Success       int     `gorm:"default:0" json:"success"`
	Error         int     `gorm:"default:0" json:"error"`
	TotalLatency  float64 `gorm:"default:0" json:"total_latency"` // 毫秒
	RequestCount  int     `gorm:"default:0" json:"request_count"`
	TotalRequests int64   `gorm:"default:0" json:"total_requests"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&GatewaySettings{},
		&RequestLog{},
		&CredentialStats{},
	)
}

// InitializeDefaultData 初始化默认数据
func InitializeDefaultData(db *gorm.DB) error {
	var count int64
	db.Model(&GatewaySettings{}).Count(&count)
	if count == 0 {
		gateway := GatewaySettings{
			Port: 8000,
		}
		if err := db.Create(&gateway).Error; err != nil {
			return err
		}
	}
	return nil
}
