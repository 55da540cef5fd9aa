package models

import (
	"time"
)

const (
	ModeURL    = "URL"
	ModeValue  = "Value"
	ModeManual = "Manual"

	LinkTypeDirect = "Direct"
	LinkTypeToken  = "Token"

	StatusActive  = "Active"
	StatusRevoked = "Revoked"
	StatusExpired = "Expired"
)

type QRList struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	PublicID        string `gorm:"type:varchar(36);uniqueIndex;not null"`
	Mode            string `gorm:"type:varchar(10);not null;default:'URL'"`
	LinkType        string `gorm:"type:varchar(10);not null;default:'Direct'"`
	TargetDoctype   string `gorm:"type:varchar(140)"`
	TargetName      string `gorm:"type:varchar(140)"`
	Action          string `gorm:"type:varchar(20)"`
	PrintFormat     string `gorm:"type:varchar(140)"`
	CustomRoute     string `gorm:"type:varchar(2048)"`
	ValueDoctype    string `gorm:"type:varchar(140)"`
	ValueName       string `gorm:"type:varchar(140)"`
	ValueField      string `gorm:"type:varchar(140)"`
	ManualContent   string `gorm:"type:text"`
	LabelText       string `gorm:"type:varchar(140)"`
	EncodedURL      string `gorm:"type:varchar(2048)"`
	FileURL         string `gorm:"type:varchar(2048)"`
	AbsoluteFileURL string `gorm:"type:varchar(2048)"`
	QRTokenID       *uint  `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type QRToken struct {
	ID              uint       `gorm:"primaryKey;autoIncrement"`
	Token           string     `gorm:"type:varchar(64);uniqueIndex;not null"`
	EncodedContent  string     `gorm:"type:varchar(2048);not null"`
	Status          string     `gorm:"type:varchar(10);not null;index"`
	QRListID        *uint      `gorm:"index"`
	ExpiresOn       *time.Time `gorm:"index"`
	MaxUses         int        `gorm:"not null;default:0"`
	UseCount        int        `gorm:"not null;default:0"`
	LastUsedOn      *time.Time
	RateLimitPerMin int `gorm:"not null;default:0"`
	CreatedAt       time.Time
}

type ScanLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	QRTokenID   *uint     `gorm:"index"`
	Timestamp   time.Time `gorm:"index;not null"`
	ClientIP    string    `gorm:"type:varchar(45)"`
	UserAgent   string    `gorm:"type:text"`
	Referer     string    `gorm:"type:text"`
	ResolvedURL string    `gorm:"type:varchar(2048)"`
	Result      string    `gorm:"type:varchar(20);not null;index"`
	UserName    string    `gorm:"type:varchar(140)"`
}

type QRSettings struct {
	ID                     uint   `gorm:"primaryKey;autoIncrement"`
	AllowedDomains         string `gorm:"type:text"`
	DefaultRateLimitPerMin int    `gorm:"not null;default:0"`
	RequireLogin           bool   `gorm:"not null;default:false"`
	UpdatedAt              time.Time
}

type QRRule struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	DoctypeName     string `gorm:"type:varchar(140);uniqueIndex;not null"`
	DefaultLinkType string `gorm:"type:varchar(10);not null;default:'Direct'"`
	DefaultAction   string `gorm:"type:varchar(20);not null;default:'view'"`
	AutoGenerate    bool   `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Document struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Doctype   string `gorm:"type:varchar(140);not null;uniqueIndex:idx_documents_doctype_name"`
	Name      string `gorm:"type:varchar(140);not null;uniqueIndex:idx_documents_doctype_name"`
	Fields    string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (QRList) TableName() string {
	return "qr_lists"
}

func (QRToken) TableName() string {
	return "qr_tokens"
}

func (ScanLog) TableName() string {
	return "qr_scan_logs"
}

func (QRSettings) TableName() string {
	return "qr_settings"
}

func (QRRule) TableName() string {
	return "qr_rules"
}

func (Document) TableName() string {
	return "documents"
}
