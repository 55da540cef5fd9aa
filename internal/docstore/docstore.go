// Package docstore defines the document-store collaborator contract and a
// gorm-backed reader over the generic documents table.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
	"gorm.io/gorm"
)

// FieldReader is what the encoding resolver and generation entry points need
// from the document store: field lookups and existence checks.
type FieldReader interface {
	FieldValue(ctx context.Context, doctype, name, field string) (string, error)
	Exists(ctx context.Context, doctype, name string) (bool, error)
}

type GormFieldReader struct {
	db *gorm.DB
}

func NewGormFieldReader(db *gorm.DB) *GormFieldReader {
	return &GormFieldReader{db: db}
}

func (r *GormFieldReader) FieldValue(ctx context.Context, doctype, name, field string) (string, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).
		Where("doctype = ? AND name = ?", doctype, name).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", qrerr.NotFound("document_not_found",
			fmt.Sprintf("%s %s does not exist", doctype, name))
	}
	if err != nil {
		return "", fmt.Errorf("document lookup: %w", err)
	}

	if doc.Fields == "" {
		return "", nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(doc.Fields), &fields); err != nil {
		return "", fmt.Errorf("document %s %s has malformed fields: %w", doctype, name, err)
	}
	return stringify(fields[field]), nil
}

func (r *GormFieldReader) Exists(ctx context.Context, doctype, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("doctype = ? AND name = ?", doctype, name).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("document existence: %w", err)
	}
	return count > 0, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
