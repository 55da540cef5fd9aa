// Package qrops implements the generation operations on QR List records:
// computing the encoded content, rendering and attaching the image, and the
// find-or-create entry point for enabled documents.
package qrops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/qrfoundry/qrfoundry/internal/docstore"
	"github.com/qrfoundry/qrfoundry/internal/encoding"
	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
	"github.com/qrfoundry/qrfoundry/internal/qrimage"
	"github.com/qrfoundry/qrfoundry/internal/storage"
	"github.com/qrfoundry/qrfoundry/internal/token"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var slugChars = regexp.MustCompile(`[^a-zA-Z0-9-_.]+`)

type Service struct {
	db        *gorm.DB
	log       *logrus.Entry
	resolver  *encoding.Resolver
	tokens    *token.Store
	documents docstore.FieldReader
	storage   storage.Storage
	publicURL string
	imageSize int
}

func NewService(logger *logrus.Logger, db *gorm.DB, resolver *encoding.Resolver,
	tokens *token.Store, documents docstore.FieldReader, store storage.Storage,
	publicURL string, imageSize int) *Service {
	return &Service{
		db:        db,
		log:       logger.WithField("component", "qr_ops"),
		resolver:  resolver,
		tokens:    tokens,
		documents: documents,
		storage:   store,
		publicURL: strings.TrimRight(publicURL, "/"),
		imageSize: imageSize,
	}
}

type Result struct {
	QRList          string `json:"qr_list"`
	EncodedURL      string `json:"encoded_url"`
	FileURL         string `json:"file_url"`
	AbsoluteFileURL string `json:"absolute_file_url"`
	Token           string `json:"token,omitempty"`
	QRTokenID       uint   `json:"qr_token,omitempty"`
}

// ComputeEncoded is the single source of truth invoked before any render.
// Token-backed lists encode the resolver URL of their active token; a failure
// to issue is surfaced, never silently downgraded to a direct link.
func (s *Service) ComputeEncoded(ctx context.Context, list *models.QRList) (string, error) {
	if list.Mode == models.ModeURL && list.LinkType == models.LinkTypeToken {
		bearer, err := s.tokens.EnsureActive(ctx, list)
		if err != nil {
			return "", err
		}
		return s.resolverURL(bearer), nil
	}
	return s.resolver.Resolve(ctx, encoding.SpecFromList(list))
}

// Generate computes the content, renders the image, stores it and persists
// the encoded/file fields on the list row.
func (s *Service) Generate(ctx context.Context, listID uint) (*Result, error) {
	list, err := s.loadList(ctx, listID)
	if err != nil {
		return nil, err
	}

	encoded, err := s.ComputeEncoded(ctx, list)
	if err != nil {
		return nil, err
	}

	return s.attachImage(ctx, list, encoded)
}

// Preview renders the directly resolved content as a data URI without issuing
// tokens or persisting anything.
func (s *Service) Preview(ctx context.Context, listID uint) (string, error) {
	list, err := s.loadList(ctx, listID)
	if err != nil {
		return "", err
	}

	encoded, err := s.resolver.Resolve(ctx, encoding.SpecFromList(list))
	if err != nil {
		return "", err
	}

	png, err := qrimage.RenderPNG(encoded, s.imageSize)
	if err != nil {
		return "", err
	}
	return qrimage.DataURI(png), nil
}

// Rotate replaces the list's token and regenerates the attached image.
func (s *Service) Rotate(ctx context.Context, listID uint) (*Result, error) {
	list, err := s.loadList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if list.Mode != models.ModeURL || list.LinkType != models.LinkTypeToken {
		return nil, qrerr.Validation("not_token_backed",
			"only token-backed lists can be rotated")
	}

	tok, err := s.tokens.Rotate(ctx, list)
	if err != nil {
		return nil, err
	}

	result, err := s.attachImage(ctx, list, s.resolverURL(tok.Token))
	if err != nil {
		return nil, err
	}
	result.Token = tok.Token
	result.QRTokenID = tok.ID
	return result, nil
}

// GenerateForDocument finds or creates the QR List row for a target document,
// applying doctype rule defaults, and generates on it. Idempotent per target.
func (s *Service) GenerateForDocument(ctx context.Context, doctype, name string) (*Result, error) {
	exists, err := s.documents.Exists(ctx, doctype, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, qrerr.NotFound("document_not_found",
			fmt.Sprintf("%s %s does not exist", doctype, name))
	}

	linkType, action := s.ruleDefaults(ctx, doctype)

	var list models.QRList
	err = s.db.WithContext(ctx).
		Where("mode = ? AND target_doctype = ? AND target_name = ?", models.ModeURL, doctype, name).
		First(&list).Error
	switch {
	case err == nil:
		if err := s.db.WithContext(ctx).Model(&list).
			Updates(map[string]interface{}{"link_type": linkType, "action": action}).Error; err != nil {
			return nil, fmt.Errorf("updating list defaults: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		list = models.QRList{
			PublicID:      uuid.New().String(),
			Mode:          models.ModeURL,
			LinkType:      linkType,
			TargetDoctype: doctype,
			TargetName:    name,
			Action:        action,
		}
		if err := s.db.WithContext(ctx).Create(&list).Error; err != nil {
			return nil, fmt.Errorf("creating list for document: %w", err)
		}
	default:
		return nil, fmt.Errorf("list lookup: %w", err)
	}

	return s.Generate(ctx, list.ID)
}

// DeleteList removes a QR List row after running the token cascade.
func (s *Service) DeleteList(ctx context.Context, listID uint) error {
	list, err := s.loadList(ctx, listID)
	if err != nil {
		return err
	}
	if err := s.tokens.CleanupForList(ctx, list); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&models.QRList{}, list.ID).Error
}

func (s *Service) ruleDefaults(ctx context.Context, doctype string) (linkType, action string) {
	linkType, action = models.LinkTypeDirect, encoding.ActionView

	var rule models.QRRule
	err := s.db.WithContext(ctx).Where("doctype_name = ?", doctype).First(&rule).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.WithError(err).Warn("Rule lookup failed, using defaults")
		}
		return linkType, action
	}
	if rule.DefaultLinkType != "" {
		linkType = rule.DefaultLinkType
	}
	if rule.DefaultAction != "" {
		action = rule.DefaultAction
	}
	return linkType, action
}

func (s *Service) attachImage(ctx context.Context, list *models.QRList, encoded string) (*Result, error) {
	png, err := qrimage.RenderPNG(encoded, s.imageSize)
	if err != nil {
		return nil, err
	}

	key := "qr/" + slug(list.PublicID) + ".png"
	fileURL, err := s.storage.Put(ctx, key, png, "image/png")
	if err != nil {
		return nil, fmt.Errorf("storing image: %w", err)
	}
	absoluteURL := fileURL
	if !strings.HasPrefix(absoluteURL, "http://") && !strings.HasPrefix(absoluteURL, "https://") {
		absoluteURL = s.publicURL + "/" + strings.TrimLeft(fileURL, "/")
	}

	updates := map[string]interface{}{
		"encoded_url":       encoded,
		"file_url":          fileURL,
		"absolute_file_url": absoluteURL,
	}
	if err := s.db.WithContext(ctx).Model(&models.QRList{}).
		Where("id = ?", list.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("persisting encoded fields: %w", err)
	}

	result := &Result{
		QRList:          list.PublicID,
		EncodedURL:      encoded,
		FileURL:         fileURL,
		AbsoluteFileURL: absoluteURL,
	}
	if list.QRTokenID != nil {
		result.QRTokenID = *list.QRTokenID
		if tok, err := s.currentBearer(ctx, *list.QRTokenID); err == nil {
			result.Token = tok
		}
	}
	return result, nil
}

func (s *Service) currentBearer(ctx context.Context, tokenID uint) (string, error) {
	var tok models.QRToken
	if err := s.db.WithContext(ctx).First(&tok, tokenID).Error; err != nil {
		return "", err
	}
	return tok.Token, nil
}

func (s *Service) loadList(ctx context.Context, listID uint) (*models.QRList, error) {
	var list models.QRList
	err := s.db.WithContext(ctx).First(&list, listID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, qrerr.NotFound("list_not_found", "QR List not found")
	}
	if err != nil {
		return nil, fmt.Errorf("list lookup: %w", err)
	}
	return &list, nil
}

func (s *Service) resolverURL(bearer string) string {
	return s.publicURL + "/qr?token=" + url.QueryEscape(bearer)
}

func slug(s string) string {
	out := slugChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if len(out) > 140 {
		out = out[:140]
	}
	if out == "" {
		return "qr"
	}
	return out
}
