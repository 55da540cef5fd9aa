// Package encoding computes the literal string a generated code represents.
// It is the single source of truth for mode dispatch: image rendering and
// token issuance both resolve through here and never re-derive the content.
package encoding

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/qrfoundry/qrfoundry/internal/models"
	"github.com/qrfoundry/qrfoundry/internal/qrerr"
)

const (
	ActionView  = "view"
	ActionPrint = "print"

	defaultPrintFormat = "Standard"
)

// Spec is the ephemeral generation request. Exactly one mode's fields are
// expected to be populated; the zero Mode means URL.
type Spec struct {
	Mode          string
	TargetDoctype string
	TargetName    string
	Action        string
	PrintFormat   string
	CustomRoute   string
	ValueDoctype  string
	ValueName     string
	ValueField    string
	ManualContent []string
}

// FieldReader resolves Value-mode lookups against the document store.
type FieldReader interface {
	FieldValue(ctx context.Context, doctype, name, field string) (string, error)
}

type Resolver struct {
	fields  FieldReader
	baseURL string
}

func NewResolver(fields FieldReader, publicURL string) (*Resolver, error) {
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public URL %q", publicURL)
	}
	return &Resolver{fields: fields, baseURL: base}, nil
}

// SpecFromList maps a QR List row onto a generation spec.
func SpecFromList(list *models.QRList) Spec {
	return Spec{
		Mode:          list.Mode,
		TargetDoctype: list.TargetDoctype,
		TargetName:    list.TargetName,
		Action:        list.Action,
		PrintFormat:   list.PrintFormat,
		CustomRoute:   list.CustomRoute,
		ValueDoctype:  list.ValueDoctype,
		ValueName:     list.ValueName,
		ValueField:    list.ValueField,
		ManualContent: []string{list.ManualContent},
	}
}

// Resolve computes the content to encode, or a typed failure. It has no side
// effects beyond Value-mode reads through the FieldReader.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (string, error) {
	mode := strings.TrimSpace(spec.Mode)
	if mode == "" {
		mode = models.ModeURL
	}

	switch mode {
	case models.ModeURL:
		return r.resolveURL(spec)
	case models.ModeValue:
		return r.resolveValue(ctx, spec)
	case models.ModeManual:
		return resolveManual(spec)
	default:
		return "", qrerr.Validation("unsupported_mode", fmt.Sprintf("unsupported mode: %s", mode))
	}
}

func (r *Resolver) resolveURL(spec Spec) (string, error) {
	if route := strings.TrimSpace(spec.CustomRoute); route != "" {
		if err := checkCustomRoute(route); err != nil {
			return "", err
		}
		return r.ToAbsolute(route), nil
	}

	dt := strings.TrimSpace(spec.TargetDoctype)
	dn := strings.TrimSpace(spec.TargetName)
	if dt == "" || dn == "" {
		return "", qrerr.Validation("missing_target",
			"URL mode needs a target doctype and document, or a custom route")
	}

	return r.ToAbsolute(buildRoute(dt, dn, spec.Action, spec.PrintFormat)), nil
}

func (r *Resolver) resolveValue(ctx context.Context, spec Spec) (string, error) {
	dt := strings.TrimSpace(spec.ValueDoctype)
	dn := strings.TrimSpace(spec.ValueName)
	field := strings.TrimSpace(spec.ValueField)
	if dt == "" || dn == "" || field == "" {
		return "", qrerr.Validation("missing_value_target",
			"Value mode requires a doctype, document and field")
	}

	value, err := r.fields.FieldValue(ctx, dt, dn, field)
	if err != nil {
		return "", qrerr.Wrap(qrerr.KindNotFound, "value_lookup_failed",
			fmt.Sprintf("could not read %s.%s of %s", dt, field, dn), err)
	}
	if strings.TrimSpace(value) == "" {
		return "", qrerr.Validation("empty_value",
			fmt.Sprintf("field %s of %s %s resolved to an empty value", field, dt, dn))
	}
	return value, nil
}

func resolveManual(spec Spec) (string, error) {
	for _, candidate := range spec.ManualContent {
		if content := strings.TrimSpace(candidate); content != "" {
			return content, nil
		}
	}
	return "", qrerr.Validation("manual_required", "Manual mode requires some content")
}

// buildRoute constructs the canonical document path. Print actions point at
// the print view with the format carried in the query string.
func buildRoute(doctype, name, action, printFormat string) string {
	base := "/app/" + url.PathEscape(strings.ToLower(doctype)) + "/" + url.PathEscape(name)
	if strings.ToLower(strings.TrimSpace(action)) == ActionPrint {
		format := strings.TrimSpace(printFormat)
		if format == "" {
			format = defaultPrintFormat
		}
		return base + "?format=" + url.QueryEscape(format) + "&no_letterhead=0"
	}
	return base
}

// checkCustomRoute accepts a site-relative path or an absolute http(s) URL
// with a host. Everything else (javascript:, scheme-relative, opaque URIs) is
// rejected before it can reach a rendered code.
func checkCustomRoute(route string) error {
	if strings.HasPrefix(route, "/") && !strings.HasPrefix(route, "//") {
		return nil
	}
	u, err := url.Parse(route)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return nil
	}
	return qrerr.Validation("unsafe_route", fmt.Sprintf("unsafe custom route: %s", route))
}

// ToAbsolute normalizes a site-relative route against the public base URL.
func (r *Resolver) ToAbsolute(target string) string {
	s := strings.TrimSpace(target)
	if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return r.baseURL + s
}
