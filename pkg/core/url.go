package core

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/blackcoderx/amsdk/pkg/transport"
	"golang.org/x/text/language"
)

// FormatLocale renders a BCP 47 tag as the platform's lang value, e.g. "en-US" ->
// "en_US". A tag without a region gets its most likely one.
func FormatLocale(tag string) (string, error) {
	t, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("failed to parse locale %q: %w", tag, err)
	}
	base, _ := t.Base()
	region, _ := t.Region()
	return base.String() + "_" + region.String(), nil
}

// AssembleURL appends the query string of params to base. lang is added when neither
// params nor the query already present in base carry one. Neither input is modified.
func AssembleURL(base string, params *transport.RequestParams, lang string) string {
	if lang != "" && baseHasLang(base) {
		lang = ""
	}
	qs := params.WithLocale(lang).QueryString()
	if qs == "" {
		return base
	}

	switch {
	case !strings.Contains(base, "?"):
		return base + "?" + qs
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		return base + qs
	default:
		return base + "&" + qs
	}
}

func baseHasLang(base string) bool {
	i := strings.IndexByte(base, '?')
	if i < 0 {
		return false
	}
	q, err := url.ParseQuery(base[i+1:])
	if err != nil {
		return strings.Contains(base[i+1:], transport.LangParam+"=")
	}
	return q.Has(transport.LangParam)
}
