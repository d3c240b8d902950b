// Package charset resolves the text encoding of fetched pages and decodes
// them to UTF-8. Resolution walks a fixed cascade: explicit override, the
// Content-Type header, a <meta> declaration near the top of the document,
// statistical detection, and finally UTF-8.
package charset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Source names the cascade stage that chose the encoding.
type Source string

// Cascade stages in resolution order.
const (
	SourceOverride    Source = "override"
	SourceHeader      Source = "header"
	SourceMeta        Source = "meta"
	SourceStatistical Source = "statistical"
	SourceDefault     Source = "default"
)

// metaScanLimit bounds how much of the body is searched for a meta declaration.
const metaScanLimit = 2048

// Info describes the encoding that was applied.
type Info struct {
	Encoding   string  `json:"encoding"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

var (
	headerCharset = regexp.MustCompile(`(?i)charset\s*=\s*([^\s;]+)`)
	metaCharset   = regexp.MustCompile(`(?i)<meta[^>]*?charset\s*=\s*["']?([^\s"'>;/]+)`)
)

var aliases = map[string]string{
	"utf8":       "utf-8",
	"utf_8":      "utf-8",
	"latin1":     "iso-8859-1",
	"latin-1":    "iso-8859-1",
	"iso8859-1":  "iso-8859-1",
	"iso_8859-1": "iso-8859-1",
	"big5hkscs":  "big5",
	"big5-hkscs": "big5",
	"gb-18030":   "gb18030",
	"cp936":      "gbk",
	"ms936":      "gbk",
	"x-gbk":      "gbk",
	"gb_2312":    "gb2312",
	"sjis":       "shift_jis",
	"cp1252":     "windows-1252",
}

// Normalize folds common aliases and returns a lowercase charset name, or ""
// when the name is not a known encoding.
func Normalize(name string) string {
	name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `"'`))
	if name == "" {
		return ""
	}
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	if _, err := htmlindex.Get(name); err != nil {
		return ""
	}
	return name
}

// Decode converts body from the named charset to UTF-8. Malformed input is
// replaced with U+FFFD rather than rejected.
func Decode(body []byte, name string) (string, error) {
	enc, err := lookup(name)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return strings.ToValidUTF8(string(out), "\uFFFD"), nil
}

func lookup(name string) (encoding.Encoding, error) {
	norm := Normalize(name)
	if norm == "" {
		return nil, fmt.Errorf("unknown charset %q", name)
	}
	enc, err := htmlindex.Get(norm)
	if err != nil {
		return nil, fmt.Errorf("lookup charset %q: %w", norm, err)
	}
	return enc, nil
}

// FromHeaders returns the normalized charset declared by a Content-Type header.
// The header name is matched case-insensitively.
func FromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if !strings.EqualFold(k, "Content-Type") {
			continue
		}
		m := headerCharset.FindStringSubmatch(v)
		if m == nil {
			return ""
		}
		return Normalize(m[1])
	}
	return ""
}

// FromMeta returns the normalized charset declared by a <meta> tag in the
// first 2048 bytes of body.
func FromMeta(body []byte) string {
	head := body
	if len(head) > metaScanLimit {
		head = head[:metaScanLimit]
	}
	m := metaCharset.FindSubmatch(head)
	if m == nil {
		return ""
	}
	return Normalize(string(m[1]))
}

// Resolver runs the encoding cascade.
type Resolver struct {
	detector *chardet.Detector
}

// NewResolver builds a Resolver with an HTML-aware statistical detector.
func NewResolver() *Resolver {
	return &Resolver{detector: chardet.NewHtmlDetector()}
}

// Resolve decodes body and reports which encoding was applied. It never fails;
// a stage whose codec cannot decode simply hands over to the next stage.
func (r *Resolver) Resolve(body []byte, headers map[string]string, override string) (string, Info) {
	if override != "" {
		if text, err := Decode(body, override); err == nil {
			return text, Info{Encoding: Normalize(override), Confidence: 1.0, Source: SourceOverride}
		}
	}
	if name := FromHeaders(headers); name != "" {
		if text, err := Decode(body, name); err == nil {
			return text, Info{Encoding: name, Confidence: 1.0, Source: SourceHeader}
		}
	}
	if name := FromMeta(body); name != "" {
		if text, err := Decode(body, name); err == nil {
			return text, Info{Encoding: name, Confidence: 0.95, Source: SourceMeta}
		}
	}
	if name, confidence := r.detect(body); name != "" {
		if text, err := Decode(body, name); err == nil {
			return text, Info{Encoding: name, Confidence: confidence, Source: SourceStatistical}
		}
	}
	return decodeUTF8(body), Info{Encoding: "utf-8", Confidence: 0, Source: SourceDefault}
}

func (r *Resolver) detect(body []byte) (string, float64) {
	if len(body) == 0 || r.detector == nil {
		return "", 0
	}
	result, err := r.detector.DetectBest(body)
	if err != nil || result == nil {
		return "", 0
	}
	name := Normalize(result.Charset)
	if name == "" {
		return "", 0
	}
	return name, float64(result.Confidence) / 100
}

func decodeUTF8(body []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "\uFFFD")
	}
	return string(out)
}
