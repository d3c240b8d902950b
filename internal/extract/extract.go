// Package extract evaluates XPath and CSS selection expressions against a
// parsed HTML page.
package extract

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// Kind selects the expression language.
type Kind string

// Supported expression languages.
const (
	KindXPath Kind = "xpath"
	KindCSS   Kind = "css"
)

// ParseKind maps a config value to a Kind. Empty input means XPath.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindXPath):
		return KindXPath, nil
	case string(KindCSS):
		return KindCSS, nil
	default:
		return "", fmt.Errorf("unknown extract type %q", s)
	}
}

// Document is a page parsed once and queried by many rules.
type Document struct {
	root  *html.Node
	query *goquery.Document
}

// Parse builds a Document from decoded page text.
func Parse(body string) (*Document, error) {
	root, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root, query: goquery.NewDocumentFromNode(root)}, nil
}

// First returns the first match trimmed, or "" if nothing matches.
func (d *Document) First(expr string, kind Kind) (string, error) {
	values, err := d.All(expr, kind)
	if err != nil || len(values) == 0 {
		return "", err
	}
	return values[0], nil
}

// All returns every match trimmed, in document order. An empty expression
// yields an empty slice.
func (d *Document) All(expr string, kind Kind) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || d == nil || d.root == nil {
		return []string{}, nil
	}
	var (
		values []string
		err    error
	)
	switch kind {
	case KindCSS:
		values = d.css(expr)
	default:
		values, err = d.xpath(expr)
	}
	if err != nil {
		return []string{}, err
	}
	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}
	return values, nil
}

var compiled sync.Map // map[string]*xpath.Expr

func compileXPath(expr string) (*xpath.Expr, error) {
	if cached, ok := compiled.Load(expr); ok {
		return cached.(*xpath.Expr), nil
	}
	e, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile xpath %q: %w", expr, err)
	}
	compiled.Store(expr, e)
	return e, nil
}

// xpath evaluates expr against the page. The evaluator panics on some
// expressions that compile cleanly, such as a non-numeric substring offset;
// those surface as errors.
func (d *Document) xpath(expr string) (values []string, err error) {
	e, err := compileXPath(expr)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, fmt.Errorf("evaluate xpath %q: %v", expr, r)
		}
	}()
	switch v := e.Evaluate(htmlquery.CreateXPathNavigator(d.root)).(type) {
	case *xpath.NodeIterator:
		values = []string{}
		for v.MoveNext() {
			values = append(values, nodeText(v.Current()))
		}
		return values, nil
	case string:
		return []string{v}, nil
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case bool:
		return []string{strconv.FormatBool(v)}, nil
	default:
		return []string{}, nil
	}
}

// nodeText renders element nodes as markup and everything else (text,
// attributes, comments) as its string value.
func nodeText(nav xpath.NodeNavigator) string {
	hn, ok := nav.(*htmlquery.NodeNavigator)
	if !ok {
		return nav.Value()
	}
	switch nav.NodeType() {
	case xpath.ElementNode:
		return htmlquery.OutputHTML(hn.Current(), true)
	case xpath.RootNode:
		return htmlquery.OutputHTML(hn.Current(), false)
	default:
		return nav.Value()
	}
}

// css evaluates a selector with optional ::text or ::attr(name) suffix.
func (d *Document) css(expr string) []string {
	selector, pseudo, attr := splitPseudo(expr)
	values := []string{}
	d.query.Find(selector).Each(func(_ int, s *goquery.Selection) {
		switch pseudo {
		case "text":
			for _, n := range s.Nodes {
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.TextNode {
						values = append(values, c.Data)
					}
				}
			}
		case "attr":
			if v, ok := s.Attr(attr); ok {
				values = append(values, v)
			}
		default:
			if markup, err := goquery.OuterHtml(s); err == nil {
				values = append(values, markup)
			}
		}
	})
	return values
}

func splitPseudo(expr string) (selector, pseudo, attr string) {
	idx := strings.LastIndex(expr, "::")
	if idx < 0 {
		return expr, "", ""
	}
	selector = strings.TrimSpace(expr[:idx])
	suffix := strings.TrimSpace(expr[idx+2:])
	if selector == "" {
		selector = "*"
	}
	switch {
	case suffix == "text":
		return selector, "text", ""
	case strings.HasPrefix(suffix, "attr(") && strings.HasSuffix(suffix, ")"):
		name := strings.Trim(strings.TrimSpace(suffix[len("attr("):len(suffix)-1]), `"'`)
		return selector, "attr", name
	default:
		return expr, "", ""
	}
}
