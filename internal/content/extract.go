package content

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/models"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is a parsed document together with the location it was loaded from.
type Page struct {
	Root *html.Node
	URL  string
}

// ParsePage parses an HTML document loaded from url.
func ParsePage(r io.Reader, url string) (Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return Page{}, fmt.Errorf("error parsing document: %w", err)
	}
	return Page{Root: root, URL: url}, nil
}

// Elements whose whole subtree never counts as readable content.
var excludedAtoms = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Template: true,
	atom.Nav:      true,
}

var excludedClasses = []string{"advertisement", "ad", "popup", "modal"}

var excludedRoles = map[string]bool{
	"banner":      true,
	"contentinfo": true,
	"navigation":  true,
}

// Elements that separate words when their text is laid out.
var blockAtoms = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true, atom.Footer: true,
	atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Header: true, atom.Hr: true, atom.Li: true,
	atom.Main: true, atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true,
	atom.Table: true, atom.Td: true, atom.Th: true, atom.Tr: true, atom.Ul: true,
}

// Extract builds a snapshot of the readable text of the page. It works on a copy of the body, so
// the page itself is never modified. It reports false when the document has no body.
func Extract(page Page, now time.Time) (models.PageContent, bool) {
	if page.Root == nil {
		return models.PageContent{}, false
	}
	body := findElement(page.Root, atom.Body)
	if body == nil {
		return models.PageContent{}, false
	}

	clone := cloneNode(body)
	prune(clone)

	var sb strings.Builder
	writeText(&sb, clone)

	title := ""
	if t := findElement(page.Root, atom.Title); t != nil {
		var tb strings.Builder
		writeText(&tb, t)
		title = collapseWhitespace(tb.String())
	}

	return models.PageContent{
		TextContent: collapseWhitespace(sb.String()),
		Title:       title,
		URL:         page.URL,
		Timestamp:   now.UnixMilli(),
	}, true
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func cloneNode(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      slices.Clone(n.Attr),
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(cloneNode(child))
	}
	return c
}

func prune(n *html.Node) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.ElementNode && excluded(child) {
			n.RemoveChild(child)
		} else {
			prune(child)
		}
		child = next
	}
}

func excluded(n *html.Node) bool {
	if excludedAtoms[n.DataAtom] {
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "style":
			if hiddenStyle(a.Val) {
				return true
			}
		case "role":
			if excludedRoles[strings.ToLower(strings.TrimSpace(a.Val))] {
				return true
			}
		case "class":
			for _, class := range strings.Fields(a.Val) {
				if slices.Contains(excludedClasses, class) {
					return true
				}
			}
		case "hidden":
			return true
		}
	}
	return false
}

func hiddenStyle(style string) bool {
	s := strings.ToLower(strings.Join(strings.Fields(style), ""))
	return strings.Contains(s, "display:none") || strings.Contains(s, "visibility:hidden")
}

func writeText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}

	block := n.Type == html.ElementNode && blockAtoms[n.DataAtom]
	if block {
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(sb, c)
	}
	if block {
		sb.WriteByte(' ')
	}
}

// collapseWhitespace turns every run of whitespace, line breaks included, into a single space and
// trims both ends.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
