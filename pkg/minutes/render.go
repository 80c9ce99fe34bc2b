package minutes

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"minutesai/pkg/domain"
)

// RenderHTML renders minutes as a standalone printable HTML document.
// All text goes through text nodes, so transcript content is always escaped.
func RenderHTML(m domain.Minutes) ([]byte, error) {
	title := strings.TrimSpace(m.Title)
	if title == "" {
		title = "Meeting minutes"
	}

	body := element(atom.Body)
	body.AppendChild(textElement(atom.H1, title))
	if m.Date != "" {
		body.AppendChild(textElement(atom.P, m.Date))
	}
	if m.Degraded() {
		warn := textElement(atom.P, m.Error)
		warn.Attr = append(warn.Attr, html.Attribute{Key: "class", Val: "error"})
		body.AppendChild(warn)
		if m.RawResponse != "" {
			appendSection(body, "Raw model response", textElement(atom.Pre, m.RawResponse))
		}
	}
	appendList(body, "Participants", m.Participants)
	appendList(body, "Agenda", m.Agenda)
	appendList(body, "Key points", m.KeyPoints)
	appendList(body, "Decisions", m.Decisions)
	if len(m.ActionItems) > 0 {
		items := make([]string, 0, len(m.ActionItems))
		for _, a := range m.ActionItems {
			items = append(items, formatActionItem(a))
		}
		appendList(body, "Action items", items)
	}
	appendList(body, "Next steps", m.NextSteps)
	if strings.TrimSpace(m.Transcript) != "" {
		appendSection(body, "Transcript", textElement(atom.Pre, m.Transcript))
	}

	head := element(atom.Head)
	meta := element(atom.Meta)
	meta.Attr = []html.Attribute{{Key: "charset", Val: "utf-8"}}
	head.AppendChild(meta)
	head.AppendChild(textElement(atom.Title, title))

	root := element(atom.Html)
	root.AppendChild(head)
	root.AppendChild(body)

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	doc.AppendChild(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatActionItem(a domain.ActionItem) string {
	text := a.Task
	var extra []string
	if a.Owner != "" {
		extra = append(extra, a.Owner)
	}
	if a.Due != "" {
		extra = append(extra, "due "+a.Due)
	}
	if len(extra) > 0 {
		text += " (" + strings.Join(extra, ", ") + ")"
	}
	return text
}

func appendList(parent *html.Node, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	ul := element(atom.Ul)
	for _, item := range items {
		ul.AppendChild(textElement(atom.Li, item))
	}
	appendSection(parent, heading, ul)
}

func appendSection(parent *html.Node, heading string, content *html.Node) {
	section := element(atom.Section)
	section.AppendChild(textElement(atom.H2, heading))
	section.AppendChild(content)
	parent.AppendChild(section)
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}

func textElement(a atom.Atom, text string) *html.Node {
	n := element(a)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}
