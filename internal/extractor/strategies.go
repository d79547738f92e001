package extractor

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/k3a/html2text"
	"github.com/ledongthuc/pdf"
)

// Strategy turns a fetched body into plain text. Strategies are tried in
// order until one yields enough content.
type Strategy interface {
	Name() string
	Extract(body []byte) (string, error)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func collapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
}

// domStrategy parses the page, strips boilerplate containers and returns
// the body text.
type domStrategy struct{}

func (domStrategy) Name() string { return "dom" }

func (domStrategy) Extract(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return collapseWhitespace(doc.Find("body").Text()), nil
}

// textStrategy converts the whole document to text without caring about
// structure. Recovers pages whose content sits outside the body element or
// inside markup the DOM pass throws away.
type textStrategy struct{}

func (textStrategy) Name() string { return "text" }

func (textStrategy) Extract(body []byte) (string, error) {
	return collapseWhitespace(html2text.HTML2Text(string(body))), nil
}

// pdfStrategy extracts the plain text layer of a PDF document.
type pdfStrategy struct{}

func (pdfStrategy) Name() string { return "pdf" }

func (pdfStrategy) Extract(body []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, textReader); err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}

	return collapseWhitespace(buf.String()), nil
}

// ExtractTitle pulls a display title out of an HTML body, used when the
// scraped raw title is empty or useless.
func ExtractTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return title
}
