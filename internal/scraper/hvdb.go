package scraper

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xxxsen/otolib/internal/httpx"
	"github.com/xxxsen/otolib/internal/model"
)

const hvdbWorkDetailsURL = "https://hvdb.me/Dashboard/WorkDetails/%d"

// HVDB scrapes the public HVDB work page. It is an optional last tier: the
// page carries no sales or rating aggregates, only the static fields.
type HVDB struct {
	client *httpx.Client

	// Overridable for tests.
	workDetailsURL string
}

// NewHVDB builds the source on top of a retrying client.
func NewHVDB(client *httpx.Client) *HVDB {
	return &HVDB{client: client, workDetailsURL: hvdbWorkDetailsURL}
}

func (s *HVDB) Name() string { return "hvdb" }

// Fetch implements Source. tagLanguage is ignored: HVDB serves English tags
// only.
func (s *HVDB) Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	url := fmt.Sprintf(s.workDetailsURL, id)

	data, err := s.client.GetBody(ctx, url)
	if err != nil {
		if httpx.IsNotFound(err) {
			return nil, fmt.Errorf("RJ%s: %w", model.FormatRJCode(id), ErrNotFound)
		}
		return nil, fmt.Errorf("fetch work details: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse work details: %w", err)
	}

	record := &model.WorkRecord{ID: id}
	record.Title, _ = doc.Find("input#Name").Attr("value")
	if sfw, ok := doc.Find("input[name=SFW]").Attr("value"); ok {
		record.NSFW = sfw == "false"
	}

	doc.Find("a").Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		text := strings.TrimSpace(link.Text())
		switch {
		case strings.Contains(href, "CircleWorks"):
			record.Circle = model.Circle{ID: trailingNumber(href), Name: text}
		case strings.Contains(href, "TagWorks"):
			if text != "" {
				record.Tags = append(record.Tags, model.Tag{ID: trailingNumber(href), Name: text})
			}
		case strings.Contains(href, "CVWorks"):
			if text != "" {
				record.VAs = append(record.VAs, model.VA{ID: NameToUUID(text), Name: text})
			}
		}
	})

	if len(record.Tags) == 0 && len(record.VAs) == 0 {
		return nil, fmt.Errorf("work details page carries no tags or voice actors: %w", ErrParse)
	}
	return record, nil
}

func trailingNumber(href string) int {
	idx := strings.LastIndex(href, "/")
	if idx < 0 || idx+1 >= len(href) {
		return 0
	}
	n, err := strconv.Atoi(href[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
