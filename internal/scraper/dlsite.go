package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xxxsen/otolib/internal/httpx"
	"github.com/xxxsen/otolib/internal/model"
)

const (
	dlsiteWorkURL = "https://www.dlsite.com/maniax/work/=/product_id/RJ%s.html"
	dlsiteInfoURL = "https://www.dlsite.com/maniax-touch/product/info/ajax?product_id=RJ%s"
)

var (
	trailingIDPattern = regexp.MustCompile(`(\d+)(?:\.html)?/?$`)
	releasePattern    = regexp.MustCompile(`(\d{4})年(\d{2})月(\d{2})日`)
)

// DLsite is the primary metadata source. The full fetch combines the work
// page HTML (static fields) with the product info endpoint (volatile
// aggregates); FetchDynamic hits only the latter.
type DLsite struct {
	client *httpx.Client

	// Overridable for tests.
	workURL string
	infoURL string
}

// NewDLsite builds the DLsite source on top of a retrying client.
func NewDLsite(client *httpx.Client) *DLsite {
	return &DLsite{
		client:  client,
		workURL: dlsiteWorkURL,
		infoURL: dlsiteInfoURL,
	}
}

func (s *DLsite) Name() string { return "dlsite" }

// Fetch scrapes the full metadata record.
func (s *DLsite) Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	record, err := s.fetchStatic(ctx, id, tagLanguage)
	if err != nil {
		return nil, err
	}
	dynamic, err := s.FetchDynamic(ctx, id)
	if err != nil {
		return nil, err
	}
	record.DLCount = dynamic.DLCount
	record.Price = dynamic.Price
	record.ReviewCount = dynamic.ReviewCount
	record.RateCount = dynamic.RateCount
	record.RateAverage2DP = dynamic.RateAverage2DP
	record.RateCountDetail = dynamic.RateCountDetail
	record.Rank = dynamic.Rank
	return record, nil
}

func (s *DLsite) fetchStatic(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	code := model.FormatRJCode(id)
	url := fmt.Sprintf(s.workURL, code)

	var headers map[string]string
	if tagLanguage != "" {
		headers = map[string]string{"Cookie": "locale=" + tagLanguage}
	}
	data, err := s.client.GetBodyWithHeaders(ctx, url, headers)
	if err != nil {
		if httpx.IsNotFound(err) {
			return nil, fmt.Errorf("RJ%s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch work page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse work page: %w", err)
	}

	record := &model.WorkRecord{ID: id}
	record.Title = strings.TrimSpace(doc.Find("#work_name").First().Text())
	if record.Title == "" {
		return nil, fmt.Errorf("work page has no title: %w", ErrParse)
	}

	makerLink := doc.Find("#work_maker .maker_name a").First()
	record.Circle.Name = strings.TrimSpace(makerLink.Text())
	if href, ok := makerLink.Attr("href"); ok {
		record.Circle.ID = trailingID(href)
	}

	doc.Find("#work_outline tr").Each(func(_ int, row *goquery.Selection) {
		header := strings.TrimSpace(row.Find("th").First().Text())
		cell := row.Find("td").First()
		switch header {
		case "販売日":
			record.Release = normalizeRelease(strings.TrimSpace(cell.Text()))
		case "年齢指定":
			record.NSFW = strings.Contains(cell.Text(), "18")
		case "声優":
			cell.Find("a").Each(func(_ int, link *goquery.Selection) {
				name := strings.TrimSpace(link.Text())
				if name == "" {
					return
				}
				record.VAs = append(record.VAs, model.VA{ID: NameToUUID(name), Name: name})
			})
		}
	})

	doc.Find(".main_genre a").Each(func(_ int, link *goquery.Selection) {
		name := strings.TrimSpace(link.Text())
		href, _ := link.Attr("href")
		tagID := trailingID(href)
		if name == "" || tagID == 0 {
			return
		}
		record.Tags = append(record.Tags, model.Tag{ID: tagID, Name: name})
	})

	return record, nil
}

// dlsiteInfo mirrors the subset of the product info payload the library
// consumes.
type dlsiteInfo struct {
	DLCount         flexibleInt        `json:"dl_count"`
	Price           int                `json:"price"`
	ReviewCount     int                `json:"review_count"`
	RateCount       int                `json:"rate_count"`
	RateAverage2DP  float64            `json:"rate_average_2dp"`
	RateCountDetail []model.RateDetail `json:"rate_count_detail"`
	Rank            []model.RankEntry  `json:"rank"`
}

// flexibleInt tolerates the endpoint serving counts either as numbers or
// quoted strings.
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return err
	}
	*f = flexibleInt(v)
	return nil
}

// FetchDynamic retrieves only the frequently changing subset (sales, price,
// review and rating aggregates, rank). No fallback applies here.
func (s *DLsite) FetchDynamic(ctx context.Context, id int) (*model.WorkRecord, error) {
	code := model.FormatRJCode(id)
	url := fmt.Sprintf(s.infoURL, code)

	data, err := s.client.GetBody(ctx, url)
	if err != nil {
		if httpx.IsNotFound(err) {
			return nil, fmt.Errorf("RJ%s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch product info: %w", err)
	}

	var payload map[string]dlsiteInfo
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode product info: %w: %v", ErrParse, err)
	}
	info, ok := payload["RJ"+code]
	if !ok {
		return nil, fmt.Errorf("RJ%s: %w", code, ErrNotFound)
	}

	return &model.WorkRecord{
		ID:              id,
		DLCount:         int(info.DLCount),
		Price:           info.Price,
		ReviewCount:     info.ReviewCount,
		RateCount:       info.RateCount,
		RateAverage2DP:  info.RateAverage2DP,
		RateCountDetail: info.RateCountDetail,
		Rank:            info.Rank,
	}, nil
}

func trailingID(href string) int {
	m := trailingIDPattern.FindStringSubmatch(strings.TrimSpace(href))
	if m == nil {
		return 0
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return id
}

func normalizeRelease(text string) string {
	if m := releasePattern.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	return text
}
