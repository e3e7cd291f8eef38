package scraper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xxxsen/otolib/internal/httpx"
	"github.com/xxxsen/otolib/internal/model"
)

const asmrOneWorkInfoURL = "https://api.asmr-200.com/api/workInfo/%s"

// AsmrOne is the secondary metadata source, a JSON API mirroring the primary
// catalog. Voice-actor ids it reports may disagree with ours, so they are
// re-derived from the actor names.
type AsmrOne struct {
	client *httpx.Client

	// Overridable for tests.
	workInfoURL string
}

// NewAsmrOne builds the source on top of a retrying client.
func NewAsmrOne(client *httpx.Client) *AsmrOne {
	return &AsmrOne{client: client, workInfoURL: asmrOneWorkInfoURL}
}

func (s *AsmrOne) Name() string { return "asmrone" }

type asmrOneWork struct {
	ID              int                `json:"id"`
	Title           string             `json:"title"`
	Name            string             `json:"name"`
	CircleID        int                `json:"circle_id"`
	Circle          model.Circle       `json:"circle"`
	NSFW            bool               `json:"nsfw"`
	Release         string             `json:"release"`
	DLCount         int                `json:"dl_count"`
	Price           int                `json:"price"`
	ReviewCount     int                `json:"review_count"`
	RateCount       int                `json:"rate_count"`
	RateAverage2DP  float64            `json:"rate_average_2dp"`
	RateCountDetail []model.RateDetail `json:"rate_count_detail"`
	Rank            []model.RankEntry  `json:"rank"`
	Tags            []model.Tag        `json:"tags"`
	VAs             []model.VA         `json:"vas"`
}

// Fetch implements Source.
func (s *AsmrOne) Fetch(ctx context.Context, id int, tagLanguage string) (*model.WorkRecord, error) {
	code := model.FormatRJCode(id)
	url := fmt.Sprintf(s.workInfoURL, code)

	headers := map[string]string{"Cookie": "locale=" + tagLanguage}
	data, err := s.client.GetBodyWithHeaders(ctx, url, headers)
	if err != nil {
		if httpx.IsNotFound(err) {
			return nil, fmt.Errorf("RJ%s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch work info: %w", err)
	}

	var payload asmrOneWork
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode work info: %w: %v", ErrParse, err)
	}
	if payload.Title == "" {
		return nil, fmt.Errorf("RJ%s: empty work info: %w", code, ErrParse)
	}

	record := &model.WorkRecord{
		ID:              id,
		Title:           payload.Title,
		Circle:          payload.Circle,
		NSFW:            payload.NSFW,
		Release:         payload.Release,
		DLCount:         payload.DLCount,
		Price:           payload.Price,
		ReviewCount:     payload.ReviewCount,
		RateCount:       payload.RateCount,
		RateAverage2DP:  payload.RateAverage2DP,
		RateCountDetail: payload.RateCountDetail,
		Rank:            payload.Rank,
		Tags:            payload.Tags,
	}
	if record.Circle.ID == 0 {
		record.Circle = model.Circle{ID: payload.CircleID, Name: payload.Name}
	}
	for _, va := range payload.VAs {
		record.VAs = append(record.VAs, model.VA{ID: NameToUUID(va.Name), Name: va.Name})
	}
	return record, nil
}
