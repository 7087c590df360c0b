package main

import (
	"encoding/json"
	"fmt"

	"devicecrawl/internal/scrape"
)

// jsonExtractor handles catalog sources that expose JSON listings. HTML
// sources plug in their own Extractor implementation.
type jsonExtractor struct{}

type brandListDoc struct {
	Brands []scrape.BrandRef `json:"brands"`
}

type devicePageDoc struct {
	Devices  []scrape.DeviceRef `json:"devices"`
	NextPage string             `json:"next_page"`
}

type deviceSpecsDoc struct {
	Specs map[string]any `json:"specs"`
}

func (jsonExtractor) BrandList(body []byte) ([]scrape.BrandRef, error) {
	var doc brandListDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid brand list document: %w", err)
	}
	return doc.Brands, nil
}

func (jsonExtractor) DevicePage(body []byte) ([]scrape.DeviceRef, string, error) {
	var doc devicePageDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("invalid device page document: %w", err)
	}
	return doc.Devices, doc.NextPage, nil
}

func (jsonExtractor) DeviceSpecs(body []byte) (map[string]any, error) {
	var doc deviceSpecsDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid device specs document: %w", err)
	}
	if doc.Specs == nil {
		return nil, fmt.Errorf("device specs document has no specs object")
	}
	return doc.Specs, nil
}
