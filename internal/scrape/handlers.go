package scrape

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"devicecrawl/internal/job"
	"devicecrawl/internal/logger"
	"devicecrawl/internal/scheduler"
)

// BrandRef is one manufacturer discovered on the brand index.
type BrandRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DeviceRef is one device discovered on a brand page.
type DeviceRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Extractor pulls structured references out of fetched pages. HTML
// parsing lives behind this interface.
type Extractor interface {
	BrandList(body []byte) ([]BrandRef, error)
	DevicePage(body []byte) (devices []DeviceRef, nextPage string, err error)
	DeviceSpecs(body []byte) (map[string]any, error)
}

// Catalog persists crawl output.
type Catalog interface {
	SaveBrand(ctx context.Context, brand BrandRef) error
	SaveDevices(ctx context.Context, brand string, devices []DeviceRef) error
	SaveSpecs(ctx context.Context, device string, specs map[string]any) error
}

type BrandListPayload struct {
	StartURL string `json:"start_url"`
}

type BrandDevicesPayload struct {
	Brand string `json:"brand"`
	URL   string `json:"url"`
}

type DeviceSpecsPayload struct {
	Device string `json:"device"`
	URL    string `json:"url"`
}

// Scraper owns the crawl handlers. Discovered work fans back into the
// job queue as follow-up jobs with dedup, so re-crawls are idempotent
// while a sweep is in flight.
type Scraper struct {
	fetcher   Fetcher
	extractor Extractor
	catalog   Catalog
	queue     *scheduler.Queue
	log       zerolog.Logger
}

func NewScraper(fetcher Fetcher, extractor Extractor, catalog Catalog, queue *scheduler.Queue) *Scraper {
	return &Scraper{
		fetcher:   fetcher,
		extractor: extractor,
		catalog:   catalog,
		queue:     queue,
		log:       logger.WithComponent("Scraper"),
	}
}

// Register binds all crawl job types on the queue.
func (s *Scraper) Register() {
	s.queue.RegisterHandler(job.TypeBrandList, s.handleBrandList)
	s.queue.RegisterHandler(job.TypeBrandDevices, s.handleBrandDevices)
	s.queue.RegisterHandler(job.TypeDeviceSpecs, s.handleDeviceSpecs)
}

// EnqueueBrandList kicks off a full catalog sweep from the brand index.
func (s *Scraper) EnqueueBrandList(ctx context.Context, startURL string) (*job.Job, error) {
	j, _, err := s.queue.Enqueue(ctx, job.TypeBrandList, map[string]any{"start_url": startURL}, job.EnqueueOptions{
		Deduplicate: true,
		Priority:    job.PriorityHigh,
	})
	return j, err
}

func (s *Scraper) handleBrandList(ctx context.Context, j *job.Job, jl *scheduler.Logger) (map[string]any, error) {
	var payload BrandListPayload
	if err := decodePayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	if payload.StartURL == "" {
		return nil, fmt.Errorf("brand list job requires start_url")
	}

	jl.StartStep(ctx, "fetch")
	resp, err := s.fetcher.Fetch(ctx, payload.StartURL)
	if err != nil {
		jl.Error(ctx, "brand index fetch failed", map[string]any{"url": payload.StartURL, "error": err.Error()})
		return nil, err
	}
	jl.EndStep(ctx, "fetch", map[string]any{"status": resp.StatusCode})

	brands, err := s.extractor.BrandList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("brand extraction failed: %w", err)
	}
	jl.Info(ctx, "brands discovered", map[string]any{"count": len(brands)})

	enqueued := 0
	for _, brand := range brands {
		if err := s.catalog.SaveBrand(ctx, brand); err != nil {
			return nil, fmt.Errorf("failed to save brand %s: %w", brand.Name, err)
		}
		_, created, err := s.queue.Enqueue(ctx, job.TypeBrandDevices, map[string]any{
			"brand": brand.Name,
			"url":   brand.URL,
		}, job.EnqueueOptions{Deduplicate: true, Priority: job.PriorityNormal})
		if err != nil {
			return nil, err
		}
		if created {
			enqueued++
		}
	}

	return map[string]any{"brands": len(brands), "jobs_enqueued": enqueued}, nil
}

func (s *Scraper) handleBrandDevices(ctx context.Context, j *job.Job, jl *scheduler.Logger) (map[string]any, error) {
	var payload BrandDevicesPayload
	if err := decodePayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	if payload.Brand == "" || payload.URL == "" {
		return nil, fmt.Errorf("brand devices job requires brand and url")
	}

	var (
		devices  []DeviceRef
		pages    int
		pageURL  = payload.URL
		enqueued = 0
	)
	for pageURL != "" {
		resp, err := s.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			jl.Error(ctx, "device page fetch failed", map[string]any{"url": pageURL, "error": err.Error()})
			return nil, err
		}
		pageDevices, next, err := s.extractor.DevicePage(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("device extraction failed: %w", err)
		}
		devices = append(devices, pageDevices...)
		pages++
		pageURL = next
	}
	jl.Info(ctx, "device pages crawled", map[string]any{"pages": pages, "devices": len(devices)})

	if err := s.catalog.SaveDevices(ctx, payload.Brand, devices); err != nil {
		return nil, fmt.Errorf("failed to save devices for %s: %w", payload.Brand, err)
	}

	for _, d := range devices {
		_, created, err := s.queue.Enqueue(ctx, job.TypeDeviceSpecs, map[string]any{
			"device": d.Name,
			"url":    d.URL,
		}, job.EnqueueOptions{Deduplicate: true, Priority: job.PriorityLow})
		if err != nil {
			return nil, err
		}
		if created {
			enqueued++
		}
	}

	return map[string]any{"pages": pages, "devices": len(devices), "jobs_enqueued": enqueued}, nil
}

func (s *Scraper) handleDeviceSpecs(ctx context.Context, j *job.Job, jl *scheduler.Logger) (map[string]any, error) {
	var payload DeviceSpecsPayload
	if err := decodePayload(j.Payload, &payload); err != nil {
		return nil, err
	}
	if payload.Device == "" || payload.URL == "" {
		return nil, fmt.Errorf("device specs job requires device and url")
	}

	resp, err := s.fetcher.Fetch(ctx, payload.URL)
	if err != nil {
		jl.Error(ctx, "spec page fetch failed", map[string]any{"url": payload.URL, "error": err.Error()})
		return nil, err
	}

	specs, err := s.extractor.DeviceSpecs(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("spec extraction failed: %w", err)
	}
	if err := s.catalog.SaveSpecs(ctx, payload.Device, specs); err != nil {
		return nil, fmt.Errorf("failed to save specs for %s: %w", payload.Device, err)
	}

	return map[string]any{"device": payload.Device, "fields": len(specs)}, nil
}

// decodePayload converts the loosely typed stored payload into a typed
// struct via a JSON round trip.
func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
