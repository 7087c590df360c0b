package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"devicecrawl/internal/scrape"
)

// fileCatalog persists crawl output as flat files under a data directory:
// brands and devices as append-only JSON lines, specs as one JSON file
// per device.
type fileCatalog struct {
	mu      sync.Mutex
	dir     string
	specDir string
}

func newFileCatalog(dir string) (*fileCatalog, error) {
	specDir := filepath.Join(dir, "specs")
	if err := os.MkdirAll(specDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	return &fileCatalog{dir: dir, specDir: specDir}, nil
}

func (c *fileCatalog) SaveBrand(ctx context.Context, brand scrape.BrandRef) error {
	return c.appendLine("brands.jsonl", brand)
}

func (c *fileCatalog) SaveDevices(ctx context.Context, brand string, devices []scrape.DeviceRef) error {
	type deviceRow struct {
		Brand string `json:"brand"`
		Name  string `json:"name"`
		URL   string `json:"url"`
	}
	for _, d := range devices {
		if err := c.appendLine("devices.jsonl", deviceRow{Brand: brand, Name: d.Name, URL: d.URL}); err != nil {
			return err
		}
	}
	return nil
}

func (c *fileCatalog) SaveSpecs(ctx context.Context, device string, specs map[string]any) error {
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal specs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return os.WriteFile(filepath.Join(c.specDir, safeFileName(device)+".json"), data, 0o644)
}

func (c *fileCatalog) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog row: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(c.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

func safeFileName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")
	return replacer.Replace(strings.ToLower(name))
}
