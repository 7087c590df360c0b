package proxy

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"devicecrawl/internal/logger"
)

// FileStore persists the proxy list as one proxy per line in the same
// format the source and Parse accept.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (fs *FileStore) Load() ([]Proxy, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/FileStore")

	file, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.path).Msg("proxy file not found, starting with an empty pool")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ParseList(lines), nil
}

func (fs *FileStore) Save(proxies []Proxy) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sorted := make([]Proxy, len(proxies))
	copy(sorted, proxies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID() < sorted[j].ID()
	})

	var sb strings.Builder
	for _, p := range sorted {
		sb.WriteString(p.String())
		sb.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(fs.path, []byte(sb.String()), 0o644)
}
