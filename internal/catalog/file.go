package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knadh/koanf/providers/file"
	"gopkg.in/yaml.v3"

	"github.com/nexus-platform/credits/internal/metrics"
)

type fileFormat struct {
	Tools []Tool `yaml:"tools"`
}

// Parse decodes a YAML tool table.
func Parse(data []byte) ([]Tool, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog yaml: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("%w: no tools defined", ErrInvalidCatalog)
	}
	return f.Tools, nil
}

// LoadFile reads a YAML tool table from path.
func LoadFile(path string) ([]Tool, error) {
	data, err := file.Provider(path).ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Reload replaces the catalog contents with the tools found in path.
func (c *Catalog) Reload(path string) error {
	tools, err := LoadFile(path)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := c.Replace(tools); err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Watch reloads the catalog whenever path changes, until ctx is cancelled.
// A bad edit is logged and the previous table stays in effect.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	fp := file.Provider(path)
	err := fp.Watch(func(_ any, err error) {
		if err != nil {
			slog.Warn("catalog: watch error", "path", path, "error", err)
			return
		}
		if err := c.Reload(path); err != nil {
			slog.Error("catalog: reload failed, keeping previous table", "path", path, "error", err)
			return
		}
		slog.Info("catalog: reloaded", "path", path, "tools", c.Len())
	})
	if err != nil {
		return fmt.Errorf("watching catalog %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		if err := fp.Unwatch(); err != nil {
			slog.Debug("catalog: unwatch", "error", err)
		}
	}()
	return nil
}
