// Package tenantcfg streams per-environment tenant configuration documents:
// one document per company, holding sites, their devices, and the named vendor
// connections the sites are bound to.
package tenantcfg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Connection binds a site to one vendor, carrying the vendor-native site id.
type Connection struct {
	Name           string `yaml:"name"`
	Provider       string `yaml:"provider"`
	ExternalSiteID string `yaml:"external_site_id"`
}

// Device is one monitored device within a site.
type Device struct {
	ID         string `yaml:"id"`
	ExternalID string `yaml:"external_id"`
}

// Site is one physical plant within a company.
type Site struct {
	ID         string   `yaml:"id"`
	Connection string   `yaml:"connection"`
	Devices    []Device `yaml:"devices"`
}

// Company is one tenant configuration document.
type Company struct {
	ID          string       `yaml:"id"`
	Connections []Connection `yaml:"connections"`
	Sites       []Site       `yaml:"sites"`
}

// ConnectionByName resolves a site's named connection.
func (c Company) ConnectionByName(name string) (Connection, bool) {
	for _, connection := range c.Connections {
		if connection.Name == name {
			return connection, true
		}
	}
	return Connection{}, false
}

// Source streams one environment's company documents.
type Source interface {
	Stream(ctx context.Context, environment string, fn func(Company) error) error
}

// FileSource reads company documents from {root}/{environment}/*.yaml.
type FileSource struct {
	root string
}

// NewFileSource constructs a file-backed source.
func NewFileSource(root string) (*FileSource, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("tenantcfg: empty root")
	}
	return &FileSource{root: root}, nil
}

// Stream implements Source. Documents are visited in file-name order so runs
// are deterministic.
func (s *FileSource) Stream(ctx context.Context, environment string, fn func(Company) error) error {
	dir := filepath.Join(s.root, environment)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("tenantcfg: read %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("tenantcfg: read %s: %w", name, err)
		}
		var company Company
		if err := yaml.Unmarshal(data, &company); err != nil {
			return fmt.Errorf("tenantcfg: decode %s: %w", name, err)
		}
		if company.ID == "" {
			return fmt.Errorf("tenantcfg: document %s has no company id", name)
		}
		if err := fn(company); err != nil {
			return err
		}
	}
	return nil
}
