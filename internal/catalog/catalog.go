package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/validation"
	"github.com/rendis/dispatch/pkg/schema"
)

// namespace seeds the deterministic catalog ids (uuid v5 of "path@version").
var namespace = uuid.MustParse("6f1c5a52-3f0e-4a8e-9d55-0b7f3c2de4a1")

// ID returns the catalog id of a playbook version.
func ID(path, version string) string {
	return uuid.NewSHA1(namespace, []byte(path+"@"+version)).String()
}

// Catalog stores playbook versions and serves parsed definitions. Parsed
// playbooks are cached by catalog id; Register invalidates the entry.
type Catalog struct {
	store     store.Store
	validator *validation.PlaybookValidator
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]*schema.Playbook
}

// New creates a Catalog. validator may be nil, in which case content is only parsed.
func New(st store.Store, validator *validation.PlaybookValidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:     st,
		validator: validator,
		logger:    logger,
		cache:     make(map[string]*schema.Playbook),
	}
}

// Register validates content and stores it under metadata.path and
// metadata.version. A missing version takes the next integer after the
// latest registered one.
func (c *Catalog) Register(ctx context.Context, content []byte) (*store.CatalogEntry, *schema.Report, error) {
	pb, report, err := c.parse(content)
	if err != nil {
		return nil, report, err
	}

	version := strings.TrimSpace(pb.Metadata.Version)
	if version == "" {
		latest, err := c.LatestVersion(ctx, pb.Metadata.Path)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, report, err
		}
		version = nextVersion(latest)
		pb.Metadata.Version = version
	}

	entry := &store.CatalogEntry{
		CatalogID: ID(pb.Metadata.Path, version),
		Path:      pb.Metadata.Path,
		Version:   version,
		Content:   string(content),
	}
	if err := c.store.PutCatalog(ctx, entry); err != nil {
		return nil, report, err
	}

	c.mu.Lock()
	c.cache[entry.CatalogID] = pb
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "playbook registered", "path", entry.Path, "version", entry.Version, "catalog_id", entry.CatalogID)
	return entry, report, nil
}

func (c *Catalog) parse(content []byte) (*schema.Playbook, *schema.Report, error) {
	if c.validator == nil {
		pb, err := schema.ParsePlaybook(content)
		return pb, &schema.Report{}, err
	}
	pb, report := c.validator.Validate(content)
	if err := report.Err(); err != nil {
		return nil, report, err
	}
	return pb, report, nil
}

// FetchEntry returns the stored version of path. An empty or "latest"
// version resolves to the highest registered version.
func (c *Catalog) FetchEntry(ctx context.Context, path, version string) (*store.CatalogEntry, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook path is required")
	}
	if version == "" || strings.EqualFold(version, "latest") {
		latest, err := c.LatestVersion(ctx, path)
		if err != nil {
			return nil, err
		}
		version = latest
	}
	return c.store.FindCatalog(ctx, path, version)
}

// LatestVersion returns the highest registered version of path.
func (c *Catalog) LatestVersion(ctx context.Context, path string) (string, error) {
	entries, err := c.store.ListCatalog(ctx, store.CatalogFilter{Path: path})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q not found", path)
	}
	latest := entries[0].Version
	for _, e := range entries[1:] {
		if CompareVersions(e.Version, latest) > 0 {
			latest = e.Version
		}
	}
	return latest, nil
}

// Get returns an entry by catalog id.
func (c *Catalog) Get(ctx context.Context, catalogID string) (*store.CatalogEntry, error) {
	return c.store.GetCatalog(ctx, catalogID)
}

// List returns registered entries without content.
func (c *Catalog) List(ctx context.Context, filter store.CatalogFilter) ([]*store.CatalogEntry, error) {
	return c.store.ListCatalog(ctx, filter)
}

// Playbook returns the parsed definition of a catalog id.
func (c *Catalog) Playbook(ctx context.Context, catalogID string) (*schema.Playbook, error) {
	c.mu.RLock()
	pb, ok := c.cache[catalogID]
	c.mu.RUnlock()
	if ok {
		return pb, nil
	}

	entry, err := c.store.GetCatalog(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	pb, err = schema.ParsePlaybook([]byte(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("parse %s@%s: %w", entry.Path, entry.Version, err)
	}

	c.mu.Lock()
	c.cache[catalogID] = pb
	c.mu.Unlock()
	return pb, nil
}

// SeedDir registers every *.yaml and *.yml file below dir. Invalid files are
// logged and skipped.
func (c *Catalog) SeedDir(ctx context.Context, dir string) (int, error) {
	registered := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if _, _, err := c.Register(ctx, content); err != nil {
			c.logger.WarnContext(ctx, "skip playbook", "file", p, "error", err)
			return nil
		}
		registered++
		return nil
	})
	return registered, err
}

// CompareVersions orders dotted versions segment by segment. Numeric
// segments compare numerically, others lexically; a missing segment is lower.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		if i >= len(as) {
			return -1
		}
		if i >= len(bs) {
			return 1
		}
		ai, aErr := strconv.Atoi(as[i])
		bi, bErr := strconv.Atoi(bs[i])
		switch {
		case aErr == nil && bErr == nil:
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
		case as[i] != bs[i]:
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func nextVersion(latest string) string {
	if latest == "" {
		return "1"
	}
	head, _, _ := strings.Cut(strings.TrimPrefix(latest, "v"), ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return latest + ".1"
	}
	return strconv.Itoa(n + 1)
}
