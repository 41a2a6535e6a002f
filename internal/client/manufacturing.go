package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
)

const maxPages = 1000

// ManufacturingConfig configures the manufacturing/inventory system client
type ManufacturingConfig struct {
	HTTPConfig

	APIKey       string `toml:"api_key"`
	APIKeyHeader string `toml:"api_key_header"`
	PageSize     int    `toml:"page_size"`
}

// DefaultManufacturingConfig returns defaults; BaseURL and APIKey must be set
func DefaultManufacturingConfig() ManufacturingConfig {
	return ManufacturingConfig{
		HTTPConfig:   DefaultHTTPConfig(),
		APIKeyHeader: "Authorization",
		PageSize:     100,
	}
}

// Validate returns an error if the client cannot be built
func (c ManufacturingConfig) Validate() error {
	if err := c.HTTPConfig.validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	return nil
}

// Manufacturing talks to the manufacturing system's REST API. Every request
// carries a static API key.
type Manufacturing struct {
	config ManufacturingConfig
	t      *transport
	logger *slog.Logger
}

// NewManufacturing creates a client guarded by brk
func NewManufacturing(config ManufacturingConfig, brk *breaker.Breaker, logger *slog.Logger) (*Manufacturing, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("manufacturing client: %w", err)
	}
	logger = logger.With("system", SystemManufacturing)

	t, err := newTransport(SystemManufacturing, config.HTTPConfig, brk, logger)
	if err != nil {
		return nil, err
	}
	return &Manufacturing{config: config, t: t, logger: logger}, nil
}

// Name returns the system name
func (m *Manufacturing) Name() string {
	return SystemManufacturing
}

func (m *Manufacturing) authHeader() http.Header {
	h := make(http.Header)
	header := m.config.APIKeyHeader
	if header == "" {
		header = "Authorization"
	}
	if strings.EqualFold(header, "Authorization") {
		h.Set(header, "Bearer "+m.config.APIKey)
	} else {
		h.Set(header, m.config.APIKey)
	}
	return h
}

// ListChangedSince pages through entities updated at or after since
func (m *Manufacturing) ListChangedSince(ctx context.Context, entityType string, since time.Time) ([]Entity, error) {
	var all []Entity
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(m.config.PageSize))
		q.Set("page", strconv.Itoa(page))
		if !since.IsZero() {
			q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
		}

		resp, err := m.t.call(ctx, request{
			method: http.MethodGet,
			path:   m.config.entityPath(entityType),
			query:  q,
			header: m.authHeader(),
		})
		if err != nil {
			return nil, fmt.Errorf("list %s changed since %s: %w", entityType, since.Format(time.RFC3339), err)
		}

		entities, err := parseEntityList(resp.body)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", entityType, err)
		}
		all = append(all, entities...)

		if len(entities) < m.config.PageSize {
			return all, nil
		}
		if page >= maxPages {
			return nil, fmt.Errorf("list %s: more than %d pages", entityType, maxPages)
		}
	}
}

// GetByKey looks an entity up by SKU. Returns ErrNotFound when absent.
func (m *Manufacturing) GetByKey(ctx context.Context, entityType, key string) (Entity, error) {
	q := url.Values{}
	q.Set(keyAlias.manufacturing, key)
	q.Set("limit", "1")

	resp, err := m.t.call(ctx, request{
		method: http.MethodGet,
		path:   m.config.entityPath(entityType),
		query:  q,
		header: m.authHeader(),
	})
	if err != nil {
		return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, err)
	}

	entities, err := parseEntityList(resp.body)
	if err != nil {
		return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, err)
	}
	for _, e := range entities {
		if e.Key == key {
			return e, nil
		}
	}
	return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, ErrNotFound)
}

// Create creates an entity and returns it as stored
func (m *Manufacturing) Create(ctx context.Context, entityType string, e Entity) (Entity, error) {
	body := encodeFields(SystemManufacturing, e.Fields)
	body[keyAlias.manufacturing] = e.Key

	resp, err := m.t.call(ctx, request{
		method: http.MethodPost,
		path:   m.config.entityPath(entityType),
		body:   body,
		header: m.authHeader(),
	})
	if err != nil {
		return Entity{}, fmt.Errorf("create %s %q: %w", entityType, e.Key, err)
	}

	created, err := parseSingleEntity(resp.body)
	if err != nil {
		m.logger.Warn("create response unreadable, using request", "entity_type", entityType, "key", e.Key, "error", err)
		return e, nil
	}
	if created.Key == "" {
		created.Key = e.Key
	}
	return created, nil
}

// Update patches the given fields of the entity identified by key
func (m *Manufacturing) Update(ctx context.Context, entityType, key string, fields map[string]any) error {
	current, err := m.GetByKey(ctx, entityType, key)
	if err != nil {
		return err
	}
	if current.ID == "" {
		return fmt.Errorf("update %s %q: entity has no id", entityType, key)
	}

	_, err = m.t.call(ctx, request{
		method: http.MethodPatch,
		path:   m.config.entityPath(entityType) + "/" + url.PathEscape(current.ID),
		body:   encodeFields(SystemManufacturing, fields),
		header: m.authHeader(),
	})
	if err != nil {
		return fmt.Errorf("update %s %q: %w", entityType, key, err)
	}
	return nil
}
