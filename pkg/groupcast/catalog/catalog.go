// Package catalog reads tenant schedules, messages and destination groups
// from the external catalog API and registers newly discovered groups.
// Reads are served from a short-lived cache shared by every tenant.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Config configures the catalog client.
type Config struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout"`

	HoursTTL    time.Duration `yaml:"hours_ttl"`
	MessagesTTL time.Duration `yaml:"messages_ttl"`
	GroupsTTL   time.Duration `yaml:"groups_ttl"`
}

// DefaultConfig returns the default catalog settings.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		HoursTTL:    60 * time.Second,
		MessagesTTL: 30 * time.Second,
		GroupsTTL:   30 * time.Second,
	}
}

// FlexString decodes a JSON string or number into a string.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

type hoursEntry struct {
	Token FlexString `json:"TOKEN"`
	Hours string     `json:"HORARIOS"`
}

type messageEntry struct {
	Token   FlexString `json:"TOKEN"`
	Day     string     `json:"DIA"`
	Message string     `json:"MESSAGE"`
}

type groupEntry struct {
	Token FlexString `json:"TOKEN"`
	ID    string     `json:"ID_GROUP"`
	Name  string     `json:"NOME"`
}

// Schedule lists the delivery hours of a tenant.
type Schedule struct {
	TenantID string `json:"tenant_id"`
	Hours    []int  `json:"hours"`
}

// Group is a destination group of a tenant.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UnknownGroupName is used when a group has no name.
const UnknownGroupName = "Nome não disponível"

type cacheEntry struct {
	value   any
	expires time.Time
}

// Client talks to the catalog API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a catalog client. Zero config fields take defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HoursTTL <= 0 {
		cfg.HoursTTL = def.HoursTTL
	}
	if cfg.MessagesTTL <= 0 {
		cfg.MessagesTTL = def.MessagesTTL
	}
	if cfg.GroupsTTL <= 0 {
		cfg.GroupsTTL = def.GroupsTTL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "catalog"),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// fetchList returns the cached list at path, fetching it on a miss.
// Concurrent misses share one request, which is bounded by the client
// timeout only; a caller giving up does not fail the others.
func fetchList[T any](ctx context.Context, c *Client, path string, ttl time.Duration) ([]T, error) {
	c.mu.Lock()
	if e, ok := c.cache[path]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value.([]T), nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(path, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		var out []T
		if err := c.do(fctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[path] = cacheEntry{value: out, expires: c.now().Add(ttl)}
		c.mu.Unlock()
		c.logger.Debug("catalog refreshed", "path", path, "entries", len(out))
		return out, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]T), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// Schedules returns the delivery hours of every tenant.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	entries, err := fetchList[hoursEntry](ctx, c, "/horarios", c.cfg.HoursTTL)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(entries))
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		out = append(out, Schedule{TenantID: string(e.Token), Hours: ParseHours(e.Hours)})
	}
	return out, nil
}

// TenantsForHour returns the tenants scheduled at hour, in catalog order and
// without duplicates.
func (c *Client) TenantsForHour(ctx context.Context, hour int) ([]string, error) {
	schedules, err := c.Schedules(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range schedules {
		if seen[s.TenantID] {
			continue
		}
		for _, h := range s.Hours {
			if h == hour {
				seen[s.TenantID] = true
				out = append(out, s.TenantID)
				break
			}
		}
	}
	return out, nil
}

// Message returns the message text of tenant for weekday, or "" when none is
// configured. Literal "\n" sequences are turned into newlines.
func (c *Client) Message(ctx context.Context, tenant string, weekday time.Weekday) (string, error) {
	entries, err := fetchList[messageEntry](ctx, c, "/messagem", c.cfg.MessagesTTL)
	if err != nil {
		return "", err
	}
	day := DayName(weekday)
	for _, e := range entries {
		if string(e.Token) != tenant || foldDay(e.Day) != day {
			continue
		}
		return strings.ReplaceAll(e.Message, `\n`, "\n"), nil
	}
	return "", nil
}

// Groups returns the destination groups of tenant.
func (c *Client) Groups(ctx context.Context, tenant string) ([]Group, error) {
	entries, err := fetchList[groupEntry](ctx, c, "/gruposcheck", c.cfg.GroupsTTL)
	if err != nil {
		return nil, err
	}
	var out []Group
	for _, e := range entries {
		if string(e.Token) != tenant || e.ID == "" {
			continue
		}
		name := e.Name
		if name == "" {
			name = UnknownGroupName
		}
		out = append(out, Group{ID: e.ID, Name: name})
	}
	return out, nil
}

// RegisterGroup records a group discovered for tenant.
func (c *Client) RegisterGroup(ctx context.Context, tenant, groupID, name string) error {
	body := map[string]string{"TOKEN": tenant, "ID_GROUP": groupID, "NOME": name}
	if err := c.do(ctx, http.MethodPost, "/gruposcan", body, nil); err != nil {
		return fmt.Errorf("registering group %s: %w", groupID, err)
	}
	return nil
}

// Invalidate drops every cached list.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// ParseHours parses a comma separated hour list such as "9, 18". Invalid and
// out of range items are dropped; the result is sorted and unique.
func ParseHours(s string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(s, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || h < 0 || h > 23 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

var dayNames = [...]string{"domingo", "segunda", "terca", "quarta", "quinta", "sexta", "sabado"}

// DayName returns the catalog name of weekday.
func DayName(w time.Weekday) string {
	return dayNames[w]
}

// foldDay lowercases a day name and strips accents and the "-feira" suffix.
func foldDay(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	return strings.TrimSuffix(s, "-feira")
}
