package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"idsync_backend/platform/logger"

	"github.com/google/uuid"
)

// Tenant attribute keys read by the sync scheduler.
const (
	AttrEnabled           = "dirsync.enabled"
	AttrRunAt             = "dirsync.runAt" // HH:mm
	AttrWindowMinutes     = "dirsync.windowMinutes"
	AttrBatchSize         = "dirsync.batchSize"
	AttrResultType        = "dirsync.resultType"
	AttrHTTPTimeoutMs     = "dirsync.httpTimeoutMs"
	AttrMaxConcurrency    = "dirsync.maxConcurrency"
	AttrRetryMaxAttempts  = "dirsync.retry.maxAttempts"
	AttrRetryBaseBackoff  = "dirsync.retry.baseBackoffMs"
	AttrTaskKeyPrefix     = "dirsync.taskKeyPrefix"
	AttrTimezone          = "dirsync.timezone" // e.g. Asia/Seoul, UTC
	AttrMappingJSON       = "dirsync.mappingJson"
	AttrInvalidateOnKeys  = "dirsync.invalidateOnKeys"
	AttrPerSubjectTimeout = "dirsync.perSubjectTimeoutMs"
	AttrInvalidateLogout  = "dirsync.invalidate.logout"
)

const defaultMappingJSON = `{"deptId":"response.employees.departmentCode"}`

// MappingRule maps one user attribute key to a dot-path into the raw
// directory payload.
type MappingRule struct {
	Key  string
	Path string
}

// AttributeMapping preserves the declaration order of the mapping JSON so
// attributes are diffed and written deterministically.
type AttributeMapping []MappingRule

// SyncConfig holds one tenant's operational sync parameters. It is built
// once per tick per tenant and is immutable afterwards. Malformed raw
// attributes degrade to defaults rather than failing tenant evaluation.
type SyncConfig struct {
	Enabled           bool
	RunAt             string // normalized HH:mm
	WindowMinutes     int
	BatchSize         int
	ResultType        string // basic | optional
	HTTPTimeout       time.Duration
	MaxConcurrency    int
	RetryMaxAttempts  int
	RetryBaseBackoff  time.Duration
	PerSubjectTimeout time.Duration
	TaskKeyPrefix     string
	Timezone          *time.Location
	Mapping           AttributeMapping
	InvalidateOnKeys  map[string]struct{}
	InvalidateLogout  bool
}

// ConfigFromAttributes builds a SyncConfig from flat tenant attributes,
// clamping every bounded field to its range.
func ConfigFromAttributes(attrs map[string]string, log *logger.Logger) SyncConfig {
	get := func(key, fallback string) string {
		if v, ok := attrs[key]; ok {
			return v
		}
		return fallback
	}

	enabled := strings.EqualFold(get(AttrEnabled, "false"), "true")

	runAt, err := normalizeRunAt(get(AttrRunAt, "03:00"))
	if err != nil {
		log.Warn("invalid runAt attribute, using default", "value", attrs[AttrRunAt], "default", "03:00")
		runAt = "03:00"
	}

	resultType := "basic"
	if strings.EqualFold(get(AttrResultType, "basic"), "optional") {
		resultType = "optional"
	}

	tz := time.Local
	if raw := strings.TrimSpace(get(AttrTimezone, "")); raw != "" {
		loc, err := time.LoadLocation(raw)
		if err != nil {
			log.Warn("invalid timezone attribute, using server timezone", "value", raw)
		} else {
			tz = loc
		}
	}

	mapping, err := parseMappingJSON(get(AttrMappingJSON, defaultMappingJSON))
	if err != nil {
		log.Warn("invalid mappingJson attribute, using default mapping", "error", err)
		mapping, _ = parseMappingJSON(defaultMappingJSON)
	}

	return SyncConfig{
		Enabled:           enabled,
		RunAt:             runAt,
		WindowMinutes:     clamp(parseInt(get(AttrWindowMinutes, "3"), 3), 0, 120),
		BatchSize:         clamp(parseInt(get(AttrBatchSize, "500"), 500), 1, 5000),
		ResultType:        resultType,
		HTTPTimeout:       time.Duration(clamp(parseInt(get(AttrHTTPTimeoutMs, "5000"), 5000), 500, 60000)) * time.Millisecond,
		MaxConcurrency:    clamp(parseInt(get(AttrMaxConcurrency, "15"), 15), 1, 200),
		RetryMaxAttempts:  clamp(parseInt(get(AttrRetryMaxAttempts, "3"), 3), 0, 10),
		RetryBaseBackoff:  time.Duration(clamp(parseInt(get(AttrRetryBaseBackoff, "250"), 250), 0, 10000)) * time.Millisecond,
		PerSubjectTimeout: time.Duration(clamp(parseInt(get(AttrPerSubjectTimeout, "8000"), 8000), 1000, 120000)) * time.Millisecond,
		TaskKeyPrefix:     nonBlankOrDefault(get(AttrTaskKeyPrefix, "dirsync"), "dirsync"),
		Timezone:          tz,
		Mapping:           mapping,
		InvalidateOnKeys:  parseCSVSet(get(AttrInvalidateOnKeys, "deptId")),
		InvalidateLogout:  strings.EqualFold(get(AttrInvalidateLogout, "true"), "true"),
	}
}

// InWindow reports whether now falls within WindowMinutes of the tenant's
// RunAt time in the tenant's timezone. RunAt on the previous and next day
// is considered too, so a window around midnight matches from both sides.
func (c SyncConfig) InWindow(now time.Time) bool {
	local := now.In(c.Timezone)

	hh, mm, err := splitRunAt(c.RunAt)
	if err != nil {
		return false
	}

	target := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, c.Timezone)

	diff := minutesApart(local, target)
	if d := minutesApart(local, target.AddDate(0, 0, -1)); d < diff {
		diff = d
	}
	if d := minutesApart(local, target.AddDate(0, 0, 1)); d < diff {
		diff = d
	}

	return diff <= int64(c.WindowMinutes)
}

// DayKey formats now as YYYYMMDD in the tenant's timezone.
func (c SyncConfig) DayKey(now time.Time) string {
	return now.In(c.Timezone).Format("20060102")
}

// TaskKey builds the cluster-wide idempotency key for one tenant/day run.
func (c SyncConfig) TaskKey(tenantID uuid.UUID, dayKey string) string {
	return fmt.Sprintf("%s:%s:%s", c.TaskKeyPrefix, tenantID, dayKey)
}

func minutesApart(a, b time.Time) int64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int64(d / time.Minute)
}

func normalizeRunAt(raw string) (string, error) {
	hh, mm, err := splitRunAt(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", hh, mm), nil
}

func splitRunAt(raw string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed runAt %q", raw)
	}

	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("malformed runAt hour %q", raw)
	}

	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("malformed runAt minute %q", raw)
	}

	return hh, mm, nil
}

// parseMappingJSON decodes a JSON object of attributeKey -> dotPath while
// keeping the object's declaration order.
func parseMappingJSON(raw string) (AttributeMapping, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty mapping")
	}

	dec := json.NewDecoder(strings.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("mapping must be a JSON object")
	}

	var mapping AttributeMapping
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("mapping key must be a string")
		}

		var path string
		if err := dec.Decode(&path); err != nil {
			return nil, fmt.Errorf("mapping value for %q must be a string: %w", key, err)
		}

		mapping = append(mapping, MappingRule{Key: key, Path: path})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	return mapping, nil
}

func parseCSVSet(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func parseInt(value string, fallback int) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return result
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func nonBlankOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
