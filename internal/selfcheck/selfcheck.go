// Package selfcheck is mend's own reporting module. It inspects the
// service's config file, reports what it finds into the issue registry and
// contributes a fix flow that migrates deprecated keys.
package selfcheck

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/issues"
	"github.com/steveyegge/mend/internal/types"
)

// Domain is the module name self-check issues are reported under.
const Domain = "mend"

// Issue ids.
const (
	IssueDeprecatedKey    = "deprecated_config_key"
	IssueConfigUnreadable = "config_unreadable"
)

const (
	defaultDebounce        = 500 * time.Millisecond
	learnMoreDeprecatedKey = "https://github.com/steveyegge/mend/blob/main/docs/CONFIG.md#deprecated-keys"
)

// Checker reports problems with one config file.
type Checker struct {
	path     string
	registry *issues.Registry
	logger   *slog.Logger
	debounce time.Duration

	// mu serializes checks and fixes against each other.
	mu sync.Mutex
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// New creates a checker for the config file at path.
func New(registry *issues.Registry, path string, opts ...Option) *Checker {
	c := &Checker{
		path:     path,
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the checked file.
func (c *Checker) Path() string {
	return c.path
}

// Check inspects the config file once and brings the registry in line with
// what it finds: present problems are reported, solved ones are removed.
func (c *Checker) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(ctx)
}

func (c *Checker) check(ctx context.Context) error {
	local, err := config.LoadLocalConfig(c.path)
	if err != nil {
		c.logger.Warn("config file unreadable", "path", c.path, "error", err)
		c.registry.Delete(ctx, Domain, IssueDeprecatedKey)
		return c.registry.Report(ctx, Domain, IssueConfigUnreadable, types.IssueReport{
			Severity:       types.SeverityError,
			TranslationKey: IssueConfigUnreadable,
			TranslationPlaceholders: map[string]string{
				"path":  c.path,
				"error": err.Error(),
			},
		})
	}
	c.registry.Delete(ctx, Domain, IssueConfigUnreadable)

	deprecated := local.DeprecatedKeys()
	if len(deprecated) == 0 {
		c.registry.Delete(ctx, Domain, IssueDeprecatedKey)
		return nil
	}

	replacements := make([]string, 0, len(deprecated))
	for _, key := range deprecated {
		replacements = append(replacements, config.DeprecatedKeys[key])
	}
	sort.Strings(replacements)

	c.logger.Info("deprecated config keys", "path", c.path, "keys", deprecated)
	return c.registry.Report(ctx, Domain, IssueDeprecatedKey, types.IssueReport{
		IsFixable:      true,
		LearnMoreURL:   types.StringPtr(learnMoreDeprecatedKey),
		Severity:       types.SeverityWarning,
		TranslationKey: IssueDeprecatedKey,
		TranslationPlaceholders: map[string]string{
			"path":         c.path,
			"keys":         strings.Join(deprecated, ", "),
			"replacements": strings.Join(replacements, ", "),
		},
	})
}
