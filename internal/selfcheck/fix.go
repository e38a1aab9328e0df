package selfcheck

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/fix"
	"github.com/steveyegge/mend/internal/flow"
)

const (
	stepConfirm = "confirm"
	fieldBackup = "backup"
)

// Register contributes the self-check fix flows to coord.
func (c *Checker) Register(coord *fix.Coordinator) error {
	return coord.Register(Domain, c.FixFactory)
}

// FixFactory builds the fix flow for a self-check issue. Only deprecated
// keys can be fixed.
func (c *Checker) FixFactory(ctx context.Context, issueID string) (flow.Handler, error) {
	if issueID != IssueDeprecatedKey {
		return nil, fmt.Errorf("no fix for %s", issueID)
	}
	return flow.Steps{
		flow.InitStep: c.confirmStep,
		stepConfirm:   c.migrateStep,
	}, nil
}

func (c *Checker) confirmStep(ctx context.Context, _ flow.Input) (flow.Result, error) {
	local, err := config.LoadLocalConfig(c.path)
	if err != nil {
		return flow.Result{}, err
	}
	keys := local.DeprecatedKeys()
	if len(keys) == 0 {
		return flow.Abort("already_fixed"), nil
	}
	return flow.Form(stepConfirm, flow.Schema{
		{Name: fieldBackup, Type: flow.FieldBoolean, Default: true},
	}).WithPlaceholders(map[string]string{
		"path": c.path,
		"keys": strings.Join(keys, ", "),
	}), nil
}

func (c *Checker) migrateStep(ctx context.Context, input flow.Input) (flow.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	backup := true
	if v, ok := input[fieldBackup].(bool); ok {
		backup = v
	}
	if backup {
		if err := copyFile(c.path, c.path+".bak"); err != nil {
			return flow.Result{}, err
		}
	}

	local, err := config.LoadLocalConfig(c.path)
	if err != nil {
		return flow.Result{}, err
	}
	var migrated []string
	for _, old := range local.DeprecatedKeys() {
		changed, err := config.RenameYamlKey(c.path, old, config.DeprecatedKeys[old])
		if err != nil {
			return flow.Result{}, fmt.Errorf("migrate %s: %w", old, err)
		}
		if changed {
			migrated = append(migrated, old)
		}
	}
	c.logger.Info("migrated deprecated config keys", "path", c.path, "keys", migrated, "backup", backup)
	return flow.CreateEntry("", map[string]any{"migrated": migrated}), nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	data, err := os.ReadFile(src) // #nosec G304 - the service's own config file
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
