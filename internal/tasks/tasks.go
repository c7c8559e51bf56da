// Package tasks holds the control plane's background job handlers and their
// registration glue. Each handler parses its payload, delegates to a narrow
// collaborator interface, and stays cancellation-aware; the heavy lifting
// (key storage, backup targets, billing queries) lives behind the interfaces.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mkid095/vps-system/internal/store"
	"github.com/Mkid095/vps-system/internal/worker"
)

// Job type names as persisted in jobs.type.
const (
	TypeRotateKey        = "rotate_key"
	TypeExportBackup     = "export_backup"
	TypeCheckUsageLimits = "check_usage_limits"
	TypeAutoSuspend      = "auto_suspend"
)

// KeyRotator rotates a tenant API key. Rotation is not idempotent — jobs of
// this type are enqueued with max_attempts = 1 so a failure surfaces for
// operator review instead of risking a double rotation.
type KeyRotator interface {
	Rotate(ctx context.Context, keyID string) error
}

// BackupExporter exports a tenant's data snapshot and returns its location.
type BackupExporter interface {
	Export(ctx context.Context, tenantID string) (string, error)
}

// UsageEnforcer surfaces tenants exceeding their plan limits and suspends them.
type UsageEnforcer interface {
	TenantsOverLimit(ctx context.Context) ([]string, error)
	Suspend(ctx context.Context, tenantID, reason string) error
}

// Queue is the enqueue surface CheckUsageLimits uses to fan out suspensions.
type Queue interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts ...store.EnqueueOption) (uuid.UUID, error)
}

// Deps bundles the collaborators the handlers need.
type Deps struct {
	Keys    KeyRotator
	Backups BackupExporter
	Usage   UsageEnforcer
	Queue   Queue
}

// Register binds all control-plane job handlers onto p.
func Register(p *worker.Pool, deps Deps) error {
	for _, reg := range []struct {
		jobType string
		h       worker.Handler
		opts    []worker.RegisterOption
	}{
		{TypeRotateKey, RotateKey(deps.Keys), []worker.RegisterOption{worker.WithTimeout(time.Minute)}},
		{TypeExportBackup, ExportBackup(deps.Backups), []worker.RegisterOption{worker.WithTimeout(30 * time.Minute)}},
		{TypeCheckUsageLimits, CheckUsageLimits(deps.Usage, deps.Queue), nil},
		{TypeAutoSuspend, AutoSuspend(deps.Usage), nil},
	} {
		if err := p.Register(reg.jobType, reg.h, reg.opts...); err != nil {
			return fmt.Errorf("register %s: %w", reg.jobType, err)
		}
	}
	return nil
}

type rotateKeyPayload struct {
	KeyID string `json:"key_id"`
}

// RotateKey returns the handler for rotate_key jobs.
func RotateKey(keys KeyRotator) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p rotateKeyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("rotate_key payload: %w", err)
		}
		if p.KeyID == "" {
			return fmt.Errorf("rotate_key payload: key_id is required")
		}
		if err := keys.Rotate(ctx, p.KeyID); err != nil {
			return fmt.Errorf("rotate key %s: %w", p.KeyID, err)
		}
		return nil
	}
}

type exportBackupPayload struct {
	TenantID string `json:"tenant_id"`
}

// ExportBackup returns the handler for export_backup jobs.
func ExportBackup(backups BackupExporter) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p exportBackupPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("export_backup payload: %w", err)
		}
		if p.TenantID == "" {
			return fmt.Errorf("export_backup payload: tenant_id is required")
		}
		location, err := backups.Export(ctx, p.TenantID)
		if err != nil {
			return fmt.Errorf("export backup for tenant %s: %w", p.TenantID, err)
		}
		slog.Info("backup exported", "tenant_id", p.TenantID, "location", location)
		return nil
	}
}

type autoSuspendPayload struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// CheckUsageLimits returns the handler for the recurring check_usage_limits
// job. It fans out one auto_suspend job per tenant over its limit rather than
// suspending inline, so each suspension gets its own retry budget.
func CheckUsageLimits(usage UsageEnforcer, queue Queue) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		tenants, err := usage.TenantsOverLimit(ctx)
		if err != nil {
			return fmt.Errorf("list tenants over limit: %w", err)
		}
		for _, tenantID := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			body, err := json.Marshal(autoSuspendPayload{
				TenantID: tenantID,
				Reason:   "usage limit exceeded",
			})
			if err != nil {
				return fmt.Errorf("marshal auto_suspend payload: %w", err)
			}
			id, err := queue.EnqueueJob(ctx, TypeAutoSuspend, body)
			if err != nil {
				return fmt.Errorf("enqueue auto_suspend for tenant %s: %w", tenantID, err)
			}
			slog.Info("auto-suspension enqueued", "tenant_id", tenantID, "job_id", id)
		}
		return nil
	}
}

// AutoSuspend returns the handler for auto_suspend jobs.
func AutoSuspend(usage UsageEnforcer) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p autoSuspendPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("auto_suspend payload: %w", err)
		}
		if p.TenantID == "" {
			return fmt.Errorf("auto_suspend payload: tenant_id is required")
		}
		if err := usage.Suspend(ctx, p.TenantID, p.Reason); err != nil {
			return fmt.Errorf("suspend tenant %s: %w", p.TenantID, err)
		}
		return nil
	}
}
