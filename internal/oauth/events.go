package oauth

import (
	"time"

	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/store"
)

// RefreshEvent is the structured record emitted for every refresh
// outcome. It carries identifiers and classification only — never
// token values, client secrets, or raw provider bodies.
type RefreshEvent struct {
	CredentialID  string
	Pool          store.Pool
	IntegrationID string
	TenantID      string
	ConnectionID  string
	UserID        string
	Status        RefreshStatus
	RetryCount    int
	Rotated       bool
	Duration      time.Duration
	ErrorCode     string
	ErrorMessage  string
}

// Events emits refresh lifecycle events through the structured logger.
//
// Failures are always logged. Successes and skips are demoted to Debug
// in production so steady-state refresh traffic does not drown the log
// stream; every other environment logs them at Info.
type Events struct {
	logger     logging.Logger
	production bool
}

func NewEvents(logger logging.Logger, environment string) *Events {
	return &Events{
		logger:     logger,
		production: environment == "production",
	}
}

func (e *Events) RefreshAttempt(event RefreshEvent) {
	fields := []logging.Field{
		logging.String("credential_id", event.CredentialID),
		logging.String("pool", string(event.Pool)),
		logging.String("integration_id", event.IntegrationID),
		logging.String("tenant_id", event.TenantID),
		logging.String("status", string(event.Status)),
		logging.Int("retry_count", event.RetryCount),
		logging.Bool("rotated_refresh_token", event.Rotated),
		logging.Duration("duration", event.Duration),
	}
	if event.ConnectionID != "" {
		fields = append(fields, logging.String("connection_id", event.ConnectionID))
	}
	if event.UserID != "" {
		fields = append(fields, logging.String("user_id", event.UserID))
	}

	switch event.Status {
	case StatusFailed:
		fields = append(fields,
			logging.String("error_code", event.ErrorCode),
			logging.String("error_message", event.ErrorMessage))
		e.logger.Warn("credential refresh failed", fields...)
	case StatusSkipped:
		e.emitNonFailure("credential refresh skipped, already locked", fields)
	default:
		e.emitNonFailure("credential refreshed", fields)
	}
}

func (e *Events) BatchSummary(result *BatchResult, duration time.Duration) {
	e.logger.Info("credential refresh batch completed",
		logging.Int("total_processed", result.TotalProcessed),
		logging.Int("successful", result.Successful),
		logging.Int("failed", result.Failed),
		logging.Int("skipped", result.Skipped),
		logging.Duration("duration", duration))
}

// StatusFlagFailed reports a best-effort needs_reauth write that did
// not land. The refresh outcome itself is reported separately.
func (e *Events) StatusFlagFailed(pool store.Pool, credentialID string, err error) {
	e.logger.Error("failed to flag credential for re-authentication", err,
		logging.String("credential_id", credentialID),
		logging.String("pool", string(pool)))
}

func (e *Events) emitNonFailure(msg string, fields []logging.Field) {
	if e.production {
		e.logger.Debug(msg, fields...)
		return
	}
	e.logger.Info(msg, fields...)
}

// resultToEvent builds the event for a refresh result. The record may
// be nil when the credential could not be loaded at all.
func resultToEvent(result RefreshResult, rec *store.CredentialRecord) RefreshEvent {
	event := RefreshEvent{
		CredentialID: result.CredentialID,
		Pool:         result.Pool,
		Status:       result.Status,
		RetryCount:   result.RetryCount,
		Rotated:      result.RotatedRefreshToken,
		Duration:     result.Duration,
	}
	if rec != nil {
		event.IntegrationID = rec.IntegrationID
		event.TenantID = rec.TenantID
		event.ConnectionID = rec.ConnectionID
		event.UserID = rec.UserID
	}
	if result.Err != nil {
		event.ErrorCode = errors.GetCode(result.Err)
		if event.ErrorCode == "" {
			event.ErrorCode = string(errors.GetType(result.Err))
		}
		event.ErrorMessage = result.Err.Error()
	}
	return event
}
