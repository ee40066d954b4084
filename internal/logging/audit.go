package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Turn lifecycle
	AuditTurnStart    AuditEventType = "turn_start"
	AuditTurnEnd      AuditEventType = "turn_end"
	AuditTurnStopped  AuditEventType = "turn_stopped"
	AuditTurnError    AuditEventType = "turn_error"
	AuditRegenerate   AuditEventType = "turn_regenerate"
	AuditSendRejected AuditEventType = "send_rejected"

	// Binding
	AuditConversationBind AuditEventType = "conversation_bind"
	AuditStaleDrop        AuditEventType = "stale_drop"

	// Funding guard
	AuditGuardDefer AuditEventType = "guard_defer"
	AuditReauth     AuditEventType = "reauth"
)

// AuditEvent represents a structured audit log entry, one JSON line each.
type AuditEvent struct {
	EventType      AuditEventType
	ConversationID string
	Action         string
	Success        bool
	DurationMs     int64
	Error          string
	Message        string
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile *os.File
	auditMu   sync.Mutex
	auditZap  *zap.Logger
)

// AuditLogger writes audit events for one conversation (or none)
type AuditLogger struct {
	conversationID string
}

// InitAudit opens the audit log. No-op unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
	auditZap = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.InfoLevel))
	return nil
}

// CloseAudit flushes and closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap != nil {
		_ = auditZap.Sync()
		auditZap = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditConversation returns an audit logger scoped to a conversation
func AuditConversation(conversationID string) *AuditLogger {
	return &AuditLogger{conversationID: conversationID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditZap == nil {
		return
	}
	if event.ConversationID == "" {
		event.ConversationID = a.conversationID
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.String("conv", event.ConversationID),
		zap.Bool("success", event.Success),
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	auditZap.Info(event.Message, fields...)
}

// TurnStart records an accepted send
func (a *AuditLogger) TurnStart(inputLen int) {
	a.Log(AuditEvent{
		EventType: AuditTurnStart,
		Success:   true,
		Message:   fmt.Sprintf("turn started (input %d bytes)", inputLen),
	})
}

// TurnEnd records the outcome of a turn
func (a *AuditLogger) TurnEnd(eventType AuditEventType, duration time.Duration, err error) {
	ev := AuditEvent{
		EventType:  eventType,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Message:    "turn finished",
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}

// Bind records a conversation binding change
func (a *AuditLogger) Bind(prev string) {
	a.Log(AuditEvent{
		EventType: AuditConversationBind,
		Success:   true,
		Message:   fmt.Sprintf("rebound from %q", prev),
	})
}

// StaleDrop records a write that was discarded by the binding guard
func (a *AuditLogger) StaleDrop(path string) {
	a.Log(AuditEvent{
		EventType: AuditStaleDrop,
		Action:    path,
		Success:   true,
		Message:   "stale write dropped",
	})
}

// GuardDefer records an action deferred by the funding guard
func (a *AuditLogger) GuardDefer(action string) {
	a.Log(AuditEvent{
		EventType: AuditGuardDefer,
		Action:    action,
		Success:   false,
		Message:   "action deferred pending wallet re-authentication",
	})
}

// Reauth records the outcome of a re-authentication attempt
func (a *AuditLogger) Reauth(duration time.Duration, err error) {
	ev := AuditEvent{
		EventType:  AuditReauth,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Message:    "wallet re-authentication",
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.Log(ev)
}
