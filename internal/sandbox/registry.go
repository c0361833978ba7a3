package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noxrunner/noxrunner/internal/archive"
	"github.com/noxrunner/noxrunner/internal/observability"
	"github.com/noxrunner/noxrunner/internal/security"
	"github.com/noxrunner/noxrunner/internal/workspace"
)

const (
	defaultTTL           = 15 * time.Minute
	defaultWorkspaceName = "workspace"

	// readyProbeTimeout bounds each individual readiness probe.
	readyProbeTimeout = 5 * time.Second
)

// ErrUnknownSession is returned by operations that require an existing
// sandbox (download) when the session identifier is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Options configures a Registry. Layout and Validator are required;
// everything else is optional.
type Options struct {
	Layout    *workspace.Layout
	Validator *security.Validator

	// Store persists records across restarts. Nil = in-memory only.
	Store RecordStore

	// Metrics and Tracer are optional observability hooks.
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer

	// DefaultTTL applies to sessions created without an explicit TTL.
	// Zero = 15 minutes.
	DefaultTTL time.Duration

	// WorkspaceName is the writable subdirectory in each sandbox root.
	// Empty = "workspace".
	WorkspaceName string

	// Executor settings.
	ExecTimeout    time.Duration
	HardenedEnv    bool
	MaxOutputBytes int

	// Warnings receives the loud non-isolation banners. Nil = os.Stderr.
	Warnings io.Writer

	Logger *slog.Logger
}

// Registry owns the mapping of session identifier to sandbox record and
// implements the public create/touch/exec/upload/download/delete
// operations. Operations on distinct sessions run in parallel; operations
// on the same session are serialized by a per-record lock, so a delete can
// never race a running exec's filesystem access. A deleting session stays
// registered until its tree is removed, so a concurrent lazy create cannot
// slip a fresh root under an in-flight removal.
type Registry struct {
	layout        *workspace.Layout
	executor      *Executor
	codec         *archive.Codec
	store         RecordStore
	metrics       *observability.MetricsCollector
	tracer        trace.Tracer
	logger        *slog.Logger
	defaultTTL    time.Duration
	workspaceName string

	mu       sync.Mutex
	sessions map[string]*session
}

// session pairs a record with the lock serializing its operations.
type session struct {
	mu  sync.Mutex
	rec *Record

	// deleting marks a session whose directory tree is being torn down.
	// The map entry stays until removal completes, so lazy creation
	// cannot register a fresh root only to have the removal sweep it
	// away. Guarded by mu.
	deleting bool
}

// NewRegistry creates a sandbox registry. When a store is configured, live
// persisted records are reloaded; expired ones are left for the reaper.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Layout == nil {
		return nil, fmt.Errorf("sandbox: registry requires a workspace layout")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("sandbox: registry requires a command validator")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DefaultTTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	workspaceName := opts.WorkspaceName
	if workspaceName == "" {
		workspaceName = defaultWorkspaceName
	}
	warnings := opts.Warnings
	if warnings == nil {
		warnings = os.Stderr
	}

	executor := NewExecutor(ExecutorConfig{
		DefaultTimeout: opts.ExecTimeout,
		HardenedEnv:    opts.HardenedEnv,
		MaxOutputBytes: opts.MaxOutputBytes,
		Warnings:       warnings,
	}, opts.Validator, opts.Metrics, logger)

	r := &Registry{
		layout:        opts.Layout,
		executor:      executor,
		codec:         archive.NewCodec(logger),
		store:         opts.Store,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		logger:        logger,
		defaultTTL:    ttl,
		workspaceName: workspaceName,
		sessions:      make(map[string]*session),
	}

	if r.store != nil {
		records, err := r.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading persisted sandbox records: %w", err)
		}
		for i := range records {
			rec := records[i]
			r.sessions[rec.SessionID] = &session{rec: &rec}
		}
		logger.Info("restored sandbox records", slog.Int("count", len(records)))
	}
	r.setActiveGauge()

	printWarning(warnings,
		"Local sandbox mode is enabled. This executes commands in your local environment.",
		"Using local sandbox can cause SEVERE DATA LOSS or SECURITY RISKS!",
	)

	return r, nil
}

// Create creates the sandbox for sessionID, or refreshes its expiry if it
// already exists. ttl == 0 applies the registry default. The returned
// record is a copy.
func (r *Registry) Create(ctx context.Context, sessionID string, ttl time.Duration) (Record, error) {
	ctx, end := r.startSpan(ctx, "sandbox.create", sessionID)
	defer end()

	if ttl == 0 {
		ttl = r.defaultTTL
	}

	sess, err := r.lockSession(ctx, sessionID, ttl)
	if err != nil {
		r.countOp("create", "error")
		return Record{}, err
	}
	defer sess.mu.Unlock()
	now := time.Now().UTC()
	sess.rec.TTL = ttl
	sess.rec.ExpiresAt = now.Add(ttl)
	r.persist(ctx, sess.rec)

	r.countOp("create", "ok")
	return *sess.rec, nil
}

// Touch extends the session's expiry by its TTL. An unknown session is
// created with the default TTL. Returns false only when creation fails.
func (r *Registry) Touch(ctx context.Context, sessionID string) bool {
	ctx, end := r.startSpan(ctx, "sandbox.touch", sessionID)
	defer end()

	sess, err := r.lockSession(ctx, sessionID, r.defaultTTL)
	if err != nil {
		r.logger.Error("touch failed", slog.String("session", sessionID), slog.String("error", err.Error()))
		r.countOp("touch", "error")
		return false
	}
	defer sess.mu.Unlock()
	sess.rec.ExpiresAt = time.Now().UTC().Add(sess.rec.TTL)
	r.persist(ctx, sess.rec)

	r.countOp("touch", "ok")
	return true
}

// Exec runs a command in the session's sandbox, lazily creating it. All
// failure classes are folded into the result.
func (r *Registry) Exec(ctx context.Context, sessionID string, req ExecRequest) ExecResult {
	ctx, end := r.startSpan(ctx, "sandbox.exec", sessionID)
	defer end()

	sess, err := r.lockSession(ctx, sessionID, r.defaultTTL)
	if err != nil {
		r.countOp("exec", "error")
		return ExecResult{
			ExitCode: exitFailure,
			Stderr:   fmt.Sprintf("creating sandbox: %v", err),
		}
	}
	defer sess.mu.Unlock()

	res := r.executor.Run(ctx, req, sess.rec)
	r.countOp("exec", execOpStatus(res.ExitCode))
	return res
}

// execOpStatus maps an execution outcome onto the operation counter's
// status label, so rejections and timeouts are not counted as "ok".
func execOpStatus(code int) string {
	switch code {
	case 0:
		return "ok"
	case exitTimeout:
		return "timeout"
	case exitNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// UploadFiles writes the given named buffers into the sanitized
// destination directory. Each name is reduced to its basename; the
// per-entry filename is the only untrusted value here.
func (r *Registry) UploadFiles(ctx context.Context, sessionID string, files map[string][]byte, dest string) error {
	ctx, end := r.startSpan(ctx, "sandbox.upload_files", sessionID)
	defer end()

	sess, err := r.lockSession(ctx, sessionID, r.defaultTTL)
	if err != nil {
		r.countOp("upload_files", "error")
		return err
	}
	defer sess.mu.Unlock()

	destPath := security.Sanitize(dest, sess.rec.RootPath, sess.rec.WorkspaceName)
	if err := os.MkdirAll(destPath, 0750); err != nil {
		r.countOp("upload_files", "error")
		return fmt.Errorf("creating destination directory: %w", err)
	}

	for name, content := range files {
		base := security.SanitizeFilename(name)
		if base == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(destPath, base), content, 0644); err != nil {
			r.countOp("upload_files", "error")
			return fmt.Errorf("writing %s: %w", base, err)
		}
	}

	r.countOp("upload_files", "ok")
	return nil
}

// UploadArchive unpacks an archive blob into the sanitized destination,
// with the sandbox root as the outer containment boundary. The report
// carries the per-member outcomes.
func (r *Registry) UploadArchive(ctx context.Context, sessionID string, blob []byte, dest string) (*archive.Report, error) {
	ctx, end := r.startSpan(ctx, "sandbox.upload_archive", sessionID)
	defer end()

	sess, err := r.lockSession(ctx, sessionID, r.defaultTTL)
	if err != nil {
		r.countOp("upload_archive", "error")
		return nil, err
	}
	defer sess.mu.Unlock()

	destPath := security.Sanitize(dest, sess.rec.RootPath, sess.rec.WorkspaceName)
	report, err := r.codec.Unpack(blob, destPath, archive.UnpackOptions{
		Boundary: sess.rec.RootPath,
	})
	if err != nil {
		r.countOp("upload_archive", "error")
		return report, fmt.Errorf("unpacking archive: %w", err)
	}

	if r.metrics != nil {
		for _, m := range report.Members {
			outcome := "accepted"
			if !m.Accepted {
				outcome = "rejected"
			}
			r.metrics.ArchiveMembersTotal.WithLabelValues(outcome).Inc()
		}
	}
	r.countOp("upload_archive", "ok")
	return report, nil
}

// Download packs the sanitized source path (file or subtree) into an
// archive blob. Unlike the upload operations, an unknown session is an
// error, not a lazy create.
func (r *Registry) Download(ctx context.Context, sessionID string, src string) ([]byte, error) {
	ctx, end := r.startSpan(ctx, "sandbox.download", sessionID)
	defer end()

	sess, ok := r.lookup(sessionID)
	if !ok {
		r.countOp("download", "unknown")
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleting {
		r.countOp("download", "unknown")
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	srcPath := security.Sanitize(src, sess.rec.RootPath, sess.rec.WorkspaceName)
	if _, err := os.Stat(srcPath); err != nil {
		r.countOp("download", "error")
		return nil, fmt.Errorf("source path does not exist: %s", src)
	}

	blob, err := r.codec.PackDir(srcPath, srcPath)
	if err != nil {
		r.countOp("download", "error")
		return nil, fmt.Errorf("packing %s: %w", src, err)
	}
	r.countOp("download", "ok")
	return blob, nil
}

// Delete removes the session's registry entry and its entire backing
// directory tree. Returns false for an unknown session.
func (r *Registry) Delete(ctx context.Context, sessionID string) bool {
	ctx, end := r.startSpan(ctx, "sandbox.delete", sessionID)
	defer end()

	sess, ok := r.lookup(sessionID)
	if !ok {
		r.countOp("delete", "unknown")
		return false
	}

	// Serialize with any in-flight exec/upload on this session before
	// tearing down its directory tree.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleting {
		// Lost the race to another delete.
		r.countOp("delete", "unknown")
		return false
	}

	// Tombstone first, drop the map entry last: a concurrent lazy create
	// must keep finding this entry (and waiting on its lock) until the
	// tree is actually gone.
	sess.deleting = true

	if err := r.layout.Remove(sess.rec.RootPath); err != nil {
		r.logger.Error("removing sandbox directory",
			slog.String("session", sessionID),
			slog.String("root", sess.rec.RootPath),
			slog.String("error", err.Error()),
		)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, sessionID); err != nil {
			r.logger.Error("deleting persisted record",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.mu.Lock()
	if r.sessions[sessionID] == sess {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	r.setActiveGauge()
	r.logger.Info("sandbox deleted", slog.String("session", sessionID))
	r.countOp("delete", "ok")
	return true
}

// WaitReady polls the sandbox with a trivial probe command until its
// trimmed stdout equals "ready" or the deadline elapses. Reports failure
// without error; retry policy is the caller's, this is the bounded loop.
func (r *Registry) WaitReady(ctx context.Context, sessionID string, timeout, interval time.Duration) bool {
	ctx, end := r.startSpan(ctx, "sandbox.wait_ready", sessionID)
	defer end()

	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		res := r.Exec(ctx, sessionID, ExecRequest{
			Command: []string{"echo", "ready"},
			Timeout: readyProbeTimeout,
		})
		if strings.TrimSpace(res.Stdout) == "ready" {
			return true
		}
		if time.Now().Add(interval).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// HealthCheck reports whether the local backend is usable. The local jail
// has no external dependencies, so it always is.
func (r *Registry) HealthCheck() bool {
	return true
}

// Get returns a copy of the record for sessionID. A session mid-delete is
// reported as absent.
func (r *Registry) Get(sessionID string) (Record, bool) {
	sess, ok := r.lookup(sessionID)
	if !ok {
		return Record{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleting {
		return Record{}, false
	}
	return *sess.rec, true
}

// List returns a snapshot of all live records.
func (r *Registry) List() []Record {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	records := make([]Record, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		if !sess.deleting {
			records = append(records, *sess.rec)
		}
		sess.mu.Unlock()
	}
	return records
}

// --- Internal helpers ---

func (r *Registry) lookup(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// lockSession returns the session for sessionID with its mutex held,
// creating it when absent. A session caught mid-delete is waited out (its
// lock is held by the delete until the tree is gone) and the operation
// retried against the fresh map state, so callers never see a record whose
// backing tree is being torn down.
func (r *Registry) lockSession(ctx context.Context, sessionID string, ttl time.Duration) (*session, error) {
	for {
		sess, err := r.ensureSession(ctx, sessionID, ttl)
		if err != nil {
			return nil, err
		}
		sess.mu.Lock()
		if !sess.deleting {
			return sess, nil
		}
		sess.mu.Unlock()
	}
}

// ensureSession returns the session for sessionID, creating its record and
// directory tree when absent. The returned session may be mid-delete;
// lockSession filters those.
func (r *Registry) ensureSession(ctx context.Context, sessionID string, ttl time.Duration) (*session, error) {
	for {
		if sess, ok := r.lookup(sessionID); ok {
			return sess, nil
		}

		root, err := r.layout.Ensure(sessionID, r.workspaceName)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		rec := &Record{
			SessionID:     sessionID,
			RootPath:      root,
			WorkspaceName: r.workspaceName,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
			TTL:           ttl,
		}

		r.mu.Lock()
		// Another caller may have created (or started deleting) the
		// session while the directories were being set up; retry so the
		// mid-delete check applies to whatever entry is registered.
		if _, ok := r.sessions[sessionID]; ok {
			r.mu.Unlock()
			continue
		}
		sess := &session{rec: rec}
		r.sessions[sessionID] = sess
		r.mu.Unlock()

		r.persist(ctx, rec)
		r.setActiveGauge()
		r.logger.Info("sandbox created",
			slog.String("session", sessionID),
			slog.String("root", root),
			slog.Duration("ttl", ttl),
		)
		return sess, nil
	}
}

func (r *Registry) persist(ctx context.Context, rec *Record) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("persisting sandbox record",
			slog.String("session", rec.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) setActiveGauge() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	r.metrics.ActiveSandboxes.Set(float64(n))
}

func (r *Registry) countOp(op, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.SandboxOperationsTotal.WithLabelValues(op, status).Inc()
}

// startSpan opens a tracing span when a tracer is configured; the returned
// func ends it.
func (r *Registry) startSpan(ctx context.Context, name, sessionID string) (context.Context, func()) {
	if r.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("sandbox.session_id", sessionID),
	))
	return ctx, func() { span.End() }
}
