// Package store implements the baseline store (§4.3): a single
// transactional key-value database file — fleet.redb, opened as
// modernc.org/sqlite — holding the baseline manifest, the baseline
// summary, and the per-mod scan cache. It manages schema versioning via
// goose migrations, quarantines corrupt files instead of silently
// recreating them, and maintains a process-wide handle cache so the same
// database file is never opened twice from within this process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no cgo

	"github.com/tyen901/fleet-sync/internal/model"
	"github.com/tyen901/fleet-sync/internal/syncerr"
)

// Filename is the canonical baseline database name at the sync root (§6).
const Filename = "fleet.redb"

// formatTag is the expected value of the meta "format" key (invariant §3-2).
const formatTag = "fleet-baseline-v1"

// schemaVersion is the current supported schema version.
const schemaVersion = 1

// hashingAlgoVersion is recorded in meta so a future hashing-scheme bump
// can be detected; it plays no role in the current component set.
const hashingAlgoVersion = "1"

// Status is the outcome of a cheap probe of a baseline file (§4.3 validate).
type Status int

const (
	StatusMissing Status = iota
	StatusValid
	StatusBusy
	StatusCorrupt
	StatusNewerSchema
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "Missing"
	case StatusValid:
		return "Valid"
	case StatusBusy:
		return "Busy"
	case StatusCorrupt:
		return "Corrupt"
	case StatusNewerSchema:
		return "NewerSchema"
	default:
		return "Unknown"
	}
}

// Store is a single handle onto fleet.redb. Obtained via Open; never
// constructed directly. Safe for concurrent use by multiple goroutines —
// the underlying *sql.DB serializes writes via SetMaxOpenConns(1), and a
// mutex additionally serializes Store-level multi-statement transactions.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	absPath  string
	logger   *slog.Logger
	refCount int32
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Store{}

	quarantineCounter atomic.Int64
)

// Validate is a cheap, mostly read-only probe of the baseline file at root
// (the directory containing fleet.redb, or the file path itself). It never
// mutates the file except to quarantine it when it is corrupt and cannot
// be opened.
func Validate(root string, logger *slog.Logger) (Status, *syncerr.NewerSchemaError, error) {
	path := dbPath(root)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, nil, syncerr.Local("store: resolving path %s: %v", path, err)
	}

	if _, statErr := os.Stat(absPath); errors.Is(statErr, os.ErrNotExist) {
		return StatusMissing, nil, nil
	}

	s, err := Open(root, logger)
	if err != nil {
		switch {
		case errors.Is(err, syncerr.ErrBusy):
			return StatusBusy, nil, nil
		case errors.Is(err, syncerr.ErrCorrupt):
			return StatusCorrupt, nil, nil
		}

		var nsErr *syncerr.NewerSchemaError
		if errors.As(err, &nsErr) {
			return StatusNewerSchema, nsErr, nil
		}

		return 0, nil, err
	}
	defer s.Close()

	return StatusValid, nil, nil
}

// dbPath resolves root to the actual fleet.redb file path: if root already
// names the file, it is used as-is; otherwise Filename is appended.
func dbPath(root string) string {
	if filepath.Base(root) == Filename {
		return root
	}

	return filepath.Join(root, Filename)
}

// Open opens (creating if absent) the baseline database under root,
// running migrations and validating schema/format. Opening the same
// resolved path twice within this process returns the same *Store (with
// an incremented reference count); call Close once per Open call.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := dbPath(root)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, syncerr.Local("store: resolving path %s: %v", path, err)
	}

	cacheMu.Lock()
	if existing, ok := cache[absPath]; ok {
		existing.refCount++
		cacheMu.Unlock()

		return existing, nil
	}
	cacheMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, syncerr.Local("store: creating directory for %s: %v", absPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(2000)",
		absPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, syncerr.Local("store: opening %s: %v", absPath, err)
	}

	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		db.Close()

		if isBusyErr(pingErr) {
			return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrBusy, absPath, pingErr)
		}

		if isCorruptErr(pingErr) {
			quarantineOnCorrupt(absPath, logger)

			return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrCorrupt, absPath, pingErr)
		}

		return nil, syncerr.Local("store: opening %s: %v", absPath, pingErr)
	}

	if migErr := runMigrations(ctx, db, logger); migErr != nil {
		db.Close()

		if isBusyErr(migErr) {
			return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrBusy, absPath, migErr)
		}

		if isCorruptErr(migErr) {
			quarantineOnCorrupt(absPath, logger)

			return nil, fmt.Errorf("%w: %s: %v", syncerr.ErrCorrupt, absPath, migErr)
		}

		return nil, fmt.Errorf("store: %w", migErr)
	}

	s := &Store{db: db, absPath: absPath, logger: logger, refCount: 1}

	if metaErr := s.ensureMeta(ctx); metaErr != nil {
		db.Close()

		if errors.Is(metaErr, syncerr.ErrCorrupt) {
			quarantineOnCorrupt(absPath, logger)
		}

		return nil, metaErr
	}

	cacheMu.Lock()
	cache[absPath] = s
	cacheMu.Unlock()

	logger.Debug("store: opened", slog.String("path", absPath))

	return s, nil
}

// ensureMeta populates the meta table on first use, or validates
// schema_version/format against an already-populated one.
func (s *Store) ensureMeta(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meta`).Scan(&count); err != nil {
		return syncerr.Local("store: counting meta rows: %v", err)
	}

	if count == 0 {
		now := time.Now().UTC().Format(time.RFC3339)

		rows := [][2]string{
			{"format", formatTag},
			{"schema_version", strconv.Itoa(schemaVersion)},
			{"created_at", now},
			{"hashing_algo_version", hashingAlgoVersion},
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return syncerr.Local("store: beginning meta init transaction: %v", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after Commit

		for _, kv := range rows {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
				return syncerr.Local("store: initializing meta: %v", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return syncerr.Local("store: committing meta init: %v", err)
		}

		return nil
	}

	format, _ := s.getMeta(ctx, "format")
	if format != formatTag {
		return fmt.Errorf("%w: unexpected format tag %q", syncerr.ErrCorrupt, format)
	}

	verStr, ok := s.getMeta(ctx, "schema_version")
	if !ok || verStr == "" {
		return fmt.Errorf("%w: missing schema_version", syncerr.ErrCorrupt)
	}

	ver, err := strconv.Atoi(verStr)
	if err != nil || ver == 0 {
		return fmt.Errorf("%w: invalid schema_version %q", syncerr.ErrCorrupt, verStr)
	}

	if ver > schemaVersion {
		return &syncerr.NewerSchemaError{Found: ver, Supported: schemaVersion}
	}

	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool) {
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value); err != nil {
		return "", false
	}

	return value, true
}

func (s *Store) setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)

	return err
}

// Close decrements the handle's reference count, closing the underlying
// database and evicting the process-wide cache entry at zero.
func (s *Store) Close() error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	s.refCount--
	if s.refCount > 0 {
		return nil
	}

	delete(cache, s.absPath)

	return s.db.Close()
}

// isBusyErr reports whether err indicates the database file is locked by
// another process/connection (SQLITE_BUSY / "database is locked").
func isBusyErr(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// isCorruptErr reports whether err indicates the database file is
// structurally corrupt or not a valid SQLite file.
func isCorruptErr(err error) bool {
	msg := strings.ToLower(err.Error())

	for _, s := range []string{
		"not a database",
		"malformed",
		"unexpected eof",
		"invalid data",
		"disk image is malformed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	return false
}

// quarantineOnCorrupt renames absPath aside so a fresh store can be
// created at the same path by a subsequent repair/sync. Failure to
// quarantine is logged but does not change the Corrupt verdict already
// being returned to the caller.
func quarantineOnCorrupt(absPath string, logger *slog.Logger) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	counter := quarantineCounter.Add(1)
	dest := fmt.Sprintf("%s.corrupt.%s.%d.%d", absPath, ts, os.Getpid(), counter)

	if err := os.Rename(absPath, dest); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("store: quarantine rename failed", slog.String("path", absPath), slog.String("error", err.Error()))
		}

		return
	}

	logger.Warn("store: quarantined corrupt baseline", slog.String("from", absPath), slog.String("to", dest))
}

// baselineManifestKey and baselineSummaryKey are the two fixed keys in the
// baseline table (§4.3).
const (
	baselineManifestKey = "manifest"
	baselineSummaryKey  = "summary"
)

// LoadBaseline returns the persisted manifest and summary, and whether a
// baseline is present at all.
func (s *Store) LoadBaseline(ctx context.Context) (model.Manifest, model.Summary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifestBytes, ok, err := s.getBaselineBlob(ctx, baselineManifestKey)
	if err != nil {
		return model.Manifest{}, nil, false, err
	}

	if !ok {
		return model.Manifest{}, nil, false, nil
	}

	var manifest model.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return model.Manifest{}, nil, false, syncerr.Local("store: decoding baseline manifest: %v", err)
	}

	summaryBytes, ok, err := s.getBaselineBlob(ctx, baselineSummaryKey)
	if err != nil {
		return model.Manifest{}, nil, false, err
	}

	var summary model.Summary
	if ok {
		if err := json.Unmarshal(summaryBytes, &summary); err != nil {
			return model.Manifest{}, nil, false, syncerr.Local("store: decoding baseline summary: %v", err)
		}
	}

	return manifest, summary, true, nil
}

func (s *Store) getBaselineBlob(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM baseline WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, syncerr.Local("store: reading baseline key %s: %v", key, err)
	}

	return value, true, nil
}

// CacheUpsert is a single (mod, rel_path) -> scan-cache entry write.
type CacheUpsert struct {
	ModName string
	RelPath string
	Entry   model.ScanCacheEntry
}

// CacheDelete removes one file (RelPath set) or an entire mod's cache
// entries (RelPath empty) via a bounded range scan.
type CacheDelete struct {
	ModName string
	RelPath string
}

// CacheRename moves a single scan-cache entry within one mod.
type CacheRename struct {
	ModName    string
	OldRelPath string
	NewRelPath string
}

// CommitSyncSnapshot atomically persists a new baseline manifest and
// summary, applies cache deletes, renames, and upserts in that order, and
// stamps last_sync_at — invariant §3-6: all or nothing.
func (s *Store) CommitSyncSnapshot(
	ctx context.Context,
	manifest model.Manifest,
	summary model.Summary,
	upserts []CacheUpsert,
	deletes []CacheDelete,
	renames []CacheRename,
) error {
	return s.commitSnapshot(ctx, manifest, summary, upserts, deletes, renames, "last_sync_at")
}

// CommitRepairSnapshot persists only the baseline manifest and summary
// (no cache mutations) and stamps last_repair_at.
func (s *Store) CommitRepairSnapshot(ctx context.Context, manifest model.Manifest, summary model.Summary) error {
	return s.commitSnapshot(ctx, manifest, summary, nil, nil, nil, "last_repair_at")
}

func (s *Store) commitSnapshot(
	ctx context.Context,
	manifest model.Manifest,
	summary model.Summary,
	upserts []CacheUpsert,
	deletes []CacheDelete,
	renames []CacheRename,
	stampKey string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return syncerr.Local("store: encoding baseline manifest: %v", err)
	}

	summaryBytes, err := json.Marshal(summary)
	if err != nil {
		return syncerr.Local("store: encoding baseline summary: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Local("store: beginning commit transaction: %v", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO baseline (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, baselineManifestKey, manifestBytes); err != nil {
		return syncerr.Local("store: writing baseline manifest: %v", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO baseline (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, baselineSummaryKey, summaryBytes); err != nil {
		return syncerr.Local("store: writing baseline summary: %v", err)
	}

	for _, d := range deletes {
		if err := deleteCacheEntry(ctx, tx, d); err != nil {
			return err
		}
	}

	for _, r := range renames {
		if err := renameCacheEntry(ctx, tx, r); err != nil {
			return err
		}
	}

	for _, u := range upserts {
		if err := upsertCacheEntry(ctx, tx, u); err != nil {
			return err
		}
	}

	if err := s.setMeta(ctx, tx, stampKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return syncerr.Local("store: stamping %s: %v", stampKey, err)
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Local("store: committing snapshot: %v", err)
	}

	return nil
}

// cacheKey builds the scan_cache primary key: mod_name || 0x00 || rel_path.
func cacheKey(modName, relPath string) ([]byte, error) {
	if strings.ContainsRune(modName, 0) {
		return nil, syncerr.Local("store: mod name %q contains a NUL byte", modName)
	}

	return []byte(modName + "\x00" + relPath), nil
}

// modRangeBounds returns the half-open [lower, upper) byte range covering
// every scan_cache key for modName.
func modRangeBounds(modName string) ([]byte, []byte) {
	return []byte(modName + "\x00"), []byte(modName + "\x01")
}

func deleteCacheEntry(ctx context.Context, tx *sql.Tx, d CacheDelete) error {
	if d.RelPath == "" {
		lower, upper := modRangeBounds(d.ModName)
		_, err := tx.ExecContext(ctx, `DELETE FROM scan_cache WHERE key >= ? AND key < ?`, lower, upper)
		if err != nil {
			return syncerr.Local("store: deleting mod cache %s: %v", d.ModName, err)
		}

		return nil
	}

	key, err := cacheKey(d.ModName, d.RelPath)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_cache WHERE key = ?`, key); err != nil {
		return syncerr.Local("store: deleting cache entry %s/%s: %v", d.ModName, d.RelPath, err)
	}

	return nil
}

func renameCacheEntry(ctx context.Context, tx *sql.Tx, r CacheRename) error {
	oldKey, err := cacheKey(r.ModName, r.OldRelPath)
	if err != nil {
		return err
	}

	newKey, err := cacheKey(r.ModName, r.NewRelPath)
	if err != nil {
		return err
	}

	var value []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM scan_cache WHERE key = ?`, oldKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing to rename; treated as already renamed
	}

	if err != nil {
		return syncerr.Local("store: reading cache entry for rename %s/%s: %v", r.ModName, r.OldRelPath, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_cache (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, newKey, value); err != nil {
		return syncerr.Local("store: writing renamed cache entry %s/%s: %v", r.ModName, r.NewRelPath, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_cache WHERE key = ?`, oldKey); err != nil {
		return syncerr.Local("store: deleting old cache entry %s/%s: %v", r.ModName, r.OldRelPath, err)
	}

	return nil
}

func upsertCacheEntry(ctx context.Context, tx *sql.Tx, u CacheUpsert) error {
	key, err := cacheKey(u.ModName, u.RelPath)
	if err != nil {
		return err
	}

	value, err := json.Marshal(u.Entry)
	if err != nil {
		return syncerr.Local("store: encoding cache entry %s/%s: %v", u.ModName, u.RelPath, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_cache (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return syncerr.Local("store: writing cache entry %s/%s: %v", u.ModName, u.RelPath, err)
	}

	return nil
}

// LoadScanCacheMod performs a bounded range scan over every cache entry
// for modName — never a full-table scan (§4.3, §8 invariant 8).
func (s *Store) LoadScanCacheMod(ctx context.Context, modName string) (map[string]model.ScanCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower, upper := modRangeBounds(modName)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM scan_cache WHERE key >= ? AND key < ?`, lower, upper)
	if err != nil {
		return nil, syncerr.Local("store: scanning cache for mod %s: %v", modName, err)
	}
	defer rows.Close()

	prefix := modName + "\x00"
	out := make(map[string]model.ScanCacheEntry)

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, syncerr.Local("store: reading cache row for mod %s: %v", modName, err)
		}

		relPath := strings.TrimPrefix(string(key), prefix)

		var entry model.ScanCacheEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil, syncerr.Local("store: decoding cache entry %s/%s: %v", modName, relPath, err)
		}

		out[relPath] = entry
	}

	if err := rows.Err(); err != nil {
		return nil, syncerr.Local("store: iterating cache rows for mod %s: %v", modName, err)
	}

	return out, nil
}

// ApplyScanCacheBatch writes a scanner's per-mod cache updates in one
// transaction, applied at mod-scan completion (§5 shared-resource policy).
func (s *Store) ApplyScanCacheBatch(
	ctx context.Context,
	modName string,
	upserts map[string]model.ScanCacheEntry,
	deleteRelPaths []string,
) error {
	if len(upserts) == 0 && len(deleteRelPaths) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Local("store: beginning cache batch transaction for mod %s: %v", modName, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	for relPath, entry := range upserts {
		if err := upsertCacheEntry(ctx, tx, CacheUpsert{ModName: modName, RelPath: relPath, Entry: entry}); err != nil {
			return err
		}
	}

	for _, relPath := range deleteRelPaths {
		if err := deleteCacheEntry(ctx, tx, CacheDelete{ModName: modName, RelPath: relPath}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Local("store: committing cache batch for mod %s: %v", modName, err)
	}

	return nil
}
