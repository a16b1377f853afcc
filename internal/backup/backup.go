// Package backup snapshots the account database, encrypts the snapshot and
// keeps a rolling set of copies in S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

const (
	DefaultPrefix    = "quizpass/"
	DefaultRetention = 30 * 24 * time.Hour
)

var ErrNotConfigured = errors.New("backup not configured")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3         S3Config
	Passphrase string
	Prefix     string
	Retention  time.Duration
}

// Manager runs one snapshot at a time.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	db      *sql.DB
	backups *store.BackupStore
	client  s3Client
	now     func() time.Time
	logger  *slog.Logger
}

func NewManager(cfg Config, db *sql.DB, backups *store.BackupStore, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	m := &Manager{
		cfg:     cfg,
		db:      db,
		backups: backups,
		now:     time.Now,
		logger:  logger,
	}
	if cfg.S3.complete() && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether storage and a passphrase are configured.
func (m *Manager) Enabled() bool {
	return m.client != nil
}

// Run snapshots the live database with VACUUM INTO, encrypts it and uploads
// it. The returned record is completed; failures are recorded as failed.
func (m *Manager) Run(ctx context.Context) (*model.Backup, error) {
	if m.client == nil {
		return nil, ErrNotConfigured
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.cfg.Prefix + "quizpass-" + m.now().UTC().Format("2006-01-02T150405.000Z") + ".db.enc"
	record, err := m.backups.Create(ctx, key)
	if err != nil {
		return nil, err
	}

	size, err := m.upload(ctx, key)
	if err != nil {
		if merr := m.backups.MarkFailed(context.WithoutCancel(ctx), record.ID, err.Error()); merr != nil {
			m.logger.Error("record backup failure", "key", key, "error", merr)
		}
		return nil, err
	}
	if err := m.backups.MarkCompleted(ctx, record.ID, size); err != nil {
		return nil, err
	}

	metrics.BackupLastSuccess.SetToCurrentTime()
	m.logger.Info("backup uploaded", "key", key, "size_bytes", size)
	return m.backups.GetByKey(ctx, key)
}

func (m *Manager) upload(ctx context.Context, key string) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "quizpass-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return 0, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), nil
}

// Cleanup deletes snapshots older than the retention period and returns how
// many records were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.client == nil {
		return 0, nil
	}

	keys, err := m.backups.DeleteOlderThan(ctx, m.now().UTC().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	return len(keys), nil
}

// Recent returns the latest snapshot records, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]model.Backup, error) {
	if limit <= 0 {
		limit = 20
	}
	return m.backups.List(ctx, limit)
}

// Restore downloads and decrypts a snapshot into dstPath and checks its
// integrity. It never touches the live database; swapping files is left to
// the operator.
func (m *Manager) Restore(ctx context.Context, key, dstPath string) error {
	if m.client == nil {
		return ErrNotConfigured
	}
	if !strings.HasPrefix(key, m.cfg.Prefix) {
		key = m.cfg.Prefix + key
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read backup object: %w", err)
	}
	plaintext, err := open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}
	if err := os.WriteFile(dstPath, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	return checkIntegrity(ctx, dstPath)
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}
