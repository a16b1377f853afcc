package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/quizpass/internal/database"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	delErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

type s3NotFound struct{}

func (e *s3NotFound) Error() string { return "NoSuchKey" }

func setupBackupTestDB(t *testing.T) (*sql.DB, *store.BackupStore) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "quizpass.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, store.NewBackupStore(db)
}

func newTestManager(t *testing.T, db *sql.DB, backups *store.BackupStore, client s3Client) *Manager {
	t.Helper()
	m := NewManager(Config{
		S3:         S3Config{Bucket: "snapshots", AccessKey: "ak", SecretKey: "sk", Region: "us-east-1"},
		Passphrase: "test-passphrase",
	}, db, backups, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !m.Enabled() {
		t.Fatal("manager should be enabled with complete config")
	}
	m.client = client
	return m
}

func TestManagerDisabled(t *testing.T) {
	db, backups := setupBackupTestDB(t)

	cases := []Config{
		{},
		{S3: S3Config{Bucket: "b", AccessKey: "ak", SecretKey: "sk"}},
		{S3: S3Config{Bucket: "b", AccessKey: "ak"}, Passphrase: "p"},
	}
	for i, cfg := range cases {
		m := NewManager(cfg, db, backups, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if m.Enabled() {
			t.Errorf("case %d: Enabled() = true, want false", i)
		}
		if _, err := m.Run(context.Background()); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("case %d: Run error = %v, want %v", i, err, ErrNotConfigured)
		}
		if n, err := m.Cleanup(context.Background()); n != 0 || err != nil {
			t.Errorf("case %d: Cleanup = %d, %v, want 0, nil", i, n, err)
		}
	}
}

func TestRunAndRestore(t *testing.T) {
	ctx := context.Background()
	db, backups := setupBackupTestDB(t)
	s3mock := newMockS3()
	m := newTestManager(t, db, backups, s3mock)

	if _, err := store.NewAccountStore(db).Create(ctx, store.AccountParams{Email: "kept@example.com"}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	record, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if record.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want %q", record.Status, model.BackupStatusCompleted)
	}
	if !strings.HasPrefix(record.ObjectKey, DefaultPrefix+"quizpass-") {
		t.Errorf("object key = %q, want prefix %q", record.ObjectKey, DefaultPrefix+"quizpass-")
	}
	uploaded, ok := s3mock.objects[record.ObjectKey]
	if !ok {
		t.Fatalf("object %q not uploaded", record.ObjectKey)
	}
	if record.SizeBytes != int64(len(uploaded)) {
		t.Errorf("size = %d, want %d", record.SizeBytes, len(uploaded))
	}
	if bytes.Contains(uploaded, []byte("kept@example.com")) {
		t.Error("uploaded snapshot contains plaintext")
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(ctx, strings.TrimPrefix(record.ObjectKey, DefaultPrefix), dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := sql.Open("sqlite", dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var email string
	if err := restored.QueryRow(`SELECT email FROM accounts`).Scan(&email); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if email != "kept@example.com" {
		t.Errorf("restored email = %q, want %q", email, "kept@example.com")
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	db, backups := setupBackupTestDB(t)
	s3mock := newMockS3()
	m := newTestManager(t, db, backups, s3mock)

	record, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	m.cfg.Passphrase = "not-the-passphrase"
	err = m.Restore(ctx, record.ObjectKey, filepath.Join(t.TempDir(), "restored.db"))
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("restore error = %v, want %v", err, ErrWrongPassphrase)
	}
}

func TestRunUploadFailureRecorded(t *testing.T) {
	ctx := context.Background()
	db, backups := setupBackupTestDB(t)
	s3mock := newMockS3()
	s3mock.putErr = errors.New("bucket unavailable")
	m := newTestManager(t, db, backups, s3mock)

	if _, err := m.Run(ctx); err == nil {
		t.Fatal("expected upload error")
	}

	list, err := m.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("records = %d, want 1", len(list))
	}
	if list[0].Status != model.BackupStatusFailed {
		t.Errorf("status = %q, want %q", list[0].Status, model.BackupStatusFailed)
	}
	if !strings.Contains(list[0].ErrorMessage, "bucket unavailable") {
		t.Errorf("error message = %q, want upload error", list[0].ErrorMessage)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	ctx := context.Background()
	db, backups := setupBackupTestDB(t)
	s3mock := newMockS3()
	m := newTestManager(t, db, backups, s3mock)

	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	n, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("cleanup inside retention removed %d, want 0", n)
	}

	m.now = func() time.Time { return time.Now().Add(DefaultRetention + 24*time.Hour) }
	n, err = m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
	if keys := s3mock.keys(); len(keys) != 0 {
		t.Errorf("objects left = %v, want none", keys)
	}
}
