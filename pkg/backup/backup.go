package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"vigilnet/pkg/clock"
)

// ErrNoBackup is returned by Latest when nothing of the requested kind exists.
var ErrNoBackup = errors.New("no backup found")

const nameTimeLayout = "20060102-150405.000"

// BackupData is one persisted snapshot. Items holds the kind-specific payload.
type BackupData struct {
	Version   string            `json:"version"`
	Kind      string            `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Items     json.RawMessage   `json:"items"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Decode unmarshals the payload into v.
func (d *BackupData) Decode(v any) error {
	if len(d.Items) == 0 {
		return fmt.Errorf("backup %s has no items", d.Kind)
	}
	return json.Unmarshal(d.Items, v)
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService writes and reads named snapshots. Names sort chronologically
// within a kind.
type BackupService struct {
	storage Storage
	version string
	clock   clock.Clock
}

func NewBackupService(storage Storage, version string, clk clock.Clock) *BackupService {
	if clk == nil {
		clk = clock.New()
	}
	return &BackupService{
		storage: storage,
		version: version,
		clock:   clk,
	}
}

// CreateBackup serializes items under kind and returns the stored name.
func (bs *BackupService) CreateBackup(ctx context.Context, kind string, items any, metadata map[string]string) (string, error) {
	if kind == "" || strings.ContainsAny(kind, "/\\") {
		return "", fmt.Errorf("invalid backup kind %q", kind)
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup items: %w", err)
	}

	data := BackupData{
		Version:   bs.version,
		Kind:      kind,
		Timestamp: bs.clock.Now().UTC(),
		Items:     payload,
		Metadata:  metadata,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json", kind, data.Timestamp.Format(nameTimeLayout))
	if err := bs.storage.Save(ctx, name, bytes.NewReader(encoded)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads a backup by name.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var data BackupData
	if err := json.NewDecoder(reader).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup %s: %w", name, err)
	}
	if data.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}
	return &data, nil
}

// ListBackups returns the names of every backup of kind, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context, kind string) ([]string, error) {
	names, err := bs.storage.List(ctx, kind+"-")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Latest loads the newest backup of kind.
func (bs *BackupService) Latest(ctx context.Context, kind string) (*BackupData, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrNoBackup
	}
	return bs.RestoreBackup(ctx, names[len(names)-1])
}

// Prune deletes all but the newest keep backups of kind and returns how many
// were removed.
func (bs *BackupService) Prune(ctx context.Context, kind string, keep int) (int, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to list backups: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	removed := 0
	for len(names)-removed > keep {
		if err := bs.storage.Delete(ctx, names[removed]); err != nil {
			return removed, fmt.Errorf("failed to delete backup %s: %w", names[removed], err)
		}
		removed++
	}
	return removed, nil
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}
