// Package manifest describes a stored workbook snapshot.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Suffix names the manifest object stored next to each snapshot.
	Suffix = ".meta.json"

	FormatSQL = "sql"
)

type Manifest struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      string        `json:"type"`
	Source    SourceInfo    `json:"source"`
	Snapshot  SnapshotInfo  `json:"snapshot"`
	Files     []string      `json:"files"`
	Retention RetentionInfo `json:"retention"`
}

type SourceInfo struct {
	Path          string   `json:"path"`
	Tables        []string `json:"tables"`
	SQLiteVersion string   `json:"sqlite_version"`
}

type SnapshotInfo struct {
	Format          string  `json:"format"`
	Compression     string  `json:"compression"`
	SizeBytes       int64   `json:"size_bytes"`
	CompressedSize  int64   `json:"compressed_size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Checksum        string  `json:"checksum"`
	DumpChecksum    string  `json:"dump_checksum,omitempty"`
}

type RetentionInfo struct {
	KeepUntil time.Time `json:"keep_until"`
	Policy    string    `json:"policy"`
}

func New(id, sourcePath, sqliteVersion string) *Manifest {
	return &Manifest{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Type:      "daily",
		Source: SourceInfo{
			Path:          sourcePath,
			Tables:        make([]string, 0),
			SQLiteVersion: sqliteVersion,
		},
		Snapshot: SnapshotInfo{
			Format:      FormatSQL,
			Compression: "gzip",
		},
		Files: make([]string, 0),
	}
}

func (m *Manifest) SetSnapshotInfo(sizeBytes, compressedSize int64, duration time.Duration, checksum string) {
	m.Snapshot.SizeBytes = sizeBytes
	m.Snapshot.CompressedSize = compressedSize
	m.Snapshot.DurationSeconds = duration.Seconds()
	m.Snapshot.Checksum = checksum
}

func (m *Manifest) SetRetention(keepUntil time.Time, policy string) {
	m.Retention.KeepUntil = keepUntil
	m.Retention.Policy = policy
}

func (m *Manifest) AddFile(filename string) {
	m.Files = append(m.Files, filename)
}

// DataFile returns the stored dump object, the first file that is not the
// manifest itself.
func (m *Manifest) DataFile() (string, error) {
	for _, f := range m.Files {
		if !strings.HasSuffix(f, Suffix) {
			return f, nil
		}
	}
	return "", fmt.Errorf("snapshot %s has no data file", m.ID)
}

func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("failed to parse manifest: missing id")
	}
	return &m, nil
}

// Path returns the storage key of the manifest for snapshot id.
func Path(id string) string {
	return id + Suffix
}

// GenerateID names a snapshot after its start time. A short random suffix
// keeps two snapshots taken in the same second apart.
func GenerateID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("snapshot_%s_%s", t.UTC().Format("20060102_150405"), suffix)
}

func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	return Checksum(f)
}

func ChecksumString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}
