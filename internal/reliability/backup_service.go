// Package reliability periodically archives the signal monitoring core's
// SQLite stores (MDS, subscriptions, changestate, positions) to S3-compatible
// object storage, the only durability story spec.md §7 asks for beyond the
// databases themselves.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// databaseNames are the SQLite stores this service archives together, in the
// order database.DB.Migrate() knows their schemas.
var databaseNames = []string{"candles", "subscriptions", "changestate", "positions"}

// BackupMetadata describes one archive's contents.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database file inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo is a listed archive's summary.
type BackupInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService tars, compresses, and uploads the store set to S3.
type BackupService struct {
	s3       *s3.Client
	uploader *manager.Uploader
	bucket   string
	dataDir  string
	log      zerolog.Logger
}

// New builds a BackupService against an already-configured S3 client.
func New(client *s3.Client, bucket, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		s3:       client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		dataDir:  dataDir,
		log:      log.With().Str("component", "reliability").Logger(),
	}
}

// CreateAndUpload tars, checksums, and uploads every database under dataDir.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	s.log.Info().Msg("starting backup")
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Databases: make([]DatabaseMetadata, 0, len(databaseNames)),
	}

	for _, name := range databaseNames {
		srcPath := filepath.Join(s.dataDir, name+".db")
		if _, err := os.Stat(srcPath); os.IsNotExist(err) {
			s.log.Debug().Str("database", name).Msg("database file absent, skipping")
			continue
		}

		dstPath := filepath.Join(stagingDir, name+".db")
		if err := copyFile(srcPath, dstPath); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}

		info, err := os.Stat(dstPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		checksum, err := checksumFile(dstPath)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", name, err)
		}
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02-150405")
	archiveName := fmt.Sprintf("fxsignal-backup-%s.tar.gz", timestamp)
	archivePath := filepath.Join(stagingDir, archiveName)

	names := make([]string, 0, len(metadata.Databases)+1)
	for _, db := range metadata.Databases {
		names = append(names, db.Name)
	}
	names = append(names, "backup-metadata")

	if err := createArchive(archivePath, stagingDir, names); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archiveName),
		Body:   archiveFile,
	}); err != nil {
		return fmt.Errorf("upload to s3: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_kb", archiveInfo.Size()/1024).
		Msg("backup completed")
	return nil
}

// ListBackups lists every fxsignal-backup-*.tar.gz object in the bucket.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("fxsignal-backup-"),
	})
	if err != nil {
		return nil, fmt.Errorf("list s3 objects: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		timestampStr := strings.TrimSuffix(strings.TrimPrefix(filename, "fxsignal-backup-"), ".tar.gz")
		timestamp, err := time.Parse("2006-01-02-150405", timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("unparseable backup filename, skipping")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// RotateOldBackups deletes backups older than retentionDays, always keeping
// at least the 3 most recent regardless of age.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	const minToKeep = 3

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if len(backups) <= minToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(backup.Filename),
		}); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("backup rotation completed")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, basenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer archiveFile.Close()

	gz := gzip.NewWriter(archiveFile)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, basename := range basenames {
		filename := basename + ".db"
		if basename == "backup-metadata" {
			filename = "backup-metadata.json"
		}
		if err := addFileToArchive(tw, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("add %s: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
