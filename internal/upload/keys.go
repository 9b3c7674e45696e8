package upload

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abduss/meshdrop/internal/objectstore"
)

const (
	chunkSuffix       = ".chunk"
	chunkContentType  = "application/octet-stream"
	defaultModelType  = "application/octet-stream"
	stlContentType    = "model/stl"
	fallbackFileName  = "model.stl"
	maxFileNameLength = 200
)

var (
	uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	sha256Pattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)
)

// ChunkPrefix is the staging prefix holding every chunk of an upload.
func ChunkPrefix(uploadID string) string {
	return uploadID + "/"
}

// ChunkKey is the staging key of one chunk: {uploadId}/{index:05d}.chunk.
func ChunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s/%05d%s", uploadID, index, chunkSuffix)
}

// parseChunkIndex extracts the numeric index from a staged key. Keys not produced by ChunkKey are rejected.
func parseChunkIndex(uploadID, key string) (int, bool) {
	name, ok := strings.CutPrefix(key, ChunkPrefix(uploadID))
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(name, chunkSuffix)
	if !ok || digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 {
		return 0, false
	}
	if ChunkKey(uploadID, index) != key {
		return 0, false
	}
	return index, true
}

// chunkRecords keeps the listed objects that are chunks of uploadID. Order follows the listing.
func chunkRecords(uploadID string, objects []objectstore.ObjectInfo) []ChunkRecord {
	records := make([]ChunkRecord, 0, len(objects))
	for _, obj := range objects {
		index, ok := parseChunkIndex(uploadID, obj.Key)
		if !ok {
			continue
		}
		records = append(records, ChunkRecord{
			UploadID:   uploadID,
			Index:      index,
			SizeBytes:  obj.Size,
			StorageKey: obj.Key,
			UploadedAt: obj.LastModified,
		})
	}
	return records
}

// FinalPath is the destination key {YYYY}/{MM}/{DD}/{epochMillis}-{hex}-{fileName}.
func FinalPath(now time.Time, suffix, fileName string) string {
	now = now.UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%d-%s-%s",
		now.Year(), int(now.Month()), now.Day(), now.UnixMilli(), suffix, fileName)
}

func newUploadID(now time.Time) (string, error) {
	suffix, err := randomHex(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}

// normalizeChecksum lower-cases a hex SHA-256 digest. An empty input is allowed.
func normalizeChecksum(raw string) (string, error) {
	sum := strings.ToLower(strings.TrimSpace(raw))
	if sum == "" {
		return "", nil
	}
	if !sha256Pattern.MatchString(sum) {
		return "", &ValidationError{Field: "checksum", Reason: "must be a hex-encoded SHA-256 digest"}
	}
	return sum, nil
}

// sanitizeFilename reduces a client file name to a single safe path segment.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	if name == "/" || name == "." {
		return fallbackFileName
	}
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ". ")
	if len(name) > maxFileNameLength {
		name = name[len(name)-maxFileNameLength:]
	}
	if name == "" {
		return fallbackFileName
	}
	return name
}

func detectContentType(fileName, declared string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	if strings.EqualFold(path.Ext(fileName), ".stl") {
		return stlContentType
	}
	return defaultModelType
}
