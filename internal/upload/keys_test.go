package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/abduss/meshdrop/internal/objectstore"
)

func TestChunkKeyRoundTrip(t *testing.T) {
	assert.Equal(t, "up-1/00000.chunk", ChunkKey("up-1", 0))
	assert.Equal(t, "up-1/00042.chunk", ChunkKey("up-1", 42))
	assert.Equal(t, "up-1/123456.chunk", ChunkKey("up-1", 123456))

	for _, index := range []int{0, 7, 99999, 100000} {
		got, ok := parseChunkIndex("up-1", ChunkKey("up-1", index))
		assert.True(t, ok)
		assert.Equal(t, index, got)
	}
}

func TestParseChunkIndexRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"up-1/1.chunk",
		"up-1/00001.part",
		"up-1/abcde.chunk",
		"up-2/00001.chunk",
		"up-1/nested/00001.chunk",
		"up-1/.chunk",
	} {
		_, ok := parseChunkIndex("up-1", key)
		assert.False(t, ok, key)
	}
}

func TestChunkRecordsSkipsUnknownObjects(t *testing.T) {
	records := chunkRecords("up-1", []objectstore.ObjectInfo{
		{Key: "up-1/00002.chunk", Size: 3},
		{Key: "up-1/readme.txt", Size: 9},
		{Key: "up-1/00000.chunk", Size: 4},
	})

	assert.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Index)
	assert.Equal(t, int64(3), records[0].SizeBytes)
	assert.Equal(t, 0, records[1].Index)
}

func TestFinalPathLayout(t *testing.T) {
	now := time.Date(2025, 1, 9, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2025/01/09/1736467140000-abcd1234-cube.stl", FinalPath(now, "abcd1234", "cube.stl"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"cube.stl":               "cube.stl",
		"  cube.stl  ":           "cube.stl",
		"../../etc/passwd":       "passwd",
		`C:\models\gear.stl`:     "gear.stl",
		"my model (v2).stl":      "my model _v2_.stl",
		".hidden.stl":            "hidden.stl",
		"":                       fallbackFileName,
		"/":                      fallbackFileName,
		"ünïcode.stl":            "_n_code.stl",
		"folder/sub/part 01.STL": "part 01.STL",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "model/stl", detectContentType("cube.stl", ""))
	assert.Equal(t, "model/stl", detectContentType("CUBE.STL", ""))
	assert.Equal(t, "application/octet-stream", detectContentType("cube.obj", ""))
	assert.Equal(t, "model/x.stl-binary", detectContentType("cube.stl", "model/x.stl-binary"))
}

func TestNormalizeChecksum(t *testing.T) {
	upper := "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"
	got, err := normalizeChecksum(upper)
	assert.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)

	got, err = normalizeChecksum("")
	assert.NoError(t, err)
	assert.Empty(t, got)

	_, err = normalizeChecksum("md5:abc")
	assert.Error(t, err)
}

func TestValidUploadID(t *testing.T) {
	assert.True(t, validUploadID("1736467140000-0a1b2c3d4e5f6071"))
	assert.True(t, validUploadID("client_upload.7"))
	assert.False(t, validUploadID(""))
	assert.False(t, validUploadID("a/b"))
	assert.False(t, validUploadID(".hidden"))
}

func TestSessionTransitions(t *testing.T) {
	now := time.Now()
	stale := now.Add(-time.Minute)

	assert.NoError(t, canReset(Session{Status: StatusFailed}))
	assert.ErrorIs(t, canReset(Session{Status: StatusCompleted}), ErrSessionCompleted)
	assert.ErrorIs(t, canReset(Session{Status: StatusAssembling}), ErrAssemblyInProgress)

	assert.NoError(t, canAssemble(Session{Status: StatusPending}, stale))
	assert.NoError(t, canAssemble(Session{Status: StatusAssembling, UpdatedAt: now.Add(-time.Hour)}, stale))
	assert.ErrorIs(t, canAssemble(Session{Status: StatusAssembling, UpdatedAt: now}, stale), ErrAssemblyInProgress)
	assert.ErrorIs(t, canAssemble(Session{Status: StatusExpired}, stale), ErrSessionExpired)

	assert.True(t, isExpirable(Session{Status: StatusPending, ExpiresAt: now.Add(-time.Second)}, now, stale))
	assert.False(t, isExpirable(Session{Status: StatusPending, ExpiresAt: now.Add(time.Second)}, now, stale))
	assert.False(t, isExpirable(Session{Status: StatusCompleted, ExpiresAt: now.Add(-time.Second)}, now, stale))
}
