package objectstore

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestJoinPublicURLEscapesSegments(t *testing.T) {
	got := joinPublicURL("https://cdn.example.com/", "stl-files", "2026/10/19/1760000000000-ab12-my part.stl")
	assert.Equal(t, "https://cdn.example.com/stl-files/2026/10/19/1760000000000-ab12-my%20part.stl", got)
}

func TestCountingReaderCountsBytes(t *testing.T) {
	r := &countingReader{r: strings.NewReader("AAABBBCCC")}
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(data))
	assert.Equal(t, int64(9), r.n)
}

func TestIsNotFoundRecognisesAPIErrors(t *testing.T) {
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("dial tcp: refused")))
}
