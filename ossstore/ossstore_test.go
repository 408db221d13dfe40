package ossstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabledWithoutBucket(t *testing.T) {
	m, err := Open(Options{Endpoint: "oss-cn-hangzhou.aliyuncs.com"})
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.False(t, m.Enabled())
	assert.Empty(t, m.Bucket())
}

func TestOpenRequiresEndpoint(t *testing.T) {
	_, err := Open(Options{Bucket: "b"})
	assert.Error(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{Bucket: " b ", PublicEndpoint: "pub", ResultPrefix: "/res/"}.withDefaults()
	assert.Equal(t, "b", o.Bucket)
	assert.Equal(t, "cn-hangzhou", o.Region)
	assert.Equal(t, "pub", o.Endpoint)
	assert.Equal(t, "pub", o.PublicEndpoint)
	assert.Equal(t, "res", o.ResultPrefix)
	assert.Equal(t, "pdftables-uploads", o.UploadPrefix)
	assert.Equal(t, 10*time.Minute, o.LinkExpiry)
}

func TestObjectKeys(t *testing.T) {
	m := &Mirror{opts: Options{ResultPrefix: "res", UploadPrefix: "in"}}
	assert.Equal(t, "res/j1/output.csv", m.artifactKey(" j1 ", "output.csv"))
	assert.Equal(t, "res/j1/error.txt", m.artifactKey("j1", "../../error.txt"))
	assert.Equal(t, "in/j1/a.pdf", m.uploadKey("j1", `C:\docs\a.pdf`))
	assert.Equal(t, "in/j1/upload.pdf", m.uploadKey("j1", " "))
	assert.Equal(t, "in/j1/upload.pdf", m.uploadKey("j1", ".."))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv; charset=utf-8", contentType("output.csv"))
	assert.Equal(t, "text/plain; charset=utf-8", contentType("error.txt"))
	assert.Equal(t, "application/pdf", contentType("A.PDF"))
	assert.Equal(t, "application/octet-stream", contentType("x"))
}

func TestDisabledMirrorRefusesCalls(t *testing.T) {
	var m *Mirror
	assert.ErrorIs(t, m.MirrorUpload("j", "a.pdf", "/tmp/a.pdf"), ErrDisabled)
	assert.ErrorIs(t, m.MirrorArtifact("j", "/tmp/j", "output.csv"), ErrDisabled)
	_, err := m.ArtifactURL("j", "output.csv")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestASCIIFallback(t *testing.T) {
	assert.Equal(t, "r_sum_.csv", asciiFallback("résumé.csv"))
	assert.Equal(t, "a_b.csv", asciiFallback(`a"b.csv`))
}
