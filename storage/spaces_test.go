package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.objects[r.URL.Path] = body
	b.headers[r.URL.Path] = r.Header.Clone()
	b.mu.Unlock()

	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newFakeSpaces(t *testing.T, prefix string) (*Spaces, *fakeBucket, string) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	s, err := NewSpaces(SpacesConfig{
		Endpoint:  srv.URL,
		Region:    "sfo3",
		Bucket:    "recordings",
		AccessKey: "key",
		SecretKey: "secret",
		Prefix:    prefix,
		Insecure:  true,
	})
	require.NoError(t, err)
	return s, bucket, srv.URL
}

func TestSpaces_PutUploadsPublicObject(t *testing.T) {
	s, bucket, base := newFakeSpaces(t, "calls")

	url, err := s.Put(context.Background(), "call_001_part1.mp3", "audio/mpeg", []byte("ID3-audio"))
	require.NoError(t, err)
	assert.Equal(t, base+"/recordings/calls/call_001_part1.mp3", url)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	hdr := bucket.headers["/recordings/calls/call_001_part1.mp3"]
	require.NotNil(t, hdr, "object was not written")
	assert.Equal(t, "public-read", hdr.Get("X-Amz-Acl"))
	assert.Equal(t, "audio/mpeg", hdr.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(hdr.Get("Authorization"), "AWS4-HMAC-SHA256"))
}

func TestSpaces_PutRejectsEmpty(t *testing.T) {
	s, _, _ := newFakeSpaces(t, "")
	_, err := s.Put(context.Background(), "x.mp3", "audio/mpeg", nil)
	assert.ErrorIs(t, err, ErrEmptyObject)
}

func TestSpaces_URLUsesPublicBase(t *testing.T) {
	s, err := NewSpaces(SpacesConfig{
		Endpoint:      "sfo3.digitaloceanspaces.com",
		Bucket:        "recordings",
		Prefix:        "/calls/",
		PublicBaseURL: "https://cdn.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/calls/call%20x_part2.mp3", s.URL("call x_part2.mp3"))
}

func TestNewSpaces_RequiresBucket(t *testing.T) {
	_, err := NewSpaces(SpacesConfig{Endpoint: "sfo3.digitaloceanspaces.com"})
	assert.Error(t, err)
}
