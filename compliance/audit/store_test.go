package audit

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilli/master-agent/internal/models"
)

func newStore(t *testing.T, maxBytes int64, signer Signer) (*RotatingFileStore, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	archive := filepath.Join(dir, "archive")
	s, err := NewRotatingFileStore(context.Background(), StoreConfig{
		Path:       path,
		ArchiveDir: archive,
		MaxBytes:   maxBytes,
		Signer:     signer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path, archive
}

func event(i int) models.AuditEvent {
	return models.AuditEvent{
		ID:        fmt.Sprintf("evt-%04d", i),
		EventType: models.EventDataAccess,
		UserID:    "educator_alice",
		SchoolID:  "school_1",
		Purpose:   "answer question about student progress",
	}
}

func TestRotatingFileStore_RoundTripUnderRotation(t *testing.T) {
	const n = 250
	s, _, archive := newStore(t, 2048, nil)
	ctx := context.Background()

	for i := 0; i < n; i++ {
		require.NoError(t, s.Append(ctx, event(i)))
	}

	info := s.Info()
	assert.Greater(t, info.Segments, 1)
	assert.LessOrEqual(t, info.ActiveBytes, int64(2048))

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("evt-%04d", i), ev.ID)
	}

	// every segment has a sha256sum sidecar that matches
	segs, err := filepath.Glob(filepath.Join(archive, "audit.log.*.gz"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	for _, seg := range segs {
		raw, err := os.ReadFile(seg + ".sha256")
		require.NoError(t, err)
		data, err := os.ReadFile(seg)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, fmt.Sprintf("%x  %s\n", sum, filepath.Base(seg)), string(raw))
	}
}

func TestRotatingFileStore_ConcurrentAppends(t *testing.T) {
	s, _, _ := newStore(t, 4096, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, s.Append(ctx, event(w*1000+i)))
			}
		}(w)
	}
	wg.Wait()

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 400)

	seen := make(map[string]bool, len(got))
	for _, ev := range got {
		assert.False(t, seen[ev.ID], "duplicate %s", ev.ID)
		seen[ev.ID] = true
	}
}

func TestRotatingFileStore_DetectsTampering(t *testing.T) {
	s, path, archive := newStore(t, 512, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append(ctx, event(i)))
	}
	segs, err := filepath.Glob(filepath.Join(archive, "audit.log.*.gz"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)

	f, err := os.OpenFile(segs[0], os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, reports, err := ReadDir(ctx, path, archive, nil)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	require.NotEmpty(t, reports)
	assert.False(t, reports[0].ChecksumOK)
}

func TestRotatingFileStore_RecoversPendingSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	archive := filepath.Join(dir, "archive")
	ctx := context.Background()

	// simulate a crash after the active file was staged but before archiving
	require.NoError(t, os.WriteFile(path+".000001.pending", []byte(`{"id":"a"}`+"\n"+`{"id":"b"}`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"c"}`+"\n"), 0o600))

	s, err := NewRotatingFileStore(ctx, StoreConfig{Path: path, ArchiveDir: archive, MaxBytes: 1 << 20})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path + ".000001.pending")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 2, s.Info().NextSeq)
}

func TestRotatingFileStore_ContinuesSequenceAfterReopen(t *testing.T) {
	s, path, archive := newStore(t, 300, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, event(i)))
	}
	next := s.Info().NextSeq
	require.NoError(t, s.Close())

	reopened, err := NewRotatingFileStore(ctx, StoreConfig{Path: path, ArchiveDir: archive, MaxBytes: 300})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, next, reopened.Info().NextSeq)

	require.NoError(t, reopened.Append(ctx, event(10)))
	got, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 11)
}

type stubSigner struct {
	mu      sync.Mutex
	digests [][]byte
	fail    bool
}

func (s *stubSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("kms unavailable")
	}
	s.digests = append(s.digests, append([]byte(nil), digest...))
	return append([]byte("sig:"), digest...), nil
}

func (s *stubSigner) VerifyDigest(_ context.Context, digest, sig []byte) error {
	if string(sig) != "sig:"+string(digest) {
		return errors.New("bad signature")
	}
	return nil
}

func TestRotatingFileStore_SignsSegments(t *testing.T) {
	signer := &stubSigner{}
	s, path, archive := newStore(t, 400, signer)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, event(i)))
	}

	_, reports, err := ReadDir(ctx, path, archive, signer)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.True(t, r.Signed)
		assert.True(t, r.SignatureOK)
		assert.True(t, r.ChecksumOK)
	}
	assert.Len(t, signer.digests, len(reports))
}

func TestRotatingFileStore_SignerFailureKeepsChecksum(t *testing.T) {
	s, path, archive := newStore(t, 400, &stubSigner{fail: true})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(ctx, event(i)))
	}

	events, reports, err := ReadDir(ctx, path, archive, nil)
	require.NoError(t, err)
	assert.Len(t, events, 10)
	for _, r := range reports {
		assert.False(t, r.Signed)
		assert.True(t, r.ChecksumOK)
	}
}

func TestRotatingFileStore_ClosedRejectsWrites(t *testing.T) {
	s, _, _ := newStore(t, 0, nil)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Append(context.Background(), event(1)), ErrStoreClosed)
}

func TestSegmentNaming(t *testing.T) {
	s, _, archive := newStore(t, 0, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, event(1)))
	require.NoError(t, s.Rotate(ctx))

	segs, err := filepath.Glob(filepath.Join(archive, "*.gz"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	name := filepath.Base(segs[0])
	assert.True(t, strings.HasPrefix(name, "audit.log.000001."), name)
	assert.Regexp(t, `\.\d{8}T\d{6}Z\.gz$`, name)
}
