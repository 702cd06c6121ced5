package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tilli/master-agent/internal/models"
	"github.com/tilli/master-agent/internal/util/logger"
)

// ErrChecksumMismatch is returned when a segment does not match its sidecar.
var ErrChecksumMismatch = errors.New("audit segment checksum mismatch")

// ErrStoreClosed is returned by Append after Close.
var ErrStoreClosed = errors.New("audit store closed")

// Store is the durable append-only sink for audit events.
type Store interface {
	Append(ctx context.Context, ev models.AuditEvent) error
	Close() error
}

// Signer produces a detached signature over a segment's SHA-256 digest.
// security.Helper satisfies it.
type Signer interface {
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// Verifier checks a detached segment signature.
type Verifier interface {
	VerifyDigest(ctx context.Context, digest, signature []byte) error
}

// StoreConfig holds configuration for the rotating file store
type StoreConfig struct {
	Path       string
	ArchiveDir string
	MaxBytes   int64
	Signer     Signer
}

// RotatingFileStore appends JSON lines to an active file. When a write would
// push the file past MaxBytes the file is rotated synchronously into a gzip
// segment with a sha256sum-format sidecar. Segments are never pruned.
//
// Rotation first renames the active file to <path>.<seq>.pending, so a crash
// at any point leaves each entry in exactly one of: the active file, a
// pending file or an archived segment. Pending files are archived on the next
// open.
type RotatingFileStore struct {
	cfg  StoreConfig
	base string

	mu   sync.Mutex
	f    *os.File
	size int64
	seq  int

	now func() time.Time
}

// StoreInfo is a point-in-time view used by health checks.
type StoreInfo struct {
	ActivePath  string `json:"active_path"`
	ActiveBytes int64  `json:"active_bytes"`
	MaxBytes    int64  `json:"max_bytes"`
	Segments    int    `json:"segments"`
	NextSeq     int    `json:"next_seq"`
}

// NewRotatingFileStore opens (or creates) the active file and finishes any
// rotation interrupted by a previous crash.
func NewRotatingFileStore(ctx context.Context, cfg StoreConfig) (*RotatingFileStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit store path is required")
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(filepath.Dir(cfg.Path), "archive")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArchiveDir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	s := &RotatingFileStore{cfg: cfg, base: filepath.Base(cfg.Path), now: time.Now}

	segments, err := listSegments(cfg.ArchiveDir, s.base)
	if err != nil {
		return nil, err
	}
	s.seq = 1
	if n := len(segments); n > 0 {
		s.seq = segments[n-1].seq + 1
	}
	if err := s.recoverPending(ctx); err != nil {
		return nil, err
	}
	if err := s.openActive(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RotatingFileStore) openActive() error {
	f, err := os.OpenFile(s.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.f = f
	s.size = st.Size()
	return nil
}

// Append writes one event and fsyncs it.
func (s *RotatingFileStore) Append(ctx context.Context, ev models.AuditEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrStoreClosed
	}

	if s.cfg.MaxBytes > 0 && s.size > 0 && s.size+int64(len(line)) > s.cfg.MaxBytes {
		if err := s.rotate(ctx); err != nil {
			// keep writing to whatever file is open; losing the event is worse
			logger.Error("Audit rotation failed: %v", err)
		}
	}

	n, err := s.f.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return s.f.Sync()
}

// Rotate forces a rotation of a non-empty active file.
func (s *RotatingFileStore) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrStoreClosed
	}
	if s.size == 0 {
		return nil
	}
	return s.rotate(ctx)
}

// rotate must be called with mu held.
func (s *RotatingFileStore) rotate(ctx context.Context) error {
	seq := s.seq
	pending := s.pendingPath(seq)

	if err := s.f.Close(); err != nil {
		logger.Warn("Closing audit file before rotation: %v", err)
	}
	s.f = nil
	if err := os.Rename(s.cfg.Path, pending); err != nil {
		if reopenErr := s.openActive(); reopenErr != nil {
			return errors.Join(err, reopenErr)
		}
		return fmt.Errorf("stage audit segment: %w", err)
	}
	s.seq++
	if err := s.openActive(); err != nil {
		return err
	}

	if _, err := s.archive(ctx, pending, seq); err != nil {
		// the pending file is picked up on the next open
		return fmt.Errorf("archive audit segment %d: %w", seq, err)
	}
	return nil
}

func (s *RotatingFileStore) pendingPath(seq int) string {
	return fmt.Sprintf("%s.%06d.pending", s.cfg.Path, seq)
}

// archive compresses src into a segment, writes its sidecars and removes src.
func (s *RotatingFileStore) archive(ctx context.Context, src string, seq int) (string, error) {
	name := fmt.Sprintf("%s.%06d.%s.gz", s.base, seq, s.now().UTC().Format("20060102T150405Z"))
	final := filepath.Join(s.cfg.ArchiveDir, name)
	tmp := final + ".tmp"

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, h))
	if _, err := io.Copy(gz, in); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}

	if err := s.writeSidecars(ctx, final, h.Sum(nil)); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	logger.Info("Audit segment archived: %s", name)
	return final, nil
}

func (s *RotatingFileStore) writeSidecars(ctx context.Context, segment string, digest []byte) error {
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(digest), filepath.Base(segment))
	if err := writeFileAtomic(segment+".sha256", []byte(line)); err != nil {
		return fmt.Errorf("write checksum sidecar: %w", err)
	}
	if s.cfg.Signer == nil {
		return nil
	}
	sig, err := s.cfg.Signer.SignDigest(context.WithoutCancel(ctx), digest)
	if err != nil {
		// the checksum alone still makes the segment verifiable
		logger.Warn("Signing audit segment %s failed: %v", filepath.Base(segment), err)
		return nil
	}
	enc := base64.StdEncoding.EncodeToString(sig) + "\n"
	if err := writeFileAtomic(segment+".sig", []byte(enc)); err != nil {
		return fmt.Errorf("write signature sidecar: %w", err)
	}
	return nil
}

func (s *RotatingFileStore) recoverPending(ctx context.Context) error {
	pendings, err := listPending(s.cfg.Path)
	if err != nil {
		return err
	}
	for _, p := range pendings {
		existing, err := findSegment(s.cfg.ArchiveDir, s.base, p.seq)
		if err != nil {
			return err
		}
		if existing != "" {
			// archived before the crash; make sure the sidecar exists too
			if _, err := os.Stat(existing + ".sha256"); errors.Is(err, os.ErrNotExist) {
				digest, err := fileDigest(existing)
				if err != nil {
					return err
				}
				if err := s.writeSidecars(ctx, existing, digest); err != nil {
					return err
				}
			}
			if err := os.Remove(p.path); err != nil {
				return fmt.Errorf("remove archived pending file: %w", err)
			}
		} else if _, err := s.archive(ctx, p.path, p.seq); err != nil {
			return fmt.Errorf("recover pending segment %d: %w", p.seq, err)
		}
		if p.seq >= s.seq {
			s.seq = p.seq + 1
		}
	}
	return nil
}

// Info returns the current state of the store.
func (s *RotatingFileStore) Info() StoreInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	segments, _ := listSegments(s.cfg.ArchiveDir, s.base)
	return StoreInfo{
		ActivePath:  s.cfg.Path,
		ActiveBytes: s.size,
		MaxBytes:    s.cfg.MaxBytes,
		Segments:    len(segments),
		NextSeq:     s.seq,
	}
}

// ReadAll verifies every archived segment and returns archived, pending and
// active entries in write order.
func (s *RotatingFileStore) ReadAll(ctx context.Context) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, _, err := ReadDir(ctx, s.cfg.Path, s.cfg.ArchiveDir, nil)
	return events, err
}

func (s *RotatingFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// SegmentReport is the verification outcome of one archived segment.
type SegmentReport struct {
	Name        string `json:"name"`
	Seq         int    `json:"seq"`
	Entries     int    `json:"entries"`
	ChecksumOK  bool   `json:"checksum_ok"`
	Signed      bool   `json:"signed"`
	SignatureOK bool   `json:"signature_ok"`
	Error       string `json:"error,omitempty"`
}

// ReadDir reads an audit log without opening it for writing. Every segment's
// checksum is verified; when verifier is set, signatures are checked too.
// The first failing segment aborts the read, reports are returned for all
// segments inspected so far.
func ReadDir(ctx context.Context, path, archiveDir string, verifier Verifier) ([]models.AuditEvent, []SegmentReport, error) {
	base := filepath.Base(path)
	segments, err := listSegments(archiveDir, base)
	if err != nil {
		return nil, nil, err
	}

	var (
		events  []models.AuditEvent
		reports []SegmentReport
	)
	for _, seg := range segments {
		rep, segEvents, err := VerifySegment(ctx, seg.path, verifier)
		rep.Seq = seg.seq
		reports = append(reports, rep)
		if err != nil {
			return events, reports, err
		}
		events = append(events, segEvents...)
	}

	pendings, err := listPending(path)
	if err != nil {
		return events, reports, err
	}
	for _, p := range pendings {
		pe, err := readJSONLines(p.path)
		if err != nil {
			return events, reports, err
		}
		events = append(events, pe...)
	}

	active, err := readJSONLines(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return events, reports, err
	}
	events = append(events, active...)
	return events, reports, nil
}

// VerifySegment checks one segment against its sidecars and decodes it.
func VerifySegment(ctx context.Context, segment string, verifier Verifier) (SegmentReport, []models.AuditEvent, error) {
	rep := SegmentReport{Name: filepath.Base(segment)}
	fail := func(err error) (SegmentReport, []models.AuditEvent, error) {
		rep.Error = err.Error()
		return rep, nil, err
	}

	want, err := readSidecar(segment + ".sha256")
	if err != nil {
		return fail(err)
	}
	digest, err := fileDigest(segment)
	if err != nil {
		return fail(err)
	}
	if !bytes.Equal(want, digest) {
		return fail(fmt.Errorf("%w: %s", ErrChecksumMismatch, rep.Name))
	}
	rep.ChecksumOK = true

	if raw, err := os.ReadFile(segment + ".sig"); err == nil {
		rep.Signed = true
		if verifier != nil {
			sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return fail(fmt.Errorf("decode signature: %w", err))
			}
			if err := verifier.VerifyDigest(ctx, digest, sig); err != nil {
				return fail(fmt.Errorf("signature check %s: %w", rep.Name, err))
			}
			rep.SignatureOK = true
		}
	}

	f, err := os.Open(segment)
	if err != nil {
		return fail(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fail(fmt.Errorf("open gzip %s: %w", rep.Name, err))
	}
	defer gz.Close()

	events, err := decodeJSONLines(gz)
	if err != nil {
		return fail(err)
	}
	rep.Entries = len(events)
	return rep, events, nil
}

type segmentFile struct {
	path string
	seq  int
}

func segmentPattern(base string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `\.(\d{6,})\.\d{8}T\d{6}Z\.gz$`)
}

func listSegments(dir, base string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archive dir: %w", err)
	}
	re := segmentPattern(base)
	var out []segmentFile
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		out = append(out, segmentFile{path: filepath.Join(dir, e.Name()), seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func findSegment(dir, base string, seq int) (string, error) {
	segments, err := listSegments(dir, base)
	if err != nil {
		return "", err
	}
	for _, s := range segments {
		if s.seq == seq {
			return s.path, nil
		}
	}
	return "", nil
}

func listPending(activePath string) ([]segmentFile, error) {
	matches, err := filepath.Glob(activePath + ".*.pending")
	if err != nil {
		return nil, err
	}
	prefix := activePath + "."
	var out []segmentFile
	for _, m := range matches {
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(m, prefix), ".pending"))
		if err != nil {
			continue
		}
		out = append(out, segmentFile{path: m, seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func readSidecar(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty checksum sidecar %s", filepath.Base(path))
	}
	return hex.DecodeString(fields[0])
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func readJSONLines(path string) ([]models.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeJSONLines(f)
}

func decodeJSONLines(r io.Reader) ([]models.AuditEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	var out []models.AuditEvent
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return out, fmt.Errorf("decode audit line: %w", err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
