package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.posts.jsonl             (append-only, one post per line)
//   - <prefix>.backfill.snapshot.json  (periodic snapshot)
//   - <prefix>.backfill.journal.jsonl  (append-only journal)
//
// Everything is indexed in memory; the journal is compacted into the
// snapshot every compactEvery ledger writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	postsFile appendFile
	byKey     map[postKey]*Post
	byChannel map[string][]*Post
	all       []*Post
	nextID    int64

	ledgerSnapshotPath string
	ledgerJournal      *os.File
	ledger             map[string]BackfillRecord
	ledgerWrites       int
}

type postKey struct {
	channel   string
	messageID int64
}

const compactEvery = 100

// appendFile is an O_APPEND log file.
type appendFile interface {
	io.WriteCloser
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// appendLine writes one record plus newline. A failed write is cut back to
// the previous end so a torn fragment never merges with the next record.
func appendLine(f appendFile, rec []byte) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Write(append(rec, '\n')); err != nil {
		if terr := f.Truncate(st.Size()); terr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, terr)
		}
		return err
	}
	return nil
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:                log,
		byKey:              map[postKey]*Post{},
		byChannel:          map[string][]*Post{},
		ledgerSnapshotPath: prefix + ".backfill.snapshot.json",
		ledger:             map[string]BackfillRecord{},
	}

	postsPath := prefix + ".posts.jsonl"
	if err := s.replayPosts(postsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pf, err := os.OpenFile(postsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.postsFile = pf

	journalPath := prefix + ".backfill.journal.jsonl"
	if err := loadLedgerSnapshot(s.ledgerSnapshotPath, s.ledger); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = pf.Close()
		return nil, fmt.Errorf("backfill snapshot: %w", err)
	}
	if err := replayLedgerJournal(journalPath, s.ledger); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = pf.Close()
		return nil, fmt.Errorf("backfill journal: %w", err)
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}
	s.ledgerJournal = jf

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("posts", len(s.all)), logx.Int("ledger", len(s.ledger)))
	return s, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.postsFile != nil {
		err1 = s.postsFile.Close()
		s.postsFile = nil
	}
	if s.ledgerJournal != nil {
		err2 = s.ledgerJournal.Close()
		s.ledgerJournal = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) replayPosts(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var p Post
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			// A torn final line from a crash; everything before it is intact.
			s.log.Warn("skipping unreadable post record", logx.Err(err))
			continue
		}
		if p.Channel == "" {
			continue
		}
		s.indexLocked(&p)
	}
	return sc.Err()
}

func (s *fileStore) indexLocked(p *Post) {
	k := postKey{p.Channel, p.MessageID}
	if _, ok := s.byKey[k]; ok {
		return
	}
	s.byKey[k] = p
	s.byChannel[p.Channel] = append(s.byChannel[p.Channel], p)
	s.all = append(s.all, p)
	if p.ID > s.nextID {
		s.nextID = p.ID
	}
}

func (s *fileStore) InsertIfAbsent(ctx context.Context, p Post) (Post, bool, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, false, err
	}
	if err := validatePost(p); err != nil {
		return Post{}, false, err
	}
	p.PostedAt = normalizePostedAt(p.PostedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postsFile == nil {
		return Post{}, false, ErrClosed
	}
	if existing, ok := s.byKey[postKey{p.Channel, p.MessageID}]; ok {
		return *existing, false, nil
	}

	p.ID = s.nextID + 1
	b, err := json.Marshal(p)
	if err != nil {
		return Post{}, false, err
	}
	// Write before indexing: a failed append must not leave a phantom row.
	if err := appendLine(s.postsFile, b); err != nil {
		return Post{}, false, err
	}
	cp := p
	s.indexLocked(&cp)
	return p, true, nil
}

func (s *fileStore) ListByChannel(ctx context.Context, channel string, limit, offset int) ([]Post, error) {
	s.mu.Lock()
	src := append([]*Post(nil), s.byChannel[channel]...)
	s.mu.Unlock()
	return page(src, limit, offset), nil
}

func (s *fileStore) ListAll(ctx context.Context, limit, offset int) ([]Post, error) {
	s.mu.Lock()
	src := append([]*Post(nil), s.all...)
	s.mu.Unlock()
	return page(src, limit, offset), nil
}

func page(src []*Post, limit, offset int) []Post {
	limit, offset = clampPage(limit, offset)
	sort.Slice(src, func(i, j int) bool {
		if !src[i].PostedAt.Equal(src[j].PostedAt) {
			return src[i].PostedAt.After(src[j].PostedAt)
		}
		return src[i].ID > src[j].ID
	})
	out := make([]Post, 0, limit)
	for i := offset; i < len(src) && len(out) < limit; i++ {
		out = append(out, *src[i])
	}
	return out
}

func (s *fileStore) GetOne(ctx context.Context, channel string, messageID int64) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[postKey{channel, messageID}]
	if !ok {
		return Post{}, ErrNotFound
	}
	return *p, nil
}

// ---- backfill ledger ----

func (s *fileStore) IsCompleted(ctx context.Context, channel string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger[channel].Status == StatusCompleted, nil
}

func (s *fileStore) MarkPending(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[channel]; ok {
		return nil
	}
	return s.putLedgerLocked(BackfillRecord{Channel: channel, Status: StatusPending, UpdatedAt: time.Now().UTC()})
}

func (s *fileStore) MarkCompleted(ctx context.Context, channel string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger[channel].Status == StatusCompleted {
		return false, nil
	}
	now := time.Now().UTC()
	if err := s.putLedgerLocked(BackfillRecord{Channel: channel, Status: StatusCompleted, CompletedAt: now, UpdatedAt: now}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Records(ctx context.Context) ([]BackfillRecord, error) {
	s.mu.Lock()
	out := make([]BackfillRecord, 0, len(s.ledger))
	for _, r := range s.ledger {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *fileStore) putLedgerLocked(r BackfillRecord) error {
	if s.ledgerJournal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := appendLine(s.ledgerJournal, b); err != nil {
		return err
	}
	s.ledger[r.Channel] = r
	s.ledgerWrites++
	if s.ledgerWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.ledgerSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.ledger); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.ledgerSnapshotPath); err != nil {
		return err
	}
	if err := s.ledgerJournal.Truncate(0); err != nil {
		return err
	}
	_, err = s.ledgerJournal.Seek(0, 2)
	return err
}

func loadLedgerSnapshot(path string, out map[string]BackfillRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]BackfillRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayLedgerJournal(path string, out map[string]BackfillRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r BackfillRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Channel == "" {
			continue
		}
		// completed is terminal even if the journal replays an older pending line.
		if out[r.Channel].Status == StatusCompleted {
			continue
		}
		out[r.Channel] = r
	}
	return sc.Err()
}
