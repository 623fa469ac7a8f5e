package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"diachron/internal/logging"
	"diachron/internal/store"
)

// maxLineBytes bounds a single archive line. Tool results can be
// large; anything beyond this is skipped as malformed.
const maxLineBytes = 4 << 20

// Stats summarizes one indexing run.
type Stats struct {
	ArchivesScanned int   `json:"archives_processed"`
	Inserted        int64 `json:"exchanges_indexed"`
	Duplicates      int64 `json:"duplicates"`
	MalformedLines  int64 `json:"errors"`
}

// Indexer walks conversation archives into the store.
type Indexer struct {
	store      *store.Store
	archiveDir string
	log        *logging.Logger

	// MaxTextBytes caps stored user/assistant text per exchange.
	MaxTextBytes int
}

// NewIndexer creates an indexer rooted at archiveDir (the directory
// containing projects/).
func NewIndexer(s *store.Store, archiveDir string, log *logging.Logger) *Indexer {
	if log == nil {
		log = logging.Default()
	}
	return &Indexer{
		store:        s,
		archiveDir:   archiveDir,
		log:          log.WithComponent("ingest"),
		MaxTextBytes: 64 * 1024,
	}
}

// DiscoverArchives lists projects/*/*.jsonl under the archive dir.
func (ix *Indexer) DiscoverArchives() ([]string, error) {
	projectsDir := filepath.Join(ix.archiveDir, "projects")
	entries, err := os.ReadDir(projectsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectDir := filepath.Join(projectsDir, entry.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			ix.log.Warn("skipping unreadable project directory", "path", projectDir, "error", err)
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".jsonl") {
				archives = append(archives, filepath.Join(projectDir, f.Name()))
			}
		}
	}
	return archives, nil
}

// Run indexes every discovered archive incrementally.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	archives, err := ix.DiscoverArchives()
	if err != nil {
		return stats, err
	}

	for _, archive := range archives {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		s, err := ix.indexArchive(ctx, archive)
		stats.ArchivesScanned++
		stats.Inserted += s.Inserted
		stats.Duplicates += s.Duplicates
		stats.MalformedLines += s.MalformedLines
		if err != nil {
			ix.log.Warn("archive indexing failed", "path", archive, "error", err)
		}
	}

	ix.log.Info("ingest run complete",
		"archives", stats.ArchivesScanned,
		"inserted", stats.Inserted,
		"duplicates", stats.Duplicates,
		"malformed", stats.MalformedLines)
	return stats, nil
}

// indexArchive parses one archive from its checkpoint offset.
func (ix *Indexer) indexArchive(ctx context.Context, archivePath string) (Stats, error) {
	var stats Stats

	fi, err := os.Stat(archivePath)
	if err != nil {
		return stats, err
	}
	mtime := fi.ModTime().Unix()

	var offset int64
	cp, err := ix.store.GetIngestCheckpoint(ctx, archivePath)
	switch {
	case err == store.ErrNotFound:
		// First sight of this archive.
	case err != nil:
		return stats, err
	default:
		offset = cp.ByteOffset
		if offset > fi.Size() {
			// Truncated or rotated; start over.
			ix.log.Info("archive shrank, re-indexing from start", "path", archivePath)
			offset = 0
		} else if offset == fi.Size() && cp.FileMtime == mtime {
			return stats, nil
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return stats, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return stats, err
		}
	}
	fromStart := offset == 0

	project := filepath.Base(filepath.Dir(archivePath))

	reader := bufio.NewReaderSize(f, 64*1024)
	pos := offset
	lineNum := int64(0)

	type pendingUser struct {
		msg    rawMessage
		offset int64
		line   int64
	}
	var pending *pendingUser

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		line, err := readLine(reader)
		if err == io.EOF && line == "" {
			break
		}
		if err != nil && err != io.EOF {
			return stats, err
		}

		lineStart := pos
		pos += int64(len(line))
		curLine := lineNum
		lineNum++

		trimmed := strings.TrimSuffix(line, "\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}
		if len(trimmed) > maxLineBytes {
			stats.MalformedLines++
			continue
		}

		var msg rawMessage
		if jsonErr := json.Unmarshal([]byte(trimmed), &msg); jsonErr != nil {
			// Malformed lines are common in live archives; count and
			// move on.
			stats.MalformedLines++
			continue
		}

		switch msg.Type {
		case "user":
			pending = &pendingUser{msg: msg, offset: lineStart, line: curLine}
		case "assistant":
			if pending == nil {
				// Orphan assistant message.
				continue
			}
			user := pending
			pending = nil

			if user.msg.Message == nil || msg.Message == nil {
				continue
			}

			inserted, dup, err := ix.insertExchange(ctx, project, archivePath, user.msg, msg, user.offset, user.line, curLine, fromStart)
			if err != nil {
				return stats, err
			}
			if inserted {
				stats.Inserted++
			}
			if dup {
				stats.Duplicates++
			}
		}

		if err == io.EOF {
			break
		}
	}

	// A user turn still waiting for its reply at EOF: checkpoint before
	// it, so the resumed parse re-reads the line and can pair it once
	// the assistant message lands.
	if pending != nil {
		pos = pending.offset
	}

	if err := ix.store.PutIngestCheckpoint(ctx, &store.IngestCheckpoint{
		ArchivePath: archivePath,
		ByteOffset:  pos,
		FileMtime:   mtime,
	}); err != nil {
		return stats, err
	}
	return stats, nil
}

// readLine reads one line of any length, returning it with its
// trailing newline when present.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		sb.WriteString(chunk)
		if err != nil || strings.HasSuffix(chunk, "\n") {
			return sb.String(), err
		}
	}
}

func (ix *Indexer) insertExchange(ctx context.Context, project, archivePath string, user, assistant rawMessage, userOffset, userLine, assistantLine int64, fromStart bool) (bool, bool, error) {
	userText := extractText(user.Message.Content)
	assistantText := extractText(assistant.Message.Content)
	if userText == "" && assistantText == "" {
		return false, false, nil
	}
	userText = SafeTruncate(userText, ix.MaxTextBytes)
	assistantText = SafeTruncate(assistantText, ix.MaxTextBytes)

	// Assistant timestamp tracks response time better than the user's.
	timestamp := assistant.Timestamp
	if timestamp == "" {
		timestamp = user.Timestamp
	}

	x := &store.Exchange{
		SessionID:   firstOf(assistant.SessionID, user.SessionID),
		Project:     optional(project),
		Timestamp:   timestamp,
		ArchivePath: archivePath,
		ByteOffset:  userOffset,
	}
	if userText != "" {
		x.UserText = &userText
	}
	if assistantText != "" {
		x.AssistantText = &assistantText
	}
	if tc := extractToolCalls(assistant.Message.Content); tc != "" {
		x.ToolCalls = &tc
	}
	if branch := firstOf(assistant.GitBranch, user.GitBranch); branch != "" {
		x.GitBranch = &branch
	}
	if cwd := firstOf(assistant.Cwd, user.Cwd); cwd != "" {
		x.Cwd = &cwd
	}
	// Line numbers are only absolute when parsing from the top of the
	// file; a resumed parse cannot know how many lines precede the
	// checkpoint.
	if fromStart {
		x.LineStart = &userLine
		x.LineEnd = &assistantLine
	}

	_, inserted, err := ix.store.InsertExchange(ctx, x)
	if err != nil {
		return false, false, err
	}
	return inserted, !inserted, nil
}

func firstOf(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
