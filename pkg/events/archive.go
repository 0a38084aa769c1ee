package events

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Archiver is the external append-only sink that receives events before the
// retention policy removes them from the log.
type Archiver interface {
	Archive(ctx context.Context, evs []*Event) error
}

// FileArchiver appends events as JSON lines to one file per UTC day under Dir.
// It can also be read back, which makes it an external replay source.
type FileArchiver struct {
	Dir string
	mu  sync.Mutex
}

// NewFileArchiver creates dir if needed
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchiver{Dir: dir}, nil
}

// Archive implements Archiver
func (a *FileArchiver) Archive(ctx context.Context, evs []*Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	byDay := make(map[string][]*Event)
	for _, ev := range evs {
		day := ev.Timestamp.UTC().Format("20060102")
		byDay[day] = append(byDay[day], ev)
	}

	for day, list := range byDay {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(a.Dir, "events-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		w := bufio.NewWriter(f)
		for _, ev := range list {
			line, err := encoding.EncodeJSON(ev)
			if err != nil {
				_ = f.Close()
				return err
			}
			_, _ = w.WriteString(line)
			_ = w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			_ = f.Close()
			return fmt.Errorf("write archive: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close archive: %w", err)
		}
	}
	return nil
}

// ReadEvents returns archived events matching f in chronological order
func (a *FileArchiver) ReadEvents(ctx context.Context, f Filter) ([]*Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(a.Dir, "events-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []*Event
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := readArchiveFile(path)
		if err != nil {
			return nil, err
		}
		for _, ev := range list {
			if f.matches(ev) {
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func readArchiveFile(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode archive line in %s: %w", filepath.Base(path), err)
		}
		ev.Data = encoding.Normalize(ev.Data)
		ev.PreviousData = encoding.Normalize(ev.PreviousData)
		out = append(out, &ev)
	}
	return out, scanner.Err()
}

// matches applies the non-paging parts of f in memory
func (f Filter) matches(ev *Event) bool {
	if f.Event != "" && !MatchPattern(f.Event, ev.Event) {
		return false
	}
	if f.Object != "" && f.Object != ev.Object {
		return false
	}
	if f.Actor != "" && f.Actor != ev.Actor {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Cleanup archives (when an Archiver is configured) and then deletes every event
// older than cutoff. If archiving fails nothing is deleted.
func (l *Log) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+eventColumns+" FROM _events WHERE timestamp < ? ORDER BY timestamp, seq",
			core.FormatTime(cutoff))
		if err != nil {
			return err
		}
		old, err := scanEvents(rows)
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return nil
		}
		if l.archiver != nil {
			if err := l.archiver.Archive(ctx, old); err != nil {
				return fmt.Errorf("%w: archive: %v", core.ErrUnavailable, err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM _events WHERE timestamp < ?", core.FormatTime(cutoff))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = int(n)
		return err
	})
	if err != nil {
		return 0, core.WrapError("cleanup_events", err)
	}
	if removed > 0 {
		l.logger.Info("events cleaned up", "removed", removed, "cutoff", core.FormatTime(cutoff))
	}
	return removed, nil
}
