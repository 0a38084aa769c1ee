package events

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/sqgraph/internal/backoff"
	"github.com/liliang-cn/sqgraph/internal/encoding"
	"github.com/liliang-cn/sqgraph/pkg/core"
)

// Query limits
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Options configures a Log
type Options struct {
	Logger     core.Logger
	Retry      backoff.Config // Sink delivery retries
	BufferSize int            // Per-subscription queue length, default 256
	Archiver   Archiver       // Receives events removed by Cleanup
}

// Log is the event log of one namespace
type Log struct {
	store    *core.Store
	logger   core.Logger
	retry    backoff.Config
	buffer   int
	archiver Archiver

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewLog creates the event log over an initialized store
func NewLog(store *core.Store, opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = store.Logger()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = backoff.DefaultConfig()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &Log{
		store:    store,
		logger:   opts.Logger.With("component", "events"),
		retry:    opts.Retry,
		buffer:   opts.BufferSize,
		archiver: opts.Archiver,
		subs:     make(map[string]*subscription),
	}
}

// Append writes one event in its own transaction
func (l *Log) Append(ctx context.Context, ev *Event) (*Event, error) {
	var out *Event
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = l.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, core.WrapError("append_event", err)
	}
	return out, nil
}

// AppendTx writes one event using q, normally the transaction of the mutation
// that produced it. It fills ID, Actor and Timestamp when they are empty.
func (l *Log) AppendTx(ctx context.Context, q core.Querier, ev *Event) (*Event, error) {
	if ev == nil || strings.TrimSpace(ev.Event) == "" {
		return nil, core.ValidationError("append_event", "event name is required")
	}
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, core.WrapError("append_event", err)
		}
		ev.ID = id.String()
	}
	if ev.Actor == "" {
		ev.Actor = DefaultActor
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = core.Now()
	}

	data, err := encodeNullable(ev.Data)
	if err != nil {
		return nil, core.ValidationError("append_event", "data: "+err.Error())
	}
	prev, err := encodeNullable(ev.PreviousData)
	if err != nil {
		return nil, core.ValidationError("append_event", "previousData: "+err.Error())
	}
	var result sql.NullString
	if ev.Result != "" {
		result = sql.NullString{String: ev.Result, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO _events (id, event, actor, object, data, previous_data, result, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Event, ev.Actor, ev.Object, data, prev, result, core.FormatTime(ev.Timestamp))
	if err != nil {
		if core.IsUniqueViolation(err) {
			return nil, core.ConflictError("append_event", "duplicate event id "+ev.ID)
		}
		return nil, core.WrapError("append_event", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return nil, core.WrapError("append_event", err)
	}
	return ev, nil
}

func encodeNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := encoding.EncodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// Filter selects events. Zero values mean "no constraint".
type Filter struct {
	Event  string    // Exact name or '*' glob ("*.created", "User.*")
	Object string    // Exact object reference
	Actor  string    // Exact actor
	Since  time.Time // Inclusive
	Until  time.Time // Inclusive
	Limit  int
	Offset int
	Cursor string // NextCursor of a previous page
	Order  string // "asc" (default) or "desc"
}

// Page is one page of query results
type Page struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

const eventColumns = "seq, id, event, actor, object, data, previous_data, result, timestamp"

// Query returns events matching f, ordered by (timestamp, seq)
func (l *Log) Query(ctx context.Context, f Filter) (*Page, error) {
	q, err := l.store.Querier()
	if err != nil {
		return nil, core.WrapError("query_events", err)
	}

	desc := strings.EqualFold(f.Order, "desc")
	if f.Order != "" && !desc && !strings.EqualFold(f.Order, "asc") {
		return nil, core.ValidationError("query_events", fmt.Sprintf("invalid order %q (use asc or desc)", f.Order))
	}

	where, args, err := f.where(desc)
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	query := "SELECT " + eventColumns + " FROM _events" + where +
		" ORDER BY timestamp " + dir + ", seq " + dir + " LIMIT ? OFFSET ?"
	// one extra row tells us whether another page exists
	args = append(args, limit+1, offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError("query_events", err)
	}
	list, err := scanEvents(rows)
	if err != nil {
		return nil, core.WrapError("query_events", err)
	}

	page := &Page{Events: list}
	if len(list) > limit {
		page.Events = list[:limit]
		page.NextCursor = encodeCursor(page.Events[limit-1])
	}
	if page.Events == nil {
		page.Events = []*Event{}
	}
	return page, nil
}

func (f Filter) where(desc bool) (string, []any, error) {
	var clauses []string
	var args []any

	if f.Event != "" {
		if IsPattern(f.Event) {
			clauses = append(clauses, "event GLOB ?")
			args = append(args, globSQL(f.Event))
		} else {
			clauses = append(clauses, "event = ?")
			args = append(args, f.Event)
		}
	}
	if f.Object != "" {
		clauses = append(clauses, "object = ?")
		args = append(args, f.Object)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, core.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, core.FormatTime(f.Until))
	}
	if f.Cursor != "" {
		ts, seq, err := decodeCursor(f.Cursor)
		if err != nil {
			return "", nil, core.ValidationError("query_events", "invalid cursor")
		}
		if desc {
			clauses = append(clauses, "(timestamp, seq) < (?, ?)")
		} else {
			clauses = append(clauses, "(timestamp, seq) > (?, ?)")
		}
		args = append(args, ts, seq)
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// ReadEvents returns every event matching f in chronological order, ignoring
// Limit, Offset, Cursor and Order. It is the local source for replay.
func (l *Log) ReadEvents(ctx context.Context, f Filter) ([]*Event, error) {
	f.Order = "asc"
	f.Offset = 0
	f.Cursor = ""
	f.Limit = MaxLimit

	var all []*Event
	for {
		page, err := l.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Events...)
		if page.NextCursor == "" {
			return all, nil
		}
		f.Cursor = page.NextCursor
	}
}

// Get returns one event by id
func (l *Log) Get(ctx context.Context, id string) (*Event, error) {
	q, err := l.store.Querier()
	if err != nil {
		return nil, core.WrapError("get_event", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT "+eventColumns+" FROM _events WHERE id = ?", id)
	if err != nil {
		return nil, core.WrapError("get_event", err)
	}
	list, err := scanEvents(rows)
	if err != nil {
		return nil, core.WrapError("get_event", err)
	}
	if len(list) == 0 {
		return nil, core.NotFound("get_event", "event "+id)
	}
	return list[0], nil
}

// Stats returns the number of stored events per event name
func (l *Log) Stats(ctx context.Context) (map[string]int64, error) {
	q, err := l.store.Querier()
	if err != nil {
		return nil, core.WrapError("event_stats", err)
	}
	rows, err := q.QueryContext(ctx, "SELECT event, COUNT(*) FROM _events GROUP BY event")
	if err != nil {
		return nil, core.WrapError("event_stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, core.WrapError("event_stats", err)
		}
		stats[name] = n
	}
	return stats, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer func() { _ = rows.Close() }()
	var out []*Event
	for rows.Next() {
		var ev Event
		var data, prev, result sql.NullString
		var ts string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Event, &ev.Actor, &ev.Object, &data, &prev, &result, &ts); err != nil {
			return nil, err
		}
		var err error
		if data.Valid {
			if ev.Data, err = encoding.DecodeValue(data.String); err != nil {
				return nil, err
			}
		}
		if prev.Valid {
			if ev.PreviousData, err = encoding.DecodeValue(prev.String); err != nil {
				return nil, err
			}
		}
		ev.Result = result.String
		if ev.Timestamp, err = core.ParseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func encodeCursor(ev *Event) string {
	raw := core.FormatTime(ev.Timestamp) + "|" + strconv.FormatInt(ev.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (string, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, err
	}
	ts, seqStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return "", 0, fmt.Errorf("malformed cursor")
	}
	if _, err := core.ParseTime(ts); err != nil {
		return "", 0, err
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return "", 0, err
	}
	return ts, seq, nil
}
