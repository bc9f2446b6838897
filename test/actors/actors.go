package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsync/crm"
	"callsync/ledger"
	"callsync/scheduler"
	"callsync/summary"
	"callsync/telephony"
)

// Calls builds n finished external calls of kind with a recorded leg each,
// plus a transfer leg on every third call.
func Calls(kind telephony.Kind, n int, now time.Time) []telephony.Event {
	out := make([]telephony.Event, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%04d", kind, i)
		ev := telephony.Event{
			ID:              id,
			Kind:            kind,
			StartTime:       now.Add(-3*time.Hour + time.Duration(i)*time.Second),
			DurationSeconds: 30 + i%120,
			Result:          "Accepted",
			FromNumber:      fmt.Sprintf("+1415555%04d", i),
			FromName:        "Stress Caller",
			ToNumber:        "+18005550199",
			ToExtensionID:   "101",
			Legs:            []telephony.Leg{{Index: 0, ExtensionName: "Front Desk", RecordingID: id + "-r0", RecordingRef: id + "-r0"}},
		}
		if i%3 == 0 {
			ev.Legs = append(ev.Legs, telephony.Leg{Index: 1, ExtensionName: "Service", RecordingID: id + "-r1", RecordingRef: id + "-r1"})
		}
		out = append(out, ev)
	}
	return out
}

// Source serves a fixed call list per kind.
type Source struct {
	events map[telephony.Kind][]telephony.Event
}

func NewSource(events map[telephony.Kind][]telephony.Event) *Source {
	return &Source{events: events}
}

func (s *Source) ListEvents(_ context.Context, kind telephony.Kind, _ telephony.Window) ([]telephony.Event, error) {
	return append([]telephony.Event(nil), s.events[kind]...), nil
}

// Recordings fakes both the telephony download and the bucket upload.
type Recordings struct{}

func (Recordings) FetchRecording(_ context.Context, ref string) ([]byte, error) {
	return []byte("audio:" + ref), nil
}

func (Recordings) Put(_ context.Context, key, _ string, _ []byte) (string, error) {
	return "https://stress.example.com/" + key, nil
}

// Summarizer returns the same summary for every call.
type Summarizer struct{}

func (Summarizer) Summarize(_ context.Context, in summary.Input) *summary.Summary {
	return &summary.Summary{Text: "stress summary for " + in.RecordingID, Provider: summary.TierPrimary, ProviderName: "stress"}
}

// FlakyCRM fails a share of writes and counts the ones that land.
type FlakyCRM struct {
	mu       sync.Mutex
	rng      *rand.Rand
	failRate float64
	notes    map[string]int
	tasks    map[string]int
	failures int
}

func NewFlakyCRM(seed int64, failRate float64) *FlakyCRM {
	return &FlakyCRM{
		rng:      rand.New(rand.NewSource(seed)),
		failRate: failRate,
		notes:    make(map[string]int),
		tasks:    make(map[string]int),
	}
}

func (c *FlakyCRM) CreateNote(_ context.Context, n crm.Note) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng.Float64() < c.failRate {
		c.failures++
		return "", errors.New("crm unavailable")
	}
	c.notes[n.Event.ID]++
	return "customer:" + n.Event.ID, nil
}

func (c *FlakyCRM) CreateTask(_ context.Context, t crm.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rng.Float64() < c.failRate {
		c.failures++
		return "", errors.New("crm unavailable")
	}
	c.tasks[t.Event.ID]++
	return "task:" + t.Event.ID, nil
}

// Notes returns how many notes landed per event id.
func (c *FlakyCRM) Notes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.notes))
	for k, v := range c.notes {
		out[k] = v
	}
	return out
}

// Tasks returns how many tasks landed per event id.
func (c *FlakyCRM) Tasks() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = v
	}
	return out
}

// Ticker fires kind on the dispatcher back to back, the way the cron
// schedule would if every tick overlapped the previous run.
func Ticker(ctx context.Context, d *scheduler.Dispatcher, kind telephony.Kind, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := d.Fire(ctx, kind, scheduler.OriginSchedule)
		switch {
		case err == nil, errors.Is(err, scheduler.ErrAlreadyRunning):
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("ticker %s: %w", kind, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Operator requests manual runs while scheduled ones are in flight.
// ErrAlreadyRunning is the expected answer under contention.
func Operator(ctx context.Context, d *scheduler.Dispatcher, stop <-chan struct{}) error {
	kinds := telephony.Kinds()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		kind := kinds[rand.Intn(len(kinds))]
		_, err := d.Fire(ctx, kind, scheduler.OriginManual)
		switch {
		case err == nil, errors.Is(err, scheduler.ErrAlreadyRunning):
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("operator %s: %w", kind, err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Auditor pages through the ledger the way the admin API does.
func Auditor(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := ledger.NewRepository(pool)
	statuses := []ledger.Status{"", ledger.StatusPending, ledger.StatusCompleted, ledger.StatusFailed}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		filter := ledger.Filter{Status: statuses[rand.Intn(len(statuses))], Limit: 50}
		if _, err := repo.List(ctx, filter); err != nil && ctx.Err() == nil && !transient(err) {
			return fmt.Errorf("auditor list: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// transient reports connection loss, which chaos runs provoke on purpose.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "57P") || strings.HasPrefix(pgErr.Code, "08")
	}
	return true
}

// Settler races upserts on a small set of shared keys. Once a key has been
// committed as completed, no later upsert may move it back.
func Settler(ctx context.Context, pool *pgxpool.Pool, keys int, stop <-chan struct{}) error {
	repo := ledger.NewRepository(pool)
	kind := string(telephony.KindIncomingCall)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := fmt.Sprintf("shared-%03d", rand.Intn(keys))
		now := time.Now().UTC()
		rec := ledger.Record{WorkflowKind: kind, EventID: id, AttemptCount: 1 + rand.Intn(3), LastAttemptAt: &now}

		switch rand.Intn(3) {
		case 0:
			rec.Status = ledger.StatusFailed
			rec.LastError = "simulated failure"
		case 1:
			rec.Status = ledger.StatusPending
		default:
			rec.Status = ledger.StatusCompleted
			rec.CRMReference = "customer:" + id
		}

		_, err := repo.Upsert(ctx, rec)
		switch {
		case err == nil, errors.Is(err, ledger.ErrAlreadyCompleted):
		case ctx.Err() != nil:
			return ctx.Err()
		case transient(err):
			continue
		default:
			return fmt.Errorf("settler upsert %s: %w", id, err)
		}
		if rec.Status != ledger.StatusCompleted || err != nil {
			continue
		}

		rec.Status = ledger.StatusPending
		rec.CRMReference = ""
		if _, err := repo.Upsert(ctx, rec); !errors.Is(err, ledger.ErrAlreadyCompleted) {
			if err != nil && (ctx.Err() != nil || transient(err)) {
				continue
			}
			return fmt.Errorf("settler: %s regressed from completed: %v", id, err)
		}
	}
}
