package fetch_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/setlist-stream/internal/testutil"
	"github.com/Sternrassler/setlist-stream/pkg/broadcast"
	"github.com/Sternrassler/setlist-stream/pkg/fetch"
	"github.com/Sternrassler/setlist-stream/pkg/ratelimit"
	"github.com/Sternrassler/setlist-stream/pkg/record"
	"github.com/Sternrassler/setlist-stream/pkg/store"
	"github.com/Sternrassler/setlist-stream/pkg/upstream"
	"github.com/rs/zerolog"
)

const testMBID = "b10bbbfc-cf9e-42e0-be17-e2c3e1d2600d"

var setlistsPath = "/artist/" + testMBID + "/setlists"

var errTransient = errors.New("transient read failure")

// faultyStore wraps a MemoryStore with one-shot failures per operation and
// an optional age subtracted from LastUpdated.
type faultyStore struct {
	*store.MemoryStore

	mu    sync.Mutex
	fails map[string]int
	age   time.Duration
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: store.NewMemoryStore(), fails: make(map[string]int)}
}

func (f *faultyStore) failNext(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op]++
}

func (f *faultyStore) setAge(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.age = d
}

func (f *faultyStore) shouldFail(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[op] == 0 {
		return false
	}
	f.fails[op]--
	return true
}

func (f *faultyStore) CheckSubject(ctx context.Context, mbid string) (store.Status, error) {
	if f.shouldFail("check") {
		return store.Status{}, errTransient
	}
	st, err := f.MemoryStore.CheckSubject(ctx, mbid)
	f.mu.Lock()
	if st.Exists {
		st.LastUpdated = st.LastUpdated.Add(-f.age)
	}
	f.mu.Unlock()
	return st, err
}

func (f *faultyStore) MostRecentRecord(ctx context.Context, mbid string) (record.Record, bool, error) {
	if f.shouldFail("recent") {
		return record.Record{}, false, errTransient
	}
	return f.MemoryStore.MostRecentRecord(ctx, mbid)
}

func (f *faultyStore) AllRecords(ctx context.Context, mbid string) ([]record.Record, error) {
	if f.shouldFail("all") {
		return nil, errTransient
	}
	return f.MemoryStore.AllRecords(ctx, mbid)
}

func (f *faultyStore) MarkComplete(ctx context.Context, mbid string) error {
	if f.shouldFail("complete") {
		return errTransient
	}
	return f.MemoryStore.MarkComplete(ctx, mbid)
}

type harness struct {
	mock     *testutil.MockSetlistFM
	store    *faultyStore
	registry *broadcast.Registry
	svc      *fetch.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, broadcast.Config{
		GoodbyeWait:  300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Linger:       10 * time.Millisecond,
	})
}

func newHarnessWith(t *testing.T, regCfg broadcast.Config) *harness {
	t.Helper()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	mock := testutil.NewMockSetlistFM()
	t.Cleanup(mock.Close)
	mock.SetArtist(testMBID, "Test Artist")

	cfg := upstream.DefaultConfig("test-key")
	cfg.BaseURL = mock.URL()
	cfg.Gate = ratelimit.NewGate(ratelimit.Config{MinInterval: time.Millisecond}, logger)
	cfg.Retry = upstream.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	client, err := upstream.New(cfg)
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}

	st := newFaultyStore()
	registry := broadcast.NewRegistry(regCfg, logger)
	svc := fetch.NewService(fetch.DefaultConfig(), client, st, registry, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{mock: mock, store: st, registry: registry, svc: svc}
}

// holdPage makes page n of the setlists endpoint block until release is
// closed; other pages are answered from pages.
func (h *harness) holdPage(n, total int, release <-chan struct{}, pages ...[]upstream.Setlist) {
	h.mock.SetHandler(setlistsPath, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("p"))
		if page == n {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		if page < 1 || page > len(pages) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testutil.SetlistPageBody(page, total, pages[page-1])))
	})
}

type message struct {
	Type          string          `json:"type"`
	SubjectID     string          `json:"subjectId"`
	Records       []record.Record `json:"records"`
	Offset        int             `json:"offset"`
	TotalExpected *int            `json:"totalExpected"`
	TotalRecords  int             `json:"totalRecords"`
	HadError      bool            `json:"hadError"`
}

func collect(t *testing.T, sub *broadcast.Subscriber) []message {
	t.Helper()
	var out []message
	for {
		select {
		case data := <-sub.Outbound():
			var m message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func kinds(msgs []message) string {
	s := ""
	for i, m := range msgs {
		if i > 0 {
			s += ","
		}
		s += m.Type
	}
	return s
}

func join(t *testing.T, h *harness) *broadcast.Subscriber {
	t.Helper()
	sub := h.registry.NewSubscriber()
	if err := h.registry.Join(testMBID, sub); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return sub
}

func TestStart_TwoPages(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.holdPage(1, 4, release,
		[]upstream.Setlist{testutil.NewSetlist("d", "04-04-2024"), testutil.NewSetlist("c", "03-03-2024")},
		[]upstream.Setlist{testutil.NewSetlist("b", "02-02-2024"), testutil.NewSetlist("a", "01-01-2024")},
	)

	out, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Mode != fetch.ModeFresh {
		t.Errorf("Mode = %v, want fresh", out.Mode)
	}

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if msgs[0].TotalExpected != nil {
		t.Errorf("hello before first page has totalExpected %d", *msgs[0].TotalExpected)
	}
	for i, wantOffset := range []int{0, 2} {
		u := msgs[i+1]
		if len(u.Records) != 2 || u.Offset != wantOffset {
			t.Errorf("update %d: %d records at offset %d", i, len(u.Records), u.Offset)
		}
		if u.TotalExpected == nil || *u.TotalExpected != 4 {
			t.Errorf("update %d: totalExpected = %v, want 4", i, u.TotalExpected)
		}
	}
	if g := msgs[3]; g.TotalRecords != 4 || g.HadError {
		t.Errorf("goodbye = %+v", g)
	}

	status, _ := h.store.CheckSubject(context.Background(), testMBID)
	if !status.Exists || status.InProgress {
		t.Errorf("status = %+v, want complete", status)
	}
	all, _ := h.store.AllRecords(context.Background(), testMBID)
	if len(all) != 4 || all[0].EventDate != "2024-04-04" {
		t.Errorf("stored %d records, first %q", len(all), all[0].EventDate)
	}

	select {
	case <-sub.Done():
	default:
		t.Error("subscriber still open after linger")
	}
}

func TestStart_JoinMidFetchGetsSnapshot(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.holdPage(2, 4, release,
		[]upstream.Setlist{testutil.NewSetlist("d", "04-04-2024"), testutil.NewSetlist("c", "03-03-2024")},
		[]upstream.Setlist{testutil.NewSetlist("b", "02-02-2024"), testutil.NewSetlist("a", "01-01-2024")},
	)

	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until page 1 is persisted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		all, _ := h.store.AllRecords(context.Background(), testMBID)
		if len(all) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("page 1 never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The broadcast follows the store write; give it a moment.
	time.Sleep(20 * time.Millisecond)

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if msgs[0].TotalExpected == nil || *msgs[0].TotalExpected != 4 {
		t.Errorf("hello totalExpected = %v, want 4", msgs[0].TotalExpected)
	}
	if len(msgs[1].Records) != 2 || msgs[1].Offset != 0 {
		t.Errorf("snapshot = %d records at offset %d", len(msgs[1].Records), msgs[1].Offset)
	}
	if len(msgs[2].Records) != 2 || msgs[2].Offset != 2 {
		t.Errorf("live update = %d records at offset %d", len(msgs[2].Records), msgs[2].Offset)
	}
	if msgs[3].TotalRecords != 4 {
		t.Errorf("goodbye totalRecords = %d, want 4", msgs[3].TotalRecords)
	}
}

func TestStart_NoResults(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.holdPage(1, 0, release)

	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if msgs[0].TotalExpected != nil {
		t.Errorf("hello totalExpected = %d, want null", *msgs[0].TotalExpected)
	}
	if msgs[1].TotalRecords != 0 || msgs[1].HadError {
		t.Errorf("goodbye = %+v", msgs[1])
	}
}

func TestStart_UpstreamFailureMidFetch(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	page1 := []upstream.Setlist{testutil.NewSetlist("c", "03-03-2024"), testutil.NewSetlist("b", "02-02-2024")}

	h.mock.SetHandler(setlistsPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("p") {
		case "1":
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(testutil.SetlistPageBody(1, 5, page1)))
		default:
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("<html>oops</html>"))
		}
	})

	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	g := msgs[2]
	if !g.HadError || g.TotalRecords != 2 {
		t.Errorf("goodbye = %+v, want hadError with 2 records", g)
	}

	// Partial results stay persisted and the artist is not left in progress.
	status, _ := h.store.CheckSubject(context.Background(), testMBID)
	if status.InProgress {
		t.Error("artist left in progress after failure")
	}
	if all, _ := h.store.AllRecords(context.Background(), testMBID); len(all) != 2 {
		t.Errorf("stored %d records, want 2", len(all))
	}
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.holdPage(1, 1, release, []upstream.Setlist{testutil.NewSetlist("a", "01-01-2024")})

	first, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.Mode != fetch.ModeFresh || second.Mode != fetch.ModeJoin {
		t.Errorf("modes = %v, %v; want fresh, join", first.Mode, second.Mode)
	}
	if !h.svc.Active(testMBID) {
		t.Error("Active() = false during fetch")
	}

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	// One paging loop: page 1 plus the empty page 2.
	if n := h.mock.GetPathCount(setlistsPath); n != 2 {
		t.Errorf("setlist requests = %d, want 2", n)
	}
	msgs := collect(t, sub)
	goodbyes := 0
	for _, m := range msgs {
		if m.Type == broadcast.TypeGoodbye {
			goodbyes++
		}
	}
	if goodbyes != 1 {
		t.Errorf("goodbyes = %d, want 1", goodbyes)
	}
	if h.svc.Active(testMBID) {
		t.Error("Active() = true after fetch")
	}
}

func TestStart_ResumeAppendsOnlyNewer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	older := []upstream.Setlist{
		testutil.NewSetlist("c", "03-03-2024"),
		testutil.NewSetlist("b", "02-02-2024"),
	}
	h.mock.SetSetlistPages(testMBID, 3, older, []upstream.Setlist{testutil.NewSetlist("a", "01-01-2024")})

	if _, err := h.svc.Start(ctx, testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.svc.Wait()

	// Two new shows appear at the top of page 1.
	release := make(chan struct{})
	h.holdPage(1, 5, release,
		[]upstream.Setlist{
			testutil.NewSetlist("e", "05-05-2024"),
			testutil.NewSetlist("d", "04-04-2024"),
			testutil.NewSetlist("c", "03-03-2024"),
		},
		[]upstream.Setlist{testutil.NewSetlist("b", "02-02-2024"), testutil.NewSetlist("a", "01-01-2024")},
	)
	before := h.mock.GetPathCount(setlistsPath)

	out, err := h.svc.Start(ctx, testMBID)
	if err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	if out.Mode != fetch.ModeAppend {
		t.Fatalf("Mode = %v, want append", out.Mode)
	}

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if len(msgs[1].Records) != 3 || msgs[1].Offset != 0 {
		t.Errorf("snapshot = %d records at offset %d, want 3 at 0", len(msgs[1].Records), msgs[1].Offset)
	}
	if len(msgs[2].Records) != 2 || msgs[2].Offset != 3 {
		t.Errorf("update = %d records at offset %d, want 2 at 3", len(msgs[2].Records), msgs[2].Offset)
	}
	if msgs[3].TotalRecords != 5 || msgs[3].HadError {
		t.Errorf("goodbye = %+v", msgs[3])
	}

	// The boundary on page 1 ends paging.
	if n := h.mock.GetPathCount(setlistsPath) - before; n != 1 {
		t.Errorf("resume made %d setlist requests, want 1", n)
	}

	all, _ := h.store.AllRecords(ctx, testMBID)
	seen := make(map[string]bool)
	for _, r := range all {
		if seen[r.URL()] {
			t.Errorf("duplicate record %s", r.URL())
		}
		seen[r.URL()] = true
	}
	if len(all) != 5 {
		t.Errorf("stored %d records, want 5", len(all))
	}
}

func TestStart_ReclaimsStaleArtist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.store.InsertSubject(ctx, testMBID, "Crashed")
	_ = h.store.AppendRecords(ctx, testMBID, []record.Record{record.Invalid(), record.Invalid()})
	h.store.setAge(time.Minute)

	h.mock.SetSetlistPages(testMBID, 1, []upstream.Setlist{testutil.NewSetlist("a", "01-01-2024")})

	out, err := h.svc.Start(ctx, testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Mode != fetch.ModeFresh || !out.Reclaimed {
		t.Errorf("outcome = %+v, want reclaimed fresh fetch", out)
	}
	h.svc.Wait()

	all, _ := h.store.AllRecords(ctx, testMBID)
	if len(all) != 1 || !all[0].IsValid {
		t.Errorf("records after reclaim = %+v", all)
	}
}

func TestStart_InProgressElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.store.InsertSubject(ctx, testMBID, "Busy")

	out, err := h.svc.Start(ctx, testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Mode != fetch.ModeJoin {
		t.Errorf("Mode = %v, want join", out.Mode)
	}
	if n := h.mock.GetRequestCount(); n != 0 {
		t.Errorf("upstream requests = %d, want 0", n)
	}
	if h.registry.CanJoin(testMBID) {
		t.Error("channel registered without a local coordinator")
	}
}

func TestStart_UnresolvedNameUsesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mock.SetResponse("/artist/"+testMBID, testutil.NewNotFoundResponse())
	h.mock.SetSetlistPages(testMBID, 0)

	if _, err := h.svc.Start(ctx, testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.svc.Wait()

	status, _ := h.store.CheckSubject(ctx, testMBID)
	if !status.Exists {
		t.Error("artist not stored when its name could not be resolved")
	}
}

func TestStart_InvalidID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Start(context.Background(), "  "); !errors.Is(err, fetch.ErrInvalidID) {
		t.Errorf("error = %v, want ErrInvalidID", err)
	}
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	h.holdPage(1, 1, release, []upstream.Setlist{testutil.NewSetlist("a", "01-01-2024")})

	if _, err := h.svc.Start(ctx, testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.svc.Purge(ctx, testMBID); !errors.Is(err, fetch.ErrFetchActive) {
		t.Errorf("Purge during fetch error = %v, want ErrFetchActive", err)
	}

	_ = join(t, h)
	close(release)
	h.svc.Wait()

	if err := h.svc.Purge(ctx, testMBID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if status, _ := h.store.CheckSubject(ctx, testMBID); status.Exists {
		t.Error("artist still stored after purge")
	}
}

func TestShutdown_CancelsFetch(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	h.holdPage(1, 1, release, []upstream.Setlist{testutil.NewSetlist("a", "01-01-2024")})

	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub := join(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if !msgs[1].HadError {
		t.Error("cancelled fetch did not report an error")
	}

	if _, err := h.svc.Start(context.Background(), testMBID); !errors.Is(err, fetch.ErrShuttingDown) {
		t.Errorf("Start after shutdown error = %v, want ErrShuttingDown", err)
	}
}

// seedComplete stores c, b and a as a completed artist.
func seedComplete(t *testing.T, h *harness) {
	t.Helper()
	h.mock.SetSetlistPages(testMBID, 3, []upstream.Setlist{
		testutil.NewSetlist("c", "03-03-2024"),
		testutil.NewSetlist("b", "02-02-2024"),
		testutil.NewSetlist("a", "01-01-2024"),
	})
	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("seed Start: %v", err)
	}
	h.svc.Wait()
}

func awaitGoodbye(t *testing.T, sub *broadcast.Subscriber) []message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var out []message
	for {
		select {
		case data := <-sub.Outbound():
			var m message
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			out = append(out, m)
			if m.Type == broadcast.TypeGoodbye {
				return out
			}
		case <-deadline:
			t.Fatalf("no goodbye, got %s", kinds(out))
		}
	}
}

func storedCount(t *testing.T, h *harness) int {
	t.Helper()
	all, err := h.store.AllRecords(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("AllRecords: %v", err)
	}
	return len(all)
}

func TestStart_ReadFailuresKeepStoredRecords(t *testing.T) {
	tests := []struct {
		name      string
		failOp    string
		wantKinds string
		wantTotal int
	}{
		{"progress_check", "check", "hello,goodbye", 0},
		{"resume_point", "recent", "hello,update,goodbye", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seedComplete(t, h)
			before := h.mock.GetPathCount(setlistsPath)

			h.store.failNext(tt.failOp)
			out, err := h.svc.Start(context.Background(), testMBID)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if out.Mode != fetch.ModeAborted {
				t.Errorf("Mode = %v, want aborted", out.Mode)
			}

			sub := join(t, h)
			h.svc.Wait()

			msgs := collect(t, sub)
			if got := kinds(msgs); got != tt.wantKinds {
				t.Fatalf("messages = %s, want %s", got, tt.wantKinds)
			}
			last := msgs[len(msgs)-1]
			if !last.HadError || last.TotalRecords != tt.wantTotal {
				t.Errorf("goodbye = %+v, want hadError with %d records", last, tt.wantTotal)
			}

			if n := storedCount(t, h); n != 3 {
				t.Errorf("stored %d records after a failed read, want 3", n)
			}
			if n := h.mock.GetPathCount(setlistsPath) - before; n != 0 {
				t.Errorf("aborted fetch made %d setlist requests", n)
			}
			status, _ := h.store.CheckSubject(context.Background(), testMBID)
			if status.InProgress {
				t.Error("aborted fetch left the artist in progress")
			}
		})
	}
}

func TestStart_PreloadFailureStillResumes(t *testing.T) {
	h := newHarness(t)
	seedComplete(t, h)

	release := make(chan struct{})
	h.holdPage(1, 5, release, []upstream.Setlist{
		testutil.NewSetlist("e", "05-05-2024"),
		testutil.NewSetlist("d", "04-04-2024"),
		testutil.NewSetlist("c", "03-03-2024"),
	})

	h.store.failNext("all")
	out, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Mode != fetch.ModeAppend {
		t.Fatalf("Mode = %v, want append", out.Mode)
	}

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if len(msgs[1].Records) != 2 || msgs[1].Offset != 0 {
		t.Errorf("update = %d records at offset %d, want 2 at 0", len(msgs[1].Records), msgs[1].Offset)
	}
	if !msgs[2].HadError {
		t.Error("goodbye does not flag the missing history")
	}
	if n := storedCount(t, h); n != 5 {
		t.Errorf("stored %d records, want 5", n)
	}
}

func TestStart_ResumeStopsAtOlderDate(t *testing.T) {
	h := newHarness(t)
	seedComplete(t, h)

	// The last stored show (c) was removed upstream; y is older than it
	// and has never been seen.
	release := make(chan struct{})
	h.holdPage(1, 5, release,
		[]upstream.Setlist{
			testutil.NewSetlist("e", "05-05-2024"),
			testutil.NewSetlist("d", "04-04-2024"),
			testutil.NewSetlist("y", "01-03-2024"),
		},
		[]upstream.Setlist{testutil.NewSetlist("b", "02-02-2024"), testutil.NewSetlist("a", "01-01-2024")},
	)
	before := h.mock.GetPathCount(setlistsPath)

	out, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Mode != fetch.ModeAppend {
		t.Fatalf("Mode = %v, want append", out.Mode)
	}

	sub := join(t, h)
	close(release)
	h.svc.Wait()

	msgs := collect(t, sub)
	if got := kinds(msgs); got != "hello,update,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if len(msgs[2].Records) != 2 || msgs[2].Offset != 3 {
		t.Errorf("update = %d records at offset %d, want 2 at 3", len(msgs[2].Records), msgs[2].Offset)
	}
	if msgs[3].TotalRecords != 5 || msgs[3].HadError {
		t.Errorf("goodbye = %+v", msgs[3])
	}
	if n := h.mock.GetPathCount(setlistsPath) - before; n != 1 {
		t.Errorf("resume made %d setlist requests, want 1", n)
	}

	all, _ := h.store.AllRecords(context.Background(), testMBID)
	if len(all) != 5 {
		t.Errorf("stored %d records, want 5", len(all))
	}
	for _, r := range all {
		if r.URL() == testutil.NewSetlist("y", "01-03-2024").URL {
			t.Error("record older than the resume point was stored")
		}
	}
}

func TestStart_ResumesAfterFailedMarkComplete(t *testing.T) {
	h := newHarnessWith(t, broadcast.Config{
		GoodbyeWait:  300 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Linger:       2 * time.Second,
	})
	h.mock.SetSetlistPages(testMBID, 2, []upstream.Setlist{
		testutil.NewSetlist("b", "02-02-2024"),
		testutil.NewSetlist("a", "01-01-2024"),
	})
	h.store.failNext("complete")

	if _, err := h.svc.Start(context.Background(), testMBID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitGoodbye(t, join(t, h))

	// The coordinator is lingering and the artist is still flagged in
	// progress because MarkComplete failed.
	status, _ := h.store.CheckSubject(context.Background(), testMBID)
	if !status.InProgress {
		t.Fatal("artist unexpectedly marked complete")
	}

	out, err := h.svc.Start(context.Background(), testMBID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if out.Mode != fetch.ModeAppend {
		t.Fatalf("Mode = %v, want append", out.Mode)
	}

	msgs := awaitGoodbye(t, join(t, h))
	if got := kinds(msgs); got != "hello,update,goodbye" {
		t.Fatalf("messages = %s", got)
	}
	if last := msgs[len(msgs)-1]; last.TotalRecords != 2 || last.HadError {
		t.Errorf("goodbye = %+v", last)
	}
}
