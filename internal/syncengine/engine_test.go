package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algodoeira/baletrack/internal"
	"github.com/algodoeira/baletrack/internal/connectivity"
	"github.com/algodoeira/baletrack/internal/localstore"
	"github.com/algodoeira/baletrack/pkg/datamodel"
)

func init() {
	internal.InitMemcache()
}

// fakeServer mimics the baletrack server in memory, with failure hooks to
// exercise the retry taxonomy.
type fakeServer struct {
	mu       sync.Mutex
	bales    map[string]datamodel.Bale
	counters map[string]int
	calls    []string // "<verb> <id>" in arrival order

	createFailures int  // answer this many creates with 500
	patchFailures  int  // answer this many patches with 500
	rejectCreates  bool // 400 every create
	patchConflict  bool // 409 every patch
	reassignNumber int  // if > 0, ignore the proposed id and assign this number
	dropNextCreate bool // persist, then kill the connection (lost response)
	createDelay    time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		bales:    make(map[string]datamodel.Bale),
		counters: make(map[string]int),
	}
}

func (f *fakeServer) callsFor(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, verb+" ") {
			n++
		}
	}
	return n
}

func (f *fakeServer) seed(b datamodel.Bale) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bales[b.ID] = b
}

func (f *fakeServer) get(id string) (datamodel.Bale, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bales[id]
	return b, ok
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/api/health":
		w.WriteHeader(http.StatusOK)

	case path == "/api/bales" && r.Method == http.MethodGet:
		f.mu.Lock()
		out := make([]datamodel.Bale, 0, len(f.bales))
		for _, b := range f.bales {
			out = append(out, b)
		}
		f.mu.Unlock()
		raw, _ := json.Marshal(out)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)

	case path == "/api/bales" && r.Method == http.MethodPost:
		f.handleCreate(w, r)

	case strings.HasPrefix(path, "/api/bales/") && r.Method == http.MethodPatch && strings.HasSuffix(path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/bales/"), "/status")
		f.handlePatch(w, r, id)

	case strings.HasPrefix(path, "/api/bales/") && r.Method == http.MethodGet:
		id := strings.TrimPrefix(path, "/api/bales/")
		b, ok := f.get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := json.Marshal(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)

	case strings.HasPrefix(path, "/api/counters/") && r.Method == http.MethodGet:
		season := strings.TrimPrefix(path, "/api/counters/")
		f.mu.Lock()
		last := f.counters[season]
		f.mu.Unlock()
		raw, _ := json.Marshal(datamodel.SeasonCounter{Season: season, LastNumber: last})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)

	case path == "/api/bales/batch" && r.Method == http.MethodPost:
		// Not exercised by the engine tests directly
		w.WriteHeader(http.StatusNotImplemented)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	var p datamodel.CreatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, "create "+p.ID)

	if f.createFailures > 0 {
		f.createFailures--
		f.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if f.rejectCreates {
		f.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, exists := f.bales[p.ID]; exists {
		f.mu.Unlock()
		w.WriteHeader(http.StatusConflict)
		return
	}

	id := p.ID
	number := p.SequenceNumber
	if f.reassignNumber > 0 {
		number = f.reassignNumber
		id = datamodel.FormatBaleID(p.Season, p.Field, number)
	}
	now := time.Now().UTC()
	bale := datamodel.Bale{
		ID: id, Season: p.Season, Field: p.Field,
		SequenceNumber: number, Status: p.Status,
		CreatedAt: now, UpdatedAt: now,
	}
	f.bales[id] = bale
	if number > f.counters[p.Season] {
		f.counters[p.Season] = number
	}
	drop := f.dropNextCreate
	f.dropNextCreate = false
	f.mu.Unlock()

	if drop {
		// The create landed but the client never hears about it.
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("test server does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	raw, _ := json.Marshal(bale)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(raw)
}

func (f *fakeServer) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status datamodel.BaleStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "patch "+id)

	if f.patchFailures > 0 {
		f.patchFailures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	b, ok := f.bales[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.patchConflict {
		w.WriteHeader(http.StatusConflict)
		return
	}
	if b.Status != body.Status && !datamodel.IsForwardTransition(b.Status, body.Status) {
		w.WriteHeader(http.StatusConflict)
		return
	}
	b.Status = body.Status
	b.UpdatedAt = time.Now().UTC()
	f.bales[id] = b
	w.WriteHeader(http.StatusOK)
}

type testRig struct {
	server *fakeServer
	store  *localstore.Store
	engine *Engine
	probe  *connectivity.Probe
}

func newTestRig(t *testing.T, storeOpts ...localstore.Option) *testRig {
	t.Helper()
	fake := newFakeServer()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	store, err := localstore.Open(filepath.Join(t.TempDir(), "agent.db"), storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	api := NewClient(ts.URL, "", nil)
	// The probe starts out reporting offline, which routes mutations into
	// the queue: exactly what these tests want.
	probe := connectivity.New(api.HealthURL(), connectivity.WithDebounce(0))
	engine := New(store, api, probe, WithBackoffPolicy(NoBackoff{}))
	return &testRig{server: fake, store: store, engine: engine, probe: probe}
}

func (r *testRig) drain(t *testing.T) datamodel.SyncSession {
	t.Helper()
	session, err := r.engine.Drain(context.Background())
	require.NoError(t, err)
	return session
}

func TestOrderingPreservedAcrossKinds(t *testing.T) {
	rig := newTestRig(t)

	bale, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)
	assert.Equal(t, "S25/26-T1A-00001", bale.ID)
	assert.True(t, bale.CreatedOffline)

	queued, err = rig.engine.UpdateStatus(context.Background(), bale.ID, datamodel.StatusYard)
	require.NoError(t, err)
	require.True(t, queued)

	session := rig.drain(t)
	assert.Equal(t, 2, session.TotalOps)
	assert.Equal(t, 2, session.ProcessedOps)
	assert.Equal(t, 0, session.FailedOps)

	// The create must land before the status update that depends on it.
	require.Len(t, rig.server.calls, 2)
	assert.Equal(t, "create "+bale.ID, rig.server.calls[0])
	assert.Equal(t, "patch "+bale.ID, rig.server.calls[1])

	remote, ok := rig.server.get(bale.ID)
	require.True(t, ok)
	assert.Equal(t, datamodel.StatusYard, remote.Status)

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestIdempotentCreateUnderRetry(t *testing.T) {
	rig := newTestRig(t)
	rig.server.dropNextCreate = true

	bale, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	// First drain: the create lands server-side but the response is lost,
	// so the operation stays pending.
	session := rig.drain(t)
	assert.Equal(t, 1, session.FailedOps)
	_, exists := rig.server.get(bale.ID)
	assert.True(t, exists, "the first attempt did persist")

	// Second drain: the retry gets a 409, converges on the canonical
	// record, and that is a success, not an error.
	session = rig.drain(t)
	assert.Equal(t, 1, session.ProcessedOps)
	assert.Equal(t, 0, session.FailedOps)

	assert.Equal(t, 2, rig.server.callsFor("create"))
	f := rig.server
	f.mu.Lock()
	assert.Len(t, f.bales, 1, "retrying must not duplicate the record")
	f.mu.Unlock()

	snapshots, err := rig.store.GetAllSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, bale.ID, snapshots[0].ID)

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestOptimisticCreateSurvivesFailedDrain(t *testing.T) {
	rig := newTestRig(t)
	rig.server.createFailures = 1

	bale, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	// The attempt fails transiently, the operation stays queued. The
	// post-drain snapshot merge must not wipe the optimistic record the
	// operator is still looking at.
	session := rig.drain(t)
	assert.Equal(t, 1, session.FailedOps)

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	snapshots, err := rig.store.GetAllSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "the optimistic placeholder must survive a failed drain")
	assert.Equal(t, bale.ID, snapshots[0].ID)
	assert.True(t, snapshots[0].CreatedOffline)

	// Once the retry lands, the canonical record takes over.
	session = rig.drain(t)
	assert.Equal(t, 1, session.ProcessedOps)

	snapshots, err = rig.store.GetAllSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, bale.ID, snapshots[0].ID)
	assert.False(t, snapshots[0].CreatedOffline)
}

func TestConvergenceOnStatusConflict(t *testing.T) {
	rig := newTestRig(t)

	// The server already holds the desired status; its PATCH handler is
	// forced to answer 409 so the engine has to detect convergence itself.
	seeded := datamodel.Bale{
		ID: "S25/26-T1A-00001", Season: "25/26", Field: "T1A",
		SequenceNumber: 1, Status: datamodel.StatusYard,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	rig.server.seed(seeded)
	rig.server.patchConflict = true

	require.NoError(t, rig.store.UpsertSnapshots([]datamodel.Bale{seeded}))
	queued, err := rig.engine.UpdateStatus(context.Background(), seeded.ID, datamodel.StatusYard)
	require.NoError(t, err)
	require.True(t, queued)

	session := rig.drain(t)
	assert.Equal(t, 1, session.ProcessedOps)
	assert.Equal(t, 0, session.FailedOps)

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestGenuineStatusConflictExhaustsAttempts(t *testing.T) {
	rig := newTestRig(t)

	seeded := datamodel.Bale{
		ID: "S25/26-T1A-00001", Season: "25/26", Field: "T1A",
		SequenceNumber: 1, Status: datamodel.StatusProcessed,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	rig.server.seed(seeded)
	rig.server.patchConflict = true

	require.NoError(t, rig.store.UpsertSnapshots([]datamodel.Bale{seeded}))
	// Desired yard vs canonical processed: a real conflict, blind overwrite
	// could lose information.
	queued, err := rig.engine.UpdateStatus(context.Background(), seeded.ID, datamodel.StatusYard)
	require.NoError(t, err)
	require.True(t, queued)

	for i := 0; i < 3; i++ {
		session := rig.drain(t)
		assert.Equal(t, 1, session.FailedOps)
	}

	ops, err := rig.store.ListOperations(localstore.OperationFilter{Status: datamodel.OpFailed})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].AttemptCount)

	// A fourth drain must not touch the parked operation.
	patchesBefore := rig.server.callsFor("patch")
	rig.drain(t)
	assert.Equal(t, patchesBefore, rig.server.callsFor("patch"))
}

func TestAttemptCapOnTransientFailures(t *testing.T) {
	rig := newTestRig(t)
	rig.server.createFailures = 100 // everything 500s

	_, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	for i := 0; i < 3; i++ {
		rig.drain(t)
	}
	assert.Equal(t, 3, rig.server.callsFor("create"))

	ops, err := rig.store.ListOperations(localstore.OperationFilter{Status: datamodel.OpFailed})
	require.NoError(t, err)
	require.Len(t, ops, 1, "exhausted operations are retained, not deleted")

	// Never a fourth attempt.
	rig.drain(t)
	rig.drain(t)
	assert.Equal(t, 3, rig.server.callsFor("create"))
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	rig := newTestRig(t)
	rig.server.rejectCreates = true

	_, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	session := rig.drain(t)
	assert.Equal(t, 1, session.FailedOps)
	assert.Equal(t, 1, rig.server.callsFor("create"))

	rig.drain(t)
	assert.Equal(t, 1, rig.server.callsFor("create"), "validation failures must not be retried")
}

func TestStatusUpdate404IsTerminal(t *testing.T) {
	rig := newTestRig(t)

	phantom := datamodel.Bale{
		ID: "S25/26-T1A-00009", Season: "25/26", Field: "T1A",
		SequenceNumber: 9, Status: datamodel.StatusField,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	// Cached locally but deleted server-side in the meantime.
	require.NoError(t, rig.store.UpsertSnapshots([]datamodel.Bale{phantom}))
	queued, err := rig.engine.UpdateStatus(context.Background(), phantom.ID, datamodel.StatusYard)
	require.NoError(t, err)
	require.True(t, queued)

	session := rig.drain(t)
	assert.Equal(t, 1, session.FailedOps, "the drop is surfaced")

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "an operation that can never succeed is removed")

	// The cached snapshot of the vanished bale goes with the operation.
	_, err = rig.store.GetSnapshot(phantom.ID)
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	rig.drain(t)
	assert.Equal(t, 1, rig.server.callsFor("patch"))
}

func TestServerAssignedIdentityReplacesPlaceholder(t *testing.T) {
	rig := newTestRig(t)
	rig.server.reassignNumber = 5

	bale, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, "S25/26-T1A-00001", bale.ID)

	queued, err = rig.engine.UpdateStatus(context.Background(), bale.ID, datamodel.StatusYard)
	require.NoError(t, err)
	require.True(t, queued)

	session := rig.drain(t)
	assert.Equal(t, 2, session.ProcessedOps)

	canonicalID := "S25/26-T1A-00005"
	remote, ok := rig.server.get(canonicalID)
	require.True(t, ok)
	assert.Equal(t, datamodel.StatusYard, remote.Status, "the queued update must follow the resolved identity")
	_, ok = rig.server.get(bale.ID)
	assert.False(t, ok)

	// The placeholder is gone locally, only the canonical record remains.
	snapshots, err := rig.store.GetAllSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, canonicalID, snapshots[0].ID)
}

func TestDrainIsSingleFlight(t *testing.T) {
	rig := newTestRig(t)
	rig.server.createDelay = 100 * time.Millisecond

	_, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rig.engine.Drain(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rig.server.callsFor("create"), "concurrent drains must collapse into one")
}

func TestEnqueueQuotaSurfacesToCaller(t *testing.T) {
	rig := newTestRig(t, localstore.WithQueueCap(1))

	_, queued, err := rig.engine.Create(context.Background(), "25/26", "T1A")
	require.NoError(t, err)
	require.True(t, queued)

	_, _, err = rig.engine.Create(context.Background(), "25/26", "T1A")
	assert.ErrorIs(t, err, localstore.ErrQuotaExceeded)
}

func TestOnlineUpdateSkipsQueue(t *testing.T) {
	rig := newTestRig(t)

	seeded := datamodel.Bale{
		ID: "S25/26-T1A-00001", Season: "25/26", Field: "T1A",
		SequenceNumber: 1, Status: datamodel.StatusField,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	rig.server.seed(seeded)
	require.NoError(t, rig.store.UpsertSnapshots([]datamodel.Bale{seeded}))

	// Confirm connectivity so the engine takes the direct path.
	require.True(t, rig.probe.IsReallyOnline(context.Background(), time.Second))

	queued, err := rig.engine.UpdateStatus(context.Background(), seeded.ID, datamodel.StatusYard)
	require.NoError(t, err)
	assert.False(t, queued)

	depth, err := rig.store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	remote, _ := rig.server.get(seeded.ID)
	assert.Equal(t, datamodel.StatusYard, remote.Status)
}
