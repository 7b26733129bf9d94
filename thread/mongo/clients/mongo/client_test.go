package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentflow/eventgateway/thread"
)

func TestEnsureIndexes(t *testing.T) {
	threads := newFakeThreadsCollection()
	runs := newFakeRunsCollection()
	err := ensureIndexes(context.Background(), threads, runs)
	require.NoError(t, err)
	require.Equal(t, 1, threads.indexCreated)
	require.Equal(t, 3, runs.indexCreated)
}

func TestCreateAndLoadThread(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	th, err := client.CreateThread(context.Background(), "t1", map[string]any{"org": "demo"}, now)
	require.NoError(t, err)
	require.Equal(t, "t1", th.ID)
	require.Equal(t, thread.StatusActive, th.Status)
	require.True(t, th.CreatedAt.Equal(now))

	loaded, err := client.LoadThread(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, th, loaded)
}

func TestCreateThreadIsIdempotent(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	th, err := client.CreateThread(context.Background(), "t1", nil, now)
	require.NoError(t, err)

	later := now.Add(10 * time.Second)
	again, err := client.CreateThread(context.Background(), "t1", nil, later)
	require.NoError(t, err)
	require.Equal(t, th.ID, again.ID)
	require.True(t, again.CreatedAt.Equal(now), "created_at must not change on a repeat call")
}

func TestRecordRunPrependsAndCounts(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	_, err := client.CreateThread(context.Background(), "t1", nil, now)
	require.NoError(t, err)

	at1 := now.Add(time.Second)
	th, err := client.RecordRun(context.Background(), "t1", "r1", at1)
	require.NoError(t, err)
	require.Equal(t, 1, th.RunCount)
	require.Equal(t, "r1", th.LastRunID)
	require.Equal(t, []string{"r1"}, th.RunIDs)

	at2 := now.Add(2 * time.Second)
	th, err = client.RecordRun(context.Background(), "t1", "r2", at2)
	require.NoError(t, err)
	require.Equal(t, 2, th.RunCount)
	require.Equal(t, "r2", th.LastRunID)
	require.Equal(t, []string{"r2", "r1"}, th.RunIDs)
}

func TestRecordRunUnknownThread(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.RecordRun(context.Background(), "missing", "r1", time.Now())
	require.ErrorIs(t, err, thread.ErrThreadNotFound)
}

func TestUpsertAndLoadRun(t *testing.T) {
	client := mustNewTestClient()
	run := thread.Run{
		ID:       "run-1",
		ThreadID: "t1",
		Status:   thread.RunStatusPending,
		Task:     "summarize",
		Context:  map[string]any{"org": "demo"},
	}
	err := client.UpsertRun(context.Background(), run)
	require.NoError(t, err)

	stored, err := client.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.ID, stored.ID)
	require.Equal(t, run.ThreadID, stored.ThreadID)
	require.Equal(t, run.Status, stored.Status)
	require.Equal(t, "demo", stored.Context["org"])

	run.Status = thread.RunStatusCompleted
	err = client.UpsertRun(context.Background(), run)
	require.NoError(t, err)
	updated, err := client.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, thread.RunStatusCompleted, updated.Status)
}

func TestListRunsByThread(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	require.NoError(t, client.UpsertRun(context.Background(), thread.Run{
		ID: "run-1", ThreadID: "t1", Status: thread.RunStatusProcessing, CreatedAt: now,
	}))
	require.NoError(t, client.UpsertRun(context.Background(), thread.Run{
		ID: "run-2", ThreadID: "t1", Status: thread.RunStatusPending, CreatedAt: now.Add(time.Second),
	}))
	require.NoError(t, client.UpsertRun(context.Background(), thread.Run{
		ID: "run-3", ThreadID: "t2", Status: thread.RunStatusProcessing, CreatedAt: now,
	}))

	out, err := client.ListRunsByThread(context.Background(), "t1", []thread.RunStatus{thread.RunStatusProcessing})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "run-1", out[0].ID)
}

func TestUpsertRunValidation(t *testing.T) {
	client := mustNewTestClient()
	err := client.UpsertRun(context.Background(), thread.Run{ThreadID: "t1"})
	require.EqualError(t, err, "run id is required")
	err = client.UpsertRun(context.Background(), thread.Run{ID: "run"})
	require.EqualError(t, err, "thread id is required")
}

func TestLoadRunMissingReturnsNotFound(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadRun(context.Background(), "missing")
	require.ErrorIs(t, err, thread.ErrRunNotFound)
}

func TestLoadRunRequiresID(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadRun(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

func mustNewTestClient() *client {
	threads := newFakeThreadsCollection()
	runs := newFakeRunsCollection()
	cl, err := newClientWithCollections(nil, threads, runs, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

func listUpsert(opts []options.Lister[options.UpdateOneOptions]) bool {
	upsert := false
	for _, o := range opts {
		built, err := o.List()
		if err != nil || built == nil {
			continue
		}
		if built.Upsert != nil && *built.Upsert {
			upsert = true
		}
	}
	return upsert
}

type fakeRunsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]runDocument
}

func newFakeRunsCollection() *fakeRunsCollection {
	return &fakeRunsCollection{docs: make(map[string]runDocument)}
}

func (c *fakeRunsCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.docs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeRunsCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := filter.(bson.M)
	threadID, _ := f["thread_id"].(string)
	var allowed map[thread.RunStatus]struct{}
	if raw, ok := f["status"].(bson.M); ok {
		if in, ok := raw["$in"].([]thread.RunStatus); ok {
			allowed = make(map[thread.RunStatus]struct{}, len(in))
			for _, st := range in {
				allowed[st] = struct{}{}
			}
		}
	}
	var matched []runDocument
	for _, doc := range c.docs {
		if doc.ThreadID != threadID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[doc.Status]; !ok {
				continue
			}
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	docs := make([]any, 0, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		docs = append(docs, &copyDoc)
	}
	return newFakeCursor(docs), nil
}

func (c *fakeRunsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.docs[runID]
	if !ok {
		if !listUpsert(opts) {
			return nil, mongodriver.ErrNoDocuments
		}
		doc = runDocument{}
	}
	up := update.(bson.M)
	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["run_id"].(string); ok {
			doc.RunID = v
		}
		if v, ok := set["thread_id"].(string); ok {
			doc.ThreadID = v
		}
		if v, ok := set["status"].(thread.RunStatus); ok {
			doc.Status = v
		}
		if v, ok := set["task"].(string); ok {
			doc.Task = v
		}
		if v, ok := set["context"].(map[string]any); ok {
			doc.Context = v
		}
		if v, ok := set["parameters"].(map[string]any); ok {
			doc.Parameters = v
		}
		if v, ok := set["started_at"].(time.Time); ok {
			doc.StartedAt = v
		}
		if v, ok := set["completed_at"].(*time.Time); ok {
			doc.CompletedAt = v
		}
		if v, ok := set["error"].(string); ok {
			doc.Error = v
		}
	} else {
		return nil, errors.New("unsupported $set payload")
	}
	if soi, ok := up["$setOnInsert"].(bson.M); ok && doc.CreatedAt.IsZero() {
		if ts, ok := soi["created_at"].(time.Time); ok {
			doc.CreatedAt = ts
		}
	}
	c.docs[runID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeRunsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *runDocument:
		*typed = *(r.doc.(*runDocument))
	case *threadDocument:
		*typed = *(r.doc.(*threadDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeThreadsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]threadDocument
}

func newFakeThreadsCollection() *fakeThreadsCollection {
	return &fakeThreadsCollection{docs: make(map[string]threadDocument)}
}

func (c *fakeThreadsCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	threadID := filter.(bson.M)["thread_id"].(string)
	doc, ok := c.docs[threadID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeThreadsCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return newFakeCursor(nil), nil
}

func (c *fakeThreadsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	threadID := filter.(bson.M)["thread_id"].(string)
	doc, ok := c.docs[threadID]
	upsert := listUpsert(opts)

	up := update.(bson.M)
	if !ok {
		if !upsert {
			return nil, mongodriver.ErrNoDocuments
		}
		if soi, ok := up["$setOnInsert"].(bson.M); ok {
			if v, ok := soi["thread_id"].(string); ok {
				doc.ThreadID = v
			}
			if v, ok := soi["status"].(thread.Status); ok {
				doc.Status = v
			}
			if v, ok := soi["created_at"].(time.Time); ok {
				doc.CreatedAt = v
			}
			if v, ok := soi["updated_at"].(time.Time); ok {
				doc.UpdatedAt = v
			}
			if v, ok := soi["metadata"].(map[string]any); ok {
				doc.Metadata = v
			}
			if v, ok := soi["run_count"].(int); ok {
				doc.RunCount = v
			}
		}
		c.docs[threadID] = doc
		return &mongodriver.UpdateResult{MatchedCount: 0, UpsertedCount: 1}, nil
	}

	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["last_run_id"].(string); ok {
			doc.LastRunID = v
		}
		if v, ok := set["updated_at"].(time.Time); ok {
			doc.UpdatedAt = v
		}
	}
	if inc, ok := up["$inc"].(bson.M); ok {
		if v, ok := inc["run_count"].(int); ok {
			doc.RunCount += v
		}
	}
	if push, ok := up["$push"].(bson.M); ok {
		if runIDs, ok := push["run_ids"].(bson.M); ok {
			each, _ := runIDs["$each"].([]string)
			slice, _ := runIDs["$slice"].(int)
			doc.RunIDs = append(append([]string{}, each...), doc.RunIDs...)
			if slice > 0 && len(doc.RunIDs) > slice {
				doc.RunIDs = doc.RunIDs[:slice]
			}
		}
	}
	c.docs[threadID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeThreadsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	switch typed := val.(type) {
	case *runDocument:
		*typed = *(c.docs[c.idx].(*runDocument))
	case *threadDocument:
		*typed = *(c.docs[c.idx].(*threadDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	next := c.idx + 1
	if next >= len(c.docs) {
		return false
	}
	c.idx = next
	return true
}
