// Package mongo hosts the MongoDB client backing the durable Thread
// Registry store (spec §4.4), adapted from the teacher's session-mongo
// client onto Thread/Run documents.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/agentflow/eventgateway/thread"
)

const (
	defaultThreadsCollection = "agent_threads"
	defaultRunsCollection    = "agent_runs"
	defaultOpTimeout         = 5 * time.Second
	threadClientName         = "thread-mongo"
)

// Client exposes Mongo-backed operations for thread/run metadata.
type Client interface {
	health.Pinger

	CreateThread(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error)
	LoadThread(ctx context.Context, threadID string) (thread.Thread, error)
	RecordRun(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error)

	UpsertRun(ctx context.Context, run thread.Run) error
	LoadRun(ctx context.Context, runID string) (thread.Run, error)
	ListRunsByThread(ctx context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error)
}

// Options configures the Mongo thread client.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	ThreadsCollection string
	RunsCollection    string
	Timeout           time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	threads collection
	runs    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	threadsCollection := opts.ThreadsCollection
	if threadsCollection == "" {
		threadsCollection = defaultThreadsCollection
	}
	runsCollection := opts.RunsCollection
	if runsCollection == "" {
		runsCollection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	threadColl := opts.Client.Database(opts.Database).Collection(threadsCollection)
	runColl := opts.Client.Database(opts.Database).Collection(runsCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	threadWrapper := mongoCollection{coll: threadColl}
	runWrapper := mongoCollection{coll: runColl}
	if err := ensureIndexes(ctx, threadWrapper, runWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, threadWrapper, runWrapper, timeout)
}

func (c *client) Name() string {
	return threadClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateThread(ctx context.Context, threadID string, metadata map[string]any, createdAt time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if createdAt.IsZero() {
		return thread.Thread{}, errors.New("created_at is required")
	}

	existing, err := c.LoadThread(ctx, threadID)
	if err == nil {
		if existing.Status == thread.StatusArchived {
			return thread.Thread{}, thread.ErrThreadArchived
		}
		return existing, nil
	}
	if !errors.Is(err, thread.ErrThreadNotFound) {
		return thread.Thread{}, err
	}

	now := time.Now().UTC()
	createdAt = createdAt.UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": threadID}
	update := bson.M{
		// Idempotent insert: CreateThread must never modify an existing
		// thread. Keeping every field in $setOnInsert avoids Mongo's
		// rejection of the same path appearing in $set and $setOnInsert,
		// and makes the call safe under retries and races.
		"$setOnInsert": bson.M{
			"thread_id":  threadID,
			"status":     thread.StatusActive,
			"created_at": createdAt,
			"updated_at": now,
			"metadata":   cloneMetadata(metadata),
			"run_count":  0,
		},
	}
	if _, err := c.threads.UpdateOne(ctxWithTimeout, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return thread.Thread{}, err
	}

	out, err := c.LoadThread(ctx, threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	if out.Status == thread.StatusArchived {
		return thread.Thread{}, thread.ErrThreadArchived
	}
	return out, nil
}

func (c *client) LoadThread(ctx context.Context, threadID string) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": threadID}
	var doc threadDocument
	if err := c.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return thread.Thread{}, thread.ErrThreadNotFound
		}
		return thread.Thread{}, err
	}
	return doc.toThread(), nil
}

func (c *client) RecordRun(ctx context.Context, threadID, runID string, at time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if runID == "" {
		return thread.Thread{}, errors.New("run id is required")
	}
	existing, err := c.LoadThread(ctx, threadID)
	if err != nil {
		return thread.Thread{}, err
	}

	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": threadID}
	update := bson.M{
		"$set": bson.M{
			"last_run_id": runID,
			"updated_at":  at.UTC(),
		},
		"$inc": bson.M{"run_count": 1},
		"$push": bson.M{
			"run_ids": bson.M{
				"$each":     []string{runID},
				"$position": 0,
				"$slice":    thread.MaxRunHistory,
			},
		},
	}
	if _, err := c.threads.UpdateOne(ctxWithTimeout, filter, update); err != nil {
		return thread.Thread{}, err
	}
	_ = existing
	return c.LoadThread(ctx, threadID)
}

func (c *client) UpsertRun(ctx context.Context, run thread.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.ThreadID == "" {
		return errors.New("thread id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	doc := fromRun(run)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": run.ID}
	update := bson.M{
		"$set": bson.M{
			"run_id":       doc.RunID,
			"thread_id":    doc.ThreadID,
			"status":       doc.Status,
			"task":         doc.Task,
			"context":      doc.Context,
			"parameters":   doc.Parameters,
			"started_at":   doc.StartedAt,
			"completed_at": doc.CompletedAt,
			"error":        doc.Error,
		},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	_, err := c.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (thread.Run, error) {
	if runID == "" {
		return thread.Run{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.runs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return thread.Run{}, thread.ErrRunNotFound
		}
		return thread.Run{}, err
	}
	return doc.toRun(), nil
}

func (c *client) ListRunsByThread(ctx context.Context, threadID string, statuses []thread.RunStatus) ([]thread.Run, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	filter := bson.M{"thread_id": threadID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []thread.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRun())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID       string            `bson:"run_id"`
	ThreadID    string            `bson:"thread_id"`
	Status      thread.RunStatus  `bson:"status"`
	Task        string            `bson:"task,omitempty"`
	Context     map[string]any    `bson:"context,omitempty"`
	Parameters  map[string]any    `bson:"parameters,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	StartedAt   time.Time         `bson:"started_at,omitempty"`
	CompletedAt *time.Time        `bson:"completed_at,omitempty"`
	Error       string            `bson:"error,omitempty"`
}

type threadDocument struct {
	ThreadID  string         `bson:"thread_id"`
	Status    thread.Status  `bson:"status"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	RunCount  int            `bson:"run_count"`
	LastRunID string         `bson:"last_run_id,omitempty"`
	RunIDs    []string       `bson:"run_ids,omitempty"`
}

func fromRun(run thread.Run) runDocument {
	return runDocument{
		RunID:       run.ID,
		ThreadID:    run.ThreadID,
		Status:      run.Status,
		Task:        run.Task,
		Context:     cloneMetadata(run.Context),
		Parameters:  cloneMetadata(run.Parameters),
		CreatedAt:   run.CreatedAt.UTC(),
		StartedAt:   run.StartedAt.UTC(),
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
	}
}

func (doc runDocument) toRun() thread.Run {
	return thread.Run{
		ID:          doc.RunID,
		ThreadID:    doc.ThreadID,
		Status:      doc.Status,
		Task:        doc.Task,
		Context:     cloneMetadata(doc.Context),
		Parameters:  cloneMetadata(doc.Parameters),
		CreatedAt:   doc.CreatedAt,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
		Error:       doc.Error,
	}
}

func (doc threadDocument) toThread() thread.Thread {
	return thread.Thread{
		ID:        doc.ThreadID,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Metadata:  cloneMetadata(doc.Metadata),
		RunCount:  doc.RunCount,
		LastRunID: doc.LastRunID,
		RunIDs:    doc.RunIDs,
	}
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, threadsColl, runsColl collection) error {
	threadIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := threadsColl.Indexes().CreateOne(ctx, threadIndex); err != nil {
		return err
	}
	runIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := runsColl.Indexes().CreateOne(ctx, runIndex); err != nil {
		return err
	}
	runThreadIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}},
	}
	if _, err := runsColl.Indexes().CreateOne(ctx, runThreadIndex); err != nil {
		return err
	}
	runThreadStatusIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	if _, err := runsColl.Indexes().CreateOne(ctx, runThreadStatusIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, threadsColl, runsColl collection, timeout time.Duration) (*client, error) {
	if threadsColl == nil || runsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		threads: threadsColl,
		runs:    runsColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
