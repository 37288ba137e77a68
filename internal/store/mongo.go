package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vidpipe/internal/model"
)

// jobDocument is the BSON shape of a job. Ids are stored as their
// canonical string form so they stay readable in the shell.
type jobDocument struct {
	ID          string        `bson:"_id"`
	InputRef    string        `bson:"inputRef"`
	OutputRef   string        `bson:"outputRef"`
	Profile     model.Profile `bson:"profile"`
	State       string        `bson:"state"`
	Attempts    int           `bson:"attempts"`
	LastError   string        `bson:"lastError,omitempty"`
	CreatedAt   time.Time     `bson:"createdAt"`
	UpdatedAt   time.Time     `bson:"updatedAt"`
	CompletedAt *time.Time    `bson:"completedAt,omitempty"`

	ClaimToken     string     `bson:"claimToken,omitempty"`
	LeaseExpiresAt *time.Time `bson:"leaseExpiresAt,omitempty"`
}

func toDocument(job model.Job) jobDocument {
	doc := jobDocument{
		ID:          job.ID.String(),
		InputRef:    job.InputRef,
		OutputRef:   job.OutputRef,
		Profile:     job.Profile,
		State:       string(job.State),
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.ClaimToken != uuid.Nil {
		doc.ClaimToken = job.ClaimToken.String()
		doc.LeaseExpiresAt = job.LeaseExpiresAt
	}
	return doc
}

func (d jobDocument) toJob() (model.Job, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return model.Job{}, fmt.Errorf("decode job id %q: %w", d.ID, err)
	}
	job := model.Job{
		ID:        id,
		InputRef:  d.InputRef,
		OutputRef: d.OutputRef,
		Profile:   d.Profile,
		State:     model.State(d.State),
		Attempts:  d.Attempts,
		LastError: d.LastError,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	if d.ClaimToken != "" {
		token, err := uuid.Parse(d.ClaimToken)
		if err != nil {
			return model.Job{}, fmt.Errorf("decode claim token of job %q: %w", d.ID, err)
		}
		job.ClaimToken = token
	}
	if d.LeaseExpiresAt != nil {
		t := d.LeaseExpiresAt.UTC()
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

var (
	terminalStates = bson.A{string(model.StateDone), string(model.StateFailed)}
	notTerminal    = bson.M{"$nin": terminalStates}
)

// Mongo is a durable JobStore backed by a MongoDB collection.
type Mongo struct {
	client *mongo.Client
	jobs   *mongo.Collection
}

// OpenMongo connects to MongoDB, verifies the connection and ensures
// the indexes used by ClaimNext and retention exist.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &Mongo{client: client, jobs: client.Database(database).Collection("jobs")}
	_, err = m.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "completedAt", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "leaseExpiresAt", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create job indexes: %w", err)
	}
	return m, nil
}

func (m *Mongo) Submit(ctx context.Context, job model.Job) (uuid.UUID, error) {
	job, err := prepareSubmission(job)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := m.jobs.InsertOne(ctx, toDocument(job)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return uuid.Nil, ErrExists
		}
		return uuid.Nil, err
	}
	return job.ID, nil
}

// ClaimNext uses a single FindOneAndUpdate so the state check and the
// transition happen atomically on the server.
func (m *Mongo) ClaimNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetReturnDocument(options.After)

	now := time.Now().UTC()
	var doc jobDocument
	err := m.jobs.FindOneAndUpdate(ctx,
		bson.M{"state": string(model.StatePending)},
		bson.M{"$set": bson.M{
			"state":          string(model.StateStagingIn),
			"updatedAt":      now,
			"claimToken":     uuid.NewString(),
			"leaseExpiresAt": now.Add(lease),
		}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := doc.toJob()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// stateUpdate builds the update document shared by owner and operator
// writes.
func stateUpdate(state model.State, errMsg *string) bson.M {
	now := time.Now().UTC()
	set := bson.M{"state": string(state), "updatedAt": now}
	unset := bson.M{}
	switch {
	case errMsg != nil:
		set["lastError"] = *errMsg
	case state == model.StateDone:
		unset["lastError"] = ""
	}
	if state.Terminal() {
		set["completedAt"] = now
	}
	if releasesClaim(state) {
		unset["claimToken"] = ""
		unset["leaseExpiresAt"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func ownedFilter(id, token uuid.UUID) bson.M {
	return bson.M{"_id": id.String(), "claimToken": token.String(), "state": notTerminal}
}

func (m *Mongo) Transition(ctx context.Context, id, token uuid.UUID, state model.State, errMsg *string) error {
	res, err := m.jobs.UpdateOne(ctx, ownedFilter(id, token), stateUpdate(state, errMsg))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return m.whyUnowned(ctx, id)
	}
	return nil
}

func (m *Mongo) RenewLease(ctx context.Context, id, token uuid.UUID, lease time.Duration) error {
	res, err := m.jobs.UpdateOne(ctx, ownedFilter(id, token),
		bson.M{"$set": bson.M{"leaseExpiresAt": time.Now().UTC().Add(lease)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return m.whyUnowned(ctx, id)
	}
	return nil
}

func (m *Mongo) RecordAttempt(ctx context.Context, id, token uuid.UUID, next model.State, errMsg string) (model.Job, error) {
	if err := checkAttemptState(next); err != nil {
		return model.Job{}, err
	}

	update := stateUpdate(next, &errMsg)
	update["$inc"] = bson.M{"attempts": 1}

	var doc jobDocument
	err := m.jobs.FindOneAndUpdate(ctx,
		ownedFilter(id, token),
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Job{}, m.whyUnowned(ctx, id)
	}
	if err != nil {
		return model.Job{}, err
	}
	return doc.toJob()
}

func (m *Mongo) Update(ctx context.Context, id uuid.UUID, state model.State, errMsg *string) error {
	res, err := m.jobs.UpdateOne(ctx, bson.M{"_id": id.String(), "state": notTerminal}, stateUpdate(state, errMsg))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return m.whyUnowned(ctx, id)
	}
	return nil
}

// whyUnowned explains why a guarded update matched nothing.
func (m *Mongo) whyUnowned(ctx context.Context, id uuid.UUID) error {
	var doc jobDocument
	err := m.jobs.FindOne(ctx, bson.M{"_id": id.String()},
		options.FindOne().SetProjection(bson.M{"state": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.State(doc.State).Terminal() {
		return ErrTerminal
	}
	return ErrLeaseLost
}

func (m *Mongo) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	var doc jobDocument
	err := m.jobs.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	return doc.toJob()
}

func (m *Mongo) List(ctx context.Context, filter ListFilter) ([]model.Job, error) {
	query := bson.M{}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(max(filter.Offset, 0))).
		SetLimit(int64(clampLimit(filter.Limit)))

	cur, err := m.jobs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	jobs := []model.Job{}
	for cur.Next(ctx) {
		var doc jobDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		job, err := doc.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, cur.Err()
}

func (m *Mongo) RecoverInFlight(ctx context.Context) (int64, error) {
	inFlight := bson.A{}
	for _, s := range model.InFlightStates {
		inFlight = append(inFlight, string(s))
	}
	now := time.Now().UTC()
	res, err := m.jobs.UpdateMany(ctx,
		bson.M{
			"state": bson.M{"$in": inFlight},
			"$or": bson.A{
				bson.M{"leaseExpiresAt": bson.M{"$exists": false}},
				bson.M{"leaseExpiresAt": bson.M{"$lte": now}},
			},
		},
		stateUpdate(model.StatePending, nil),
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (m *Mongo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.jobs.DeleteMany(ctx, bson.M{
		"state":       bson.M{"$in": terminalStates},
		"completedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
