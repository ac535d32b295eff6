package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credential-broker/models"
	"credential-broker/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	credentialsCollection = "credentials"
	requestsCollection    = "requests"
)

// MongoRepository stores credentials and requests in two MongoDB collections.
type MongoRepository struct {
	client      *mongo.Client
	credentials *mongo.Collection
	requests    *mongo.Collection
}

func NewMongoRepository(client *mongo.Client, dbName string) *MongoRepository {
	db := client.Database(dbName)
	return &MongoRepository{
		client:      client,
		credentials: db.Collection(credentialsCollection),
		requests:    db.Collection(requestsCollection),
	}
}

// EnsureIndexes creates the indexes used by the admission queries.
func (s *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: ColKey, Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("credential indexes: %w", err)
	}
	_, err = s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: ColStatus, Value: 1}, {Key: ColPriority, Value: -1}, {Key: ColSubmissionTimestamp, Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: ColCredentialId, Value: 1}, {Key: ColStatus, Value: 1}, {Key: ColCheckoutTimestamp, Value: 1}}},
		{Keys: bson.D{{Key: ColKey, Value: 1}, {Key: ColStatus, Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("request indexes: %w", err)
	}
	return nil
}

func (s *MongoRepository) FindCredentials(ctx context.Context, q CredentialQuery) ([]models.Credential, error) {
	filter := bson.M{}
	if q.Key != "" {
		filter[ColKey] = q.Key
	}
	opts := options.Find()
	if sort := sanitizeSort(q.Sort, credentialSortable); len(sort) > 0 {
		opts.SetSort(bsonSort(sort))
	}

	cur, err := s.credentials.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]models.Credential, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoRepository) FindCredential(ctx context.Context, id string) (*models.Credential, error) {
	var c models.Credential
	if err := s.credentials.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, mongoNotFound(err)
	}
	return &c, nil
}

func (s *MongoRepository) InsertCredential(ctx context.Context, c *models.Credential) error {
	if c.Id == "" {
		c.Id = models.NewID()
	}
	_, err := s.credentials.InsertOne(ctx, c)
	return err
}

func (s *MongoRepository) UpdateCredential(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		_, err := s.FindCredential(ctx, id)
		return err
	}
	res, err := s.credentials.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bsonFields(fields)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoRepository) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.credentials.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoRepository) FindRequests(ctx context.Context, q RequestQuery) ([]models.Request, error) {
	opts := options.Find()
	if sort := sanitizeSort(q.Sort, requestSortable); len(sort) > 0 {
		opts.SetSort(bsonSort(sort))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.requests.Find(ctx, requestFilter(q), opts)
	if err != nil {
		return nil, err
	}
	out := make([]models.Request, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoRepository) CountRequests(ctx context.Context, q RequestQuery) (int64, error) {
	return s.requests.CountDocuments(ctx, requestFilter(q))
}

func (s *MongoRepository) FindRequest(ctx context.Context, id string) (*models.Request, error) {
	var r models.Request
	if err := s.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		return nil, mongoNotFound(err)
	}
	return &r, nil
}

func (s *MongoRepository) InsertRequest(ctx context.Context, r *models.Request) error {
	if r.Id == "" {
		r.Id = models.NewID()
	}
	_, err := s.requests.InsertOne(ctx, r)
	return err
}

func (s *MongoRepository) UpdateRequest(ctx context.Context, id string, fields Fields) error {
	res, err := s.requests.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bsonFields(fields)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRequestIf matches on id and status in a single UpdateOne, which
// MongoDB applies atomically per document.
func (s *MongoRepository) UpdateRequestIf(ctx context.Context, id string, expected models.Status, fields Fields) (bool, error) {
	res, err := s.requests.UpdateOne(ctx,
		bson.M{"_id": id, ColStatus: int(expected)},
		bson.M{"$set": bsonFields(fields)},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

type statisticsRow struct {
	Completed  int64    `bson:"completed"`
	AvgWait    *float64 `bson:"avg_wait"`
	AvgUsage   *float64 `bson:"avg_usage"`
	StddevWait *float64 `bson:"sd_wait"`
	StddevUse  *float64 `bson:"sd_usage"`
}

func (s *MongoRepository) CredentialStatistics(ctx context.Context, credentialId string) (models.Statistics, error) {
	seconds := func(from, to string) bson.M {
		return bson.M{"$cond": bson.A{
			bson.M{"$and": bson.A{
				bson.M{"$ne": bson.A{"$" + from, nil}},
				bson.M{"$ne": bson.A{"$" + to, nil}},
			}},
			bson.M{"$divide": bson.A{bson.M{"$subtract": bson.A{"$" + to, "$" + from}}, 1000}},
			nil,
		}}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{ColCredentialId: credentialId, ColStatus: int(models.StatusCompleted)}}},
		{{Key: "$project", Value: bson.M{
			"wait":  seconds(ColSubmissionTimestamp, ColCheckoutTimestamp),
			"usage": seconds(ColCheckoutTimestamp, ColCheckinTimestamp),
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":       nil,
			"completed": bson.M{"$sum": 1},
			"avg_wait":  bson.M{"$avg": "$wait"},
			"avg_usage": bson.M{"$avg": "$usage"},
			"sd_wait":   bson.M{"$stdDevSamp": "$wait"},
			"sd_usage":  bson.M{"$stdDevSamp": "$usage"},
		}}},
	}

	cur, err := s.requests.Aggregate(ctx, pipeline)
	if err != nil {
		return models.Statistics{}, err
	}
	var rows []statisticsRow
	if err := cur.All(ctx, &rows); err != nil {
		return models.Statistics{}, err
	}
	if len(rows) == 0 {
		return models.Statistics{}, nil
	}
	row := rows[0]
	return models.Statistics{
		Completed:        row.Completed,
		AverageWaitTime:  utils.Round2(deref(row.AvgWait)),
		AverageUsageTime: utils.Round2(deref(row.AvgUsage)),
		StddevWaitTime:   utils.Round2(deref(row.StddevWait)),
		StddevUsageTime:  utils.Round2(deref(row.StddevUse)),
	}, nil
}

func (s *MongoRepository) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func requestFilter(q RequestQuery) bson.M {
	filter := bson.M{}
	if len(q.Statuses) > 0 {
		codes := make(bson.A, len(q.Statuses))
		for i, st := range q.Statuses {
			codes[i] = int(st)
		}
		filter[ColStatus] = bson.M{"$in": codes}
	}
	if q.Key != "" {
		filter[ColKey] = q.Key
	}
	if q.CredentialId != "" {
		filter[ColCredentialId] = q.CredentialId
	}
	checkout := bson.M{}
	if q.HasCheckout {
		checkout["$ne"] = nil
	}
	if q.CheckedOutSince != nil {
		checkout["$gte"] = *q.CheckedOutSince
	}
	if len(checkout) > 0 {
		filter[ColCheckoutTimestamp] = checkout
	}
	return filter
}

func bsonSort(sort []SortField) bson.D {
	d := make(bson.D, 0, len(sort))
	for _, s := range sort {
		name := s.Field
		if name == ColId {
			name = "_id"
		}
		dir := 1
		if s.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: name, Value: dir})
	}
	return d
}

func bsonFields(fields Fields) bson.M {
	out := make(bson.M, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case models.Status:
			v = int(t)
		case *time.Time:
			if t == nil {
				v = nil
			}
		case *string:
			if t == nil {
				v = nil
			}
		}
		out[k] = v
	}
	return out
}

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
