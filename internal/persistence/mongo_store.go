package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/sagaflow/pkg/api"
)

// MongoStore is a Store backed by MongoDB. Live records, archived records
// and checkpoints live in three collections of one database.
type MongoStore struct {
	instances   *mongo.Collection
	archived    *mongo.Collection
	checkpoints *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "sagaflow".
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "sagaflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances:   db.Collection("instances"),
		archived:    db.Collection("archived_instances"),
		checkpoints: db.Collection("checkpoints"),
	}
}

type mongoInstanceDoc struct {
	ID         string    `bson:"_id"`
	WorkflowID string    `bson:"workflow_id"`
	State      string    `bson:"state"`
	CreatedAt  time.Time `bson:"created_at"`
	FinishedAt time.Time `bson:"finished_at,omitempty"`
	Record     []byte    `bson:"record"`
}

type mongoCheckpointDoc struct {
	ID         string `bson:"_id"`
	InstanceID string `bson:"instance_id"`
	Name       string `bson:"name"`
	Data       []byte `bson:"data"`
}

func checkpointDocID(instanceID, name string) string {
	return instanceID + "/" + name
}

func newMongoInstanceDoc(rec *api.InstanceRecord) (mongoInstanceDoc, error) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:         rec.InstanceID,
		WorkflowID: rec.WorkflowID,
		State:      string(rec.State),
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
		Record:     data,
	}, nil
}

func (s *MongoStore) SaveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	n, err := s.archived.CountDocuments(ctx, bson.M{"_id": rec.InstanceID})
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrArchived
	}

	doc, err := newMongoInstanceDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.instances.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadInstance(ctx context.Context, id string) (*api.InstanceRecord, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeRecord(doc.Record)
}

func (s *MongoStore) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.instances.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return err
	}
	_, err := s.checkpoints.DeleteMany(ctx, bson.M{"instance_id": id})
	return err
}

func (s *MongoStore) ListInstances(ctx context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		bfilter["state"] = bson.M{"$in": states}
	}
	if !filter.FinishedBefore.IsZero() {
		bfilter["finished_at"] = bson.M{"$exists": true, "$lt": filter.FinishedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.instances.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.InstanceRecord
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := DecodeRecord(doc.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *MongoStore) ArchiveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	doc, err := newMongoInstanceDoc(rec)
	if err != nil {
		return err
	}
	if _, err := s.archived.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true)); err != nil {
		return err
	}
	return s.DeleteInstance(ctx, rec.InstanceID)
}

func (s *MongoStore) SaveCheckpoint(ctx context.Context, instanceID string, cp api.Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	doc := mongoCheckpointDoc{
		ID:         checkpointDocID(instanceID, cp.Name),
		InstanceID: instanceID,
		Name:       cp.Name,
		Data:       data,
	}
	_, err = s.checkpoints.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadCheckpoint(ctx context.Context, instanceID, name string) (api.Checkpoint, error) {
	var doc mongoCheckpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": checkpointDocID(instanceID, name)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Checkpoint{}, ErrCheckpointNotFound
		}
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(doc.Data)
}
