// Package mongo adapts store.Interface to a MongoDB collection. One bucket
// (collection) holds every document type, discriminated by the `type` key.
package mongo

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"linkage.org/internal/ids"
	"linkage.org/internal/store"
)

type Store struct {
	coll *mongo.Collection
}

var _ store.Interface = (*Store)(nil)

// Open connects to the server and returns a Store bound to database/bucket.
func Open(ctx context.Context, uri, database, bucket string) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Store{coll: client.Database(database).Collection(bucket)}, client.Disconnect, nil
}

func (s *Store) Find(ctx context.Context, filter store.Filter, opts store.Options) ([]store.Document, error) {
	findOpts := options.Find()
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Sort != "" {
		dir := 1
		if opts.Descending {
			dir = -1
		}
		findOpts.SetSort(bson.D{{Key: opts.Sort, Value: dir}})
	}

	cursor, err := s.coll.Find(ctx, toBSON(filter), findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []store.Document
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, store.Document(raw))
	}
	return out, cursor.Err()
}

func (s *Store) Store(ctx context.Context, doc store.Document, expectedRev int64) (string, error) {
	id := store.ID(doc)
	if id == "" {
		id = ids.NewDoc()
		doc[store.KeyID] = id
		doc[store.KeyRev] = int64(1)
		if _, err := s.coll.InsertOne(ctx, bson.M(doc)); err != nil {
			return "", err
		}
		return id, nil
	}

	doc[store.KeyRev] = expectedRev + 1
	res, err := s.coll.ReplaceOne(ctx,
		bson.M{store.KeyID: id, store.KeyRev: expectedRev},
		bson.M(doc),
		options.Replace().SetUpsert(expectedRev == 0))
	if err != nil {
		doc[store.KeyRev] = expectedRev
		return "", err
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		doc[store.KeyRev] = expectedRev
		n, err := s.coll.CountDocuments(ctx, bson.M{store.KeyID: id})
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", store.ErrNotFound
		}
		return "", store.ErrRevisionMismatch
	}
	return id, nil
}

func (s *Store) Remove(ctx context.Context, doc store.Document) error {
	id := store.ID(doc)
	if id == "" {
		return nil
	}
	_, err := s.coll.DeleteOne(ctx, bson.M{store.KeyID: id})
	return err
}

func toBSON(filter store.Filter) bson.M {
	out := bson.M{}
	for key, want := range filter {
		switch w := want.(type) {
		case store.Contains:
			out[key] = bson.M{"$regex": regexp.QuoteMeta(string(w)), "$options": "i"}
		case []store.Filter:
			if key != store.Or {
				out[key] = want
				continue
			}
			alts := make([]bson.M, 0, len(w))
			for _, alt := range w {
				alts = append(alts, toBSON(alt))
			}
			out["$or"] = alts
		default:
			// nil matches both missing and null fields, which is exactly the
			// "unset" semantic the link protocol relies on.
			out[key] = want
		}
	}
	return out
}
