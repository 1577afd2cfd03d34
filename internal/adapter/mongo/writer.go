package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrMissingID = errors.New("document has no _id")

// Writer stores Extended JSON documents.
type Writer struct {
	coll *mongo.Collection
}

// Put inserts doc or replaces the document with the same _id.
func (w *Writer) Put(ctx context.Context, doc json.RawMessage) error {
	var d bson.D
	if err := bson.UnmarshalExtJSON(doc, false, &d); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}

	var id any
	for _, e := range d {
		if e.Key == "_id" {
			id = e.Value
		}
	}
	if id == nil {
		return ErrMissingID
	}

	_, err := w.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// Delete removes the document whose _id equals id, given as Extended JSON.
func (w *Writer) Delete(ctx context.Context, id json.RawMessage) error {
	var filter bson.D
	key := append(append([]byte(`{"_id":`), id...), '}')
	if err := bson.UnmarshalExtJSON(key, false, &filter); err != nil {
		return fmt.Errorf("decode _id: %w", err)
	}
	if _, err := w.coll.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
