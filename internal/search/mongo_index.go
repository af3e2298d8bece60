package search

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/shopflow/framework/adapters/repository"
	"github.com/akriventsev/shopflow/framework/core"
)

// DefaultCollection коллекция поисковых документов
const DefaultCollection = "search_documents"

// defaultRankBatch сколько кандидатов prefilter ранжируется за раз
const defaultRankBatch = 1000

const mongoDuplicateKey = 11000

type mongoDocument struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	Price       string    `bson:"price"`
	ImageURL    *string   `bson:"image_url,omitempty"`
	IndexedAt   time.Time `bson:"indexed_at"`
	Tokens      []string  `bson:"tokens"`
}

func toMongo(d Document) mongoDocument {
	tokens := append(Tokenize(d.Name), Tokenize(d.Description)...)
	return mongoDocument{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.Price.String(),
		ImageURL:    d.ImageURL,
		IndexedAt:   d.IndexedAt.UTC(),
		Tokens:      tokens,
	}
}

func (m mongoDocument) document() (Document, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return Document{}, core.Wrap(err, core.ErrMalformedEvent, "invalid stored price "+m.Price)
	}
	return Document{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Price:       price,
		ImageURL:    m.ImageURL,
		IndexedAt:   m.IndexedAt.UTC(),
	}, nil
}

// MongoIndex IndexStore поверх коллекции MongoDB.
// Условная замена: фильтр {_id, indexed_at <= new} с upsert. Если сохранен более
// свежий документ, фильтр не совпадает и upsert падает на duplicate key,
// что означает пропуск записи.
type MongoIndex struct {
	client     *repository.MongoClient
	collection string
	rankBatch  int
}

// NewMongoIndex создает индекс. Клиент должен быть запущен до первого вызова.
func NewMongoIndex(client *repository.MongoClient, collection string) *MongoIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MongoIndex{client: client, collection: collection, rankBatch: defaultRankBatch}
}

func (m *MongoIndex) coll() (*mongo.Collection, error) {
	db := m.client.Database()
	if db == nil {
		return nil, core.NewError(core.ErrTransientInfra, "mongodb client is not started")
	}
	return db.Collection(m.collection), nil
}

func replaceFilter(d Document) bson.M {
	return bson.M{"_id": d.ID, "indexed_at": bson.M{"$lte": d.IndexedAt.UTC()}}
}

// EnsureIndexes создает индексы по токенам и indexed_at
func (m *MongoIndex) EnsureIndexes(ctx context.Context) error {
	coll, err := m.coll()
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tokens", Value: 1}}},
		{Keys: bson.D{{Key: "indexed_at", Value: 1}}},
	})
	return repository.ClassifyMongoError(err, "failed to create search indexes")
}

// Upsert реализует IndexStore
func (m *MongoIndex) Upsert(ctx context.Context, doc Document) (bool, error) {
	coll, err := m.coll()
	if err != nil {
		return false, err
	}
	_, err = coll.ReplaceOne(ctx, replaceFilter(doc), toMongo(doc), options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, repository.ClassifyMongoError(err, "failed to upsert document "+doc.ID)
	}
	return true, nil
}

// BulkReplace реализует IndexStore одним неупорядоченным bulk write
func (m *MongoIndex) BulkReplace(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	coll, err := m.coll()
	if err != nil {
		return 0, err
	}

	models := make([]mongo.WriteModel, len(docs))
	for i, doc := range docs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(replaceFilter(doc)).
			SetReplacement(toMongo(doc)).
			SetUpsert(true)
	}

	result, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	written := 0
	if result != nil {
		written = int(result.MatchedCount + result.UpsertedCount)
	}
	if err == nil {
		return written, nil
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && bulkErr.WriteConcernError == nil {
		for _, we := range bulkErr.WriteErrors {
			if we.Code != mongoDuplicateKey {
				return written, repository.ClassifyMongoError(err, "failed to bulk replace documents")
			}
		}
		return written, nil
	}
	return written, repository.ClassifyMongoError(err, "failed to bulk replace documents")
}

// Query реализует IndexStore: prefilter по префиксам токенов, ранжирование общим scorer.
// Курсор читается целиком, в памяти остаются только лучшие limit кандидатов,
// поэтому порядок хранения в коллекции на выдачу не влияет.
func (m *MongoIndex) Query(ctx context.Context, q Query, limit int) ([]Document, error) {
	if q.IsEmpty() {
		return []Document{}, nil
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}

	clauses := make(bson.A, 0, len(q.Tokens))
	for _, token := range q.Tokens {
		clauses = append(clauses, bson.M{"tokens": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(token)}})
	}
	opts := options.Find().
		SetProjection(bson.M{"tokens": 0}).
		SetBatchSize(int32(m.rankBatch))
	cursor, err := coll.Find(ctx, bson.M{"$or": clauses}, opts)
	if err != nil {
		return nil, repository.ClassifyMongoError(err, "failed to query search index")
	}
	defer func() { _ = cursor.Close(ctx) }()

	top := NewTopK(q, limit, m.rankBatch)
	for cursor.Next(ctx) {
		var stored mongoDocument
		if err := cursor.Decode(&stored); err != nil {
			return nil, repository.ClassifyMongoError(err, "failed to decode search result")
		}
		doc, err := stored.document()
		if err != nil {
			return nil, err
		}
		top.Add(doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, repository.ClassifyMongoError(err, "failed to read search results")
	}
	return documents(top.Results()), nil
}

// Get реализует IndexStore
func (m *MongoIndex) Get(ctx context.Context, id string) (core.Option[Document], error) {
	coll, err := m.coll()
	if err != nil {
		return core.None[Document](), err
	}
	var stored mongoDocument
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return core.None[Document](), nil
	}
	if err != nil {
		return core.None[Document](), repository.ClassifyMongoError(err, "failed to load document "+id)
	}
	doc, err := stored.document()
	if err != nil {
		return core.None[Document](), err
	}
	return core.Some(doc), nil
}

// Prune реализует IndexStore
func (m *MongoIndex) Prune(ctx context.Context, before time.Time) (int, error) {
	coll, err := m.coll()
	if err != nil {
		return 0, err
	}
	result, err := coll.DeleteMany(ctx, bson.M{"indexed_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, repository.ClassifyMongoError(err, "failed to prune search index")
	}
	return int(result.DeletedCount), nil
}
