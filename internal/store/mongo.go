package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultMongoDatabase    = "ElderData"
	peopleCollection        = "People"
	conversationsCollection = "Conversations"
)

// personDoc adds the insertion timestamp used to break name ties.
type personDoc struct {
	Person    `bson:",inline"`
	CreatedAt time.Time `bson:"created_at"`
}

type conversationDoc struct {
	Conversation `bson:",inline"`
	CreatedAt    time.Time `bson:"created_at"`
}

// MongoStore keeps People and Conversations as documents in two collections.
type MongoStore struct {
	client        *mongo.Client
	people        *mongo.Collection
	conversations *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		people:        db.Collection(peopleCollection),
		conversations: db.Collection(conversationsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.people.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create people name index: %w", err)
	}
	return nil
}

func (s *MongoStore) InsertPerson(ctx context.Context, p Person) (string, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	p = clonePerson(p)
	p.Conversations = dedupe(p.Conversations)
	_, err := s.people.InsertOne(ctx, personDoc{Person: p, CreatedAt: time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("insert person %s: %w", p.ID, ErrWriteRejected)
	}
	if err != nil {
		return "", fmt.Errorf("insert person: %w", err)
	}
	return p.ID, nil
}

func (s *MongoStore) InsertConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	_, err := s.conversations.InsertOne(ctx, conversationDoc{Conversation: cloneConversation(c), CreatedAt: time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("insert conversation %s: %w", c.ID, ErrWriteRejected)
	}
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return c.ID, nil
}

func (s *MongoStore) GetPerson(ctx context.Context, ref PersonRef) (Person, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var doc personDoc
	err := s.people.FindOne(ctx, personFilter(ref), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Person{}, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return Person{}, fmt.Errorf("get person: %w", err)
	}
	return clonePerson(doc.Person), nil
}

func (s *MongoStore) ListPeople(ctx context.Context) ([]Person, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.people.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query people: %w", err)
	}
	var docs []personDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode people: %w", err)
	}
	out := make([]Person, 0, len(docs))
	for _, d := range docs {
		out = append(out, clonePerson(d.Person))
	}
	return out, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return cloneConversation(doc.Conversation), nil
}

func (s *MongoStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.findConversations(ctx, bson.D{})
}

func (s *MongoStore) ConversationsByID(ctx context.Context, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return []Conversation{}, nil
	}
	found, err := s.findConversations(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, found), nil
}

func (s *MongoStore) findConversations(ctx context.Context, filter bson.D) ([]Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, cloneConversation(d.Conversation))
	}
	return out, nil
}

func (s *MongoStore) AddConversationToPerson(ctx context.Context, ref PersonRef, conversationID string) (bool, error) {
	id, err := s.resolveID(ctx, ref)
	if err != nil {
		return false, err
	}
	res, err := s.people.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "conversations", Value: conversationID}}}},
	)
	if err != nil {
		return false, fmt.Errorf("link conversation %s to person %s: %w", conversationID, id, err)
	}
	if res.MatchedCount == 0 {
		return false, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) UpdatePerson(ctx context.Context, ref PersonRef, patch PersonPatch) (bool, error) {
	id, err := s.resolveID(ctx, ref)
	if err != nil {
		return false, err
	}
	set := bson.D{}
	if patch.Name != nil {
		set = append(set, bson.E{Key: "name", Value: *patch.Name})
	}
	if patch.Role != nil {
		set = append(set, bson.E{Key: "role", Value: *patch.Role})
	}
	if len(set) == 0 {
		return false, nil
	}
	res, err := s.people.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return false, fmt.Errorf("update person %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return false, fmt.Errorf("person %s: %w", ref, ErrNotFound)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) resolveID(ctx context.Context, ref PersonRef) (string, error) {
	if ref.ID != "" {
		return ref.ID, nil
	}
	p, err := s.GetPerson(ctx, ref)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func personFilter(ref PersonRef) bson.D {
	if ref.ID != "" {
		return bson.D{{Key: "_id", Value: ref.ID}}
	}
	return bson.D{{Key: "name", Value: ref.Name}}
}

// DropDatabase removes the whole database. Used by integration tests.
func (s *MongoStore) DropDatabase(ctx context.Context) error {
	return s.people.Database().Drop(ctx)
}
