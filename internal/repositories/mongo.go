package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/familybubble/backend/internal/models"
)

const (
	mongoNodesCollection = "nodes"
	mongoEdgesCollection = "edges"
	mongoMaxUpdateTries  = 5
)

type nodeDocument struct {
	OwnerID     string    `bson:"_id"`
	BubbleID    string    `bson:"bubbleId"`
	Name        string    `bson:"name"`
	Status      string    `bson:"status"`
	Type        string    `bson:"type"`
	Tier        int       `bson:"tier"`
	Entitlement *string   `bson:"entitlement"`
	PhotoURL    string    `bson:"photoUrl"`
	BubbleName  string    `bson:"bubbleName"`
	CreatedAt   time.Time `bson:"createdAt"`
	LastUpdated time.Time `bson:"lastUpdated"`
	Version     int64     `bson:"version"`
}

type edgeDocument struct {
	ID            string     `bson:"_id"`
	FromNode      string     `bson:"fromNode"`
	ToNode        string     `bson:"toNode"`
	BubbleID      string     `bson:"bubbleId"`
	ReferralToken string     `bson:"referralToken"`
	Accepted      bool       `bson:"accepted"`
	Tier          int        `bson:"tier"`
	CreatedAt     time.Time  `bson:"createdAt"`
	AcceptedAt    *time.Time `bson:"acceptedAt,omitempty"`
}

// EnsureMongoIndexes creates the indexes the Mongo stores rely on: unique
// referral tokens and bubble membership lookups.
func EnsureMongoIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(mongoEdgesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "referralToken", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_referral_token"),
	})
	if err != nil {
		return fmt.Errorf("create edges token index: %w", err)
	}

	_, err = database.Collection(mongoNodesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "bubbleId", Value: 1}, {Key: "createdAt", Value: 1}},
		Options: options.Index().SetName("bubble_members"),
	})
	if err != nil {
		return fmt.Errorf("create nodes bubble index: %w", err)
	}

	return nil
}

// MongoStore implements NodeStore and ReferralStore on MongoDB. Redeem uses a
// multi-document transaction and therefore needs a replica set or mongos.
type MongoStore struct {
	client *mongo.Client
	nodes  *mongo.Collection
	edges  *mongo.Collection
}

// NewMongoStore constructs a store over the named database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client: client,
		nodes:  db.Collection(mongoNodesCollection),
		edges:  db.Collection(mongoEdgesCollection),
	}
}

// Get fetches a node by owner id.
func (s *MongoStore) Get(ctx context.Context, ownerID string) (models.Node, error) {
	doc, err := s.findNode(ctx, ownerID)
	if err != nil {
		return models.Node{}, err
	}
	return doc.toModel(), nil
}

// Set upserts the node and bumps its version.
func (s *MongoStore) Set(ctx context.Context, node models.Node) error {
	if err := upsertNodeDocument(ctx, s.nodes, node); err != nil {
		return err
	}
	return nil
}

// Update performs an optimistic read-modify-write guarded by the document version.
func (s *MongoStore) Update(ctx context.Context, ownerID string, mutate func(*models.Node) error) (models.Node, error) {
	for attempt := 0; attempt < mongoMaxUpdateTries; attempt++ {
		doc, err := s.findNode(ctx, ownerID)
		if err != nil {
			return models.Node{}, err
		}

		node := doc.toModel()
		if err := mutate(&node); err != nil {
			return models.Node{}, err
		}
		node.OwnerID = ownerID

		res, err := s.nodes.UpdateOne(ctx,
			bson.M{"_id": ownerID, "version": doc.Version},
			bson.M{
				"$set": nodeFields(node),
				"$inc": bson.M{"version": 1},
			},
		)
		if err != nil {
			return models.Node{}, fmt.Errorf("update node: %w", err)
		}
		if res.MatchedCount == 1 {
			return node, nil
		}
	}

	return models.Node{}, fmt.Errorf("update node %s: %w", ownerID, ErrConflict)
}

// ListByBubble returns the bubble's nodes ordered by creation time.
func (s *MongoStore) ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error) {
	cursor, err := s.nodes.Find(ctx,
		bson.M{"bubbleId": bubbleID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("query bubble nodes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []nodeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode bubble nodes: %w", err)
	}

	nodes := make([]models.Node, 0, len(docs))
	for _, doc := range docs {
		nodes = append(nodes, doc.toModel())
	}
	return nodes, nil
}

// Delete removes a node by owner id.
func (s *MongoStore) Delete(ctx context.Context, ownerID string) error {
	res, err := s.nodes.DeleteOne(ctx, bson.M{"_id": ownerID})
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEdge inserts a new referral edge.
func (s *MongoStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	_, err := s.edges.InsertOne(ctx, edgeDocument{
		ID:            edge.ID,
		FromNode:      edge.FromNode,
		ToNode:        edge.ToNode,
		BubbleID:      edge.BubbleID,
		ReferralToken: edge.ReferralToken,
		Accepted:      edge.Accepted,
		Tier:          edge.Tier,
		CreatedAt:     edge.CreatedAt.UTC(),
		AcceptedAt:    edge.AcceptedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// Redeem flips the edge with FindOneAndUpdate and upserts the node inside one
// session transaction; a build error aborts both writes.
func (s *MongoStore) Redeem(ctx context.Context, token, redeemerID string, build RedeemFunc) (models.Edge, models.Node, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return models.Edge{}, models.Node{}, fmt.Errorf("start mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	type redeemed struct {
		edge models.Edge
		node models.Node
	}

	result, err := session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		acceptedAt := time.Now().UTC()

		var doc edgeDocument
		err := s.edges.FindOneAndUpdate(txCtx,
			bson.M{"referralToken": token, "accepted": false},
			bson.M{"$set": bson.M{"accepted": true, "toNode": redeemerID, "acceptedAt": acceptedAt}},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("claim edge: %w", err)
		}

		edge := doc.toModel()
		node, err := build(edge)
		if err != nil {
			return nil, err
		}

		if err := upsertNodeDocument(txCtx, s.nodes, node); err != nil {
			return nil, err
		}

		edge.Accepted = true
		edge.ToNode = redeemerID
		edge.AcceptedAt = &acceptedAt

		return redeemed{edge: edge, node: node}, nil
	})
	if err != nil {
		return models.Edge{}, models.Node{}, err
	}

	out, ok := result.(redeemed)
	if !ok {
		return models.Edge{}, models.Node{}, errors.New("redeem: unexpected transaction result")
	}
	return out.edge, out.node, nil
}

func (s *MongoStore) findNode(ctx context.Context, ownerID string) (nodeDocument, error) {
	var doc nodeDocument
	if err := s.nodes.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nodeDocument{}, ErrNotFound
		}
		return nodeDocument{}, fmt.Errorf("select node: %w", err)
	}
	return doc, nil
}

func upsertNodeDocument(ctx context.Context, nodes *mongo.Collection, node models.Node) error {
	fields := nodeFields(node)
	fields["createdAt"] = node.CreatedAt.UTC()

	_, err := nodes.UpdateOne(ctx,
		bson.M{"_id": node.OwnerID},
		bson.M{
			"$set": fields,
			"$inc": bson.M{"version": 1},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func nodeFields(node models.Node) bson.M {
	return bson.M{
		"bubbleId":    node.BubbleID,
		"name":        node.Name,
		"status":      string(node.Status),
		"type":        string(node.Type),
		"tier":        node.Tier,
		"entitlement": node.Entitlement,
		"photoUrl":    node.PhotoURL,
		"bubbleName":  node.BubbleName,
		"lastUpdated": node.LastUpdated.UTC(),
	}
}

func (d nodeDocument) toModel() models.Node {
	return models.Node{
		OwnerID:     d.OwnerID,
		BubbleID:    d.BubbleID,
		Name:        d.Name,
		Status:      models.Status(d.Status),
		Type:        models.NodeType(d.Type),
		Tier:        d.Tier,
		Entitlement: d.Entitlement,
		PhotoURL:    d.PhotoURL,
		BubbleName:  d.BubbleName,
		CreatedAt:   d.CreatedAt.UTC(),
		LastUpdated: d.LastUpdated.UTC(),
	}
}

func (d edgeDocument) toModel() models.Edge {
	edge := models.Edge{
		ID:            d.ID,
		FromNode:      d.FromNode,
		ToNode:        d.ToNode,
		BubbleID:      d.BubbleID,
		ReferralToken: d.ReferralToken,
		Accepted:      d.Accepted,
		Tier:          d.Tier,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if d.AcceptedAt != nil {
		t := d.AcceptedAt.UTC()
		edge.AcceptedAt = &t
	}
	return edge
}

var _ NodeStore = (*MongoStore)(nil)
var _ ReferralStore = (*MongoStore)(nil)
