package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxRetries bounds the optimistic-concurrency retry loop. Contention on a
// single (user, seller) cart is rare, so a small bound suffices.
const maxRetries = 3

type MongoRepository struct {
	carts *mongo.Collection
	seqs  *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		carts: db.Collection("carts"),
		seqs:  db.Collection("reservation_seqs"),
	}
}

func (m *MongoRepository) GetCart(ctx context.Context, userID, sellerID string) (*domain.Cart, error) {
	var cart domain.Cart

	filter := bson.M{"user_id": userID, "seller_id": sellerID}
	err := m.carts.FindOne(ctx, filter).Decode(&cart)

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	return &cart, nil
}

func (m *MongoRepository) AddLine(ctx context.Context, userID, sellerID, productID string, quantity int, unitPrice int64) (*MutationResult, error) {
	var result *MutationResult

	err := m.withRetry(func() error {
		cart, err := m.GetCart(ctx, userID, sellerID)
		if err != nil && !errors.Is(err, ErrCartNotFound) {
			return err
		}

		now := time.Now()
		if cart == nil {
			seq, errSeq := m.seedSeq(ctx, userID, sellerID)
			if errSeq != nil {
				return errSeq
			}
			cart = &domain.Cart{
				UserID:    userID,
				SellerID:  sellerID,
				Version:   1,
				IntentSeq: seq,
				CreatedAt: now,
				UpdatedAt: now,
				Lines: []domain.CartLine{{
					ProductID: productID,
					Quantity:  quantity,
					UnitPrice: unitPrice,
					AddedAt:   now,
				}},
			}
			if _, err := m.carts.InsertOne(ctx, cart); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					// Lost the race against a concurrent first add.
					return ErrVersionConflict
				}
				return fmt.Errorf("failed to create cart: %w", err)
			}
			result = &MutationResult{PreviousQuantity: 0, Quantity: quantity, UnitPrice: unitPrice, Seq: seq}
			return nil
		}

		idx := cart.Line(productID)
		if idx < 0 {
			cart.Lines = append(cart.Lines, domain.CartLine{
				ProductID: productID,
				Quantity:  quantity,
				UnitPrice: unitPrice,
				AddedAt:   now,
			})
			result = &MutationResult{PreviousQuantity: 0, Quantity: quantity, UnitPrice: unitPrice}
		} else {
			prev := cart.Lines[idx].Quantity
			// Accumulate quantity, refresh to the latest unit price.
			cart.Lines[idx].Quantity = prev + quantity
			cart.Lines[idx].UnitPrice = unitPrice
			result = &MutationResult{PreviousQuantity: prev, Quantity: prev + quantity, UnitPrice: unitPrice}
		}
		return m.persist(ctx, cart, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *MongoRepository) SetLineQuantity(ctx context.Context, userID, sellerID, productID string, quantity int) (*MutationResult, error) {
	var result *MutationResult

	err := m.withRetry(func() error {
		cart, err := m.GetCart(ctx, userID, sellerID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrProductNotInCart
			}
			return err
		}

		idx := cart.Line(productID)
		if idx < 0 {
			return ErrProductNotInCart
		}

		prev := cart.Lines[idx].Quantity
		price := cart.Lines[idx].UnitPrice
		if quantity == 0 {
			cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
		} else {
			cart.Lines[idx].Quantity = quantity
		}
		result = &MutationResult{PreviousQuantity: prev, Quantity: quantity, UnitPrice: price}
		return m.persist(ctx, cart, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *MongoRepository) RemoveLine(ctx context.Context, userID, sellerID, productID string) (*MutationResult, error) {
	var result *MutationResult

	err := m.withRetry(func() error {
		cart, err := m.GetCart(ctx, userID, sellerID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrProductNotInCart
			}
			return err
		}

		idx := cart.Line(productID)
		if idx < 0 {
			return ErrProductNotInCart
		}

		prev := cart.Lines[idx].Quantity
		price := cart.Lines[idx].UnitPrice
		cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
		result = &MutationResult{PreviousQuantity: prev, Quantity: 0, UnitPrice: price}
		return m.persist(ctx, cart, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *MongoRepository) ListSellerCarts(ctx context.Context, userID string) ([]*domain.Cart, error) {
	filter := bson.M{"user_id": userID, "lines.0": bson.M{"$exists": true}}

	cursor, err := m.carts.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.Cart
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}
	return carts, nil
}

func (m *MongoRepository) DeleteCart(ctx context.Context, userID, sellerID string) error {
	filter := bson.M{"user_id": userID, "seller_id": sellerID}

	var cart domain.Cart
	err := m.carts.FindOneAndDelete(ctx, filter).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrCartNotFound
		}
		return fmt.Errorf("failed to delete cart: %w", err)
	}

	return m.advanceSeqWatermark(ctx, userID, sellerID, cart.IntentSeq)
}

// seedSeq issues the starting intent sequence for a fresh cart document. The
// watermark collection outlives cart deletion, so a recreated cart continues
// above every sequence its predecessor ever published.
func (m *MongoRepository) seedSeq(ctx context.Context, userID, sellerID string) (int64, error) {
	key := userID + "|" + sellerID

	filter := bson.M{"_id": key}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := m.seqs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, fmt.Errorf("failed to seed sequence for %s: %w", key, err)
	}
	return counter.Seq, nil
}

// advanceSeqWatermark records the highest sequence a deleted cart consumed.
func (m *MongoRepository) advanceSeqWatermark(ctx context.Context, userID, sellerID string, seq int64) error {
	key := userID + "|" + sellerID

	filter := bson.M{"_id": key}
	update := bson.M{"$max": bson.M{"seq": seq}}
	if _, err := m.seqs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to advance sequence watermark for %s: %w", key, err)
	}
	return nil
}

func (m *MongoRepository) FlagOutOfStock(ctx context.Context, productID string, outOfStock bool) ([]CartKey, error) {
	filter := bson.M{"lines": bson.M{"$elemMatch": bson.M{
		"product_id":   productID,
		"out_of_stock": bson.M{"$ne": outOfStock},
	}}}

	cursor, err := m.carts.Find(ctx, filter, options.Find().SetProjection(bson.M{
		"user_id":   1,
		"seller_id": 1,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to find affected carts: %w", err)
	}

	var affected []CartKey
	for cursor.Next(ctx) {
		var doc struct {
			UserID   string `bson:"user_id"`
			SellerID string `bson:"seller_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return nil, fmt.Errorf("failed to decode cart key: %w", err)
		}
		affected = append(affected, CartKey{UserID: doc.UserID, SellerID: doc.SellerID})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error while flagging stock: %w", err)
	}
	cursor.Close(ctx)

	if len(affected) == 0 {
		return nil, nil
	}

	update := bson.M{"$set": bson.M{"lines.$[elem].out_of_stock": outOfStock}}
	arrayFilters := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{
			bson.M{"elem.product_id": productID},
		},
	})
	if _, err := m.carts.UpdateMany(ctx, filter, update, arrayFilters); err != nil {
		return nil, fmt.Errorf("failed to flag stock on cart lines: %w", err)
	}

	return affected, nil
}

// persist writes the mutated cart back, conditional on the version read, and
// stamps the mutation's intent sequence into result. The sequence is the
// intent_seq counter advanced by the same conditional write, so it cannot
// invert commit order. An empty cart is deleted rather than stored.
func (m *MongoRepository) persist(ctx context.Context, cart *domain.Cart, result *MutationResult) error {
	filter := bson.M{
		"user_id":   cart.UserID,
		"seller_id": cart.SellerID,
		"version":   cart.Version,
	}
	seq := cart.IntentSeq + 1

	if cart.IsEmpty() {
		res, err := m.carts.DeleteOne(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to delete emptied cart: %w", err)
		}
		if res.DeletedCount == 0 {
			return ErrVersionConflict
		}
		result.Seq = seq
		return m.advanceSeqWatermark(ctx, cart.UserID, cart.SellerID, seq)
	}

	update := bson.M{
		"$set": bson.M{
			"lines":      cart.Lines,
			"updated_at": time.Now(),
		},
		"$inc": bson.M{
			"version":    int64(1),
			"intent_seq": int64(1),
		},
	}
	res, err := m.carts.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update cart: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrVersionConflict
	}
	result.Seq = seq
	return nil
}

func (m *MongoRepository) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "seller_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "lines.product_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	_, err := m.carts.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
