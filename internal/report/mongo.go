package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/frahmantamala/storefront-payments/pkg/mongodb"
)

type MongoSource struct {
	coll *mongo.Collection
}

func NewMongoSource(db *mongo.Database) *MongoSource {
	return &MongoSource{coll: db.Collection("payments")}
}

type mongoSummary struct {
	CompletedCount  int                  `bson:"completed_count"`
	CompletedAmount primitive.Decimal128 `bson:"completed_amount"`
	FailedCount     int                  `bson:"failed_count"`
	RefundedAmount  primitive.Decimal128 `bson:"refunded_amount"`
}

func (s *MongoSource) Summarize(ctx context.Context, from, to time.Time) (Summary, error) {
	paid := bson.A{"completed", "refunded", "partial_refund"}
	failed := bson.A{"failed", "timeout", "expired", "cancelled"}
	inStatus := func(set bson.A) bson.M {
		return bson.M{"$in": bson.A{"$status", set}}
	}
	zero := mongodb.Decimal128(decimal.Zero)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": from, "$lt": to}}}},
		{{Key: "$project", Value: bson.M{
			"status":        1,
			"actual_amount": 1,
			"refunded": bson.M{"$sum": bson.M{"$map": bson.M{
				"input": bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$refunds", bson.A{}}},
					"as":    "r",
					"cond":  bson.M{"$eq": bson.A{"$$r.status", "completed"}},
				}},
				"as": "r",
				"in": "$$r.amount",
			}}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":              nil,
			"completed_count":  bson.M{"$sum": bson.M{"$cond": bson.A{inStatus(paid), 1, 0}}},
			"completed_amount": bson.M{"$sum": bson.M{"$cond": bson.A{inStatus(paid), bson.M{"$ifNull": bson.A{"$actual_amount", zero}}, zero}}},
			"failed_count":     bson.M{"$sum": bson.M{"$cond": bson.A{inStatus(failed), 1, 0}}},
			"refunded_amount":  bson.M{"$sum": bson.M{"$toDecimal": "$refunded"}},
		}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return Summary{}, err
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return Summary{CompletedAmount: decimal.Zero, RefundedAmount: decimal.Zero}, cur.Err()
	}
	var row mongoSummary
	if err := cur.Decode(&row); err != nil {
		return Summary{}, err
	}
	return Summary{
		CompletedCount:  row.CompletedCount,
		CompletedAmount: mongodb.Decimal(row.CompletedAmount),
		FailedCount:     row.FailedCount,
		RefundedAmount:  mongodb.Decimal(row.RefundedAmount),
	}, nil
}
