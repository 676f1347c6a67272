package usage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoDBReader implements UsageReader for MongoDB.
type MongoDBReader struct {
	collection *mongo.Collection
}

// NewMongoDBReader creates a new MongoDB usage reader.
func NewMongoDBReader(database *mongo.Database) (*MongoDBReader, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &MongoDBReader{collection: database.Collection(tableName)}, nil
}

func mongoMatch(params UsageQueryParams) bson.A {
	start, end := params.bounds()
	rng := bson.D{}
	if !start.IsZero() {
		rng = append(rng, bson.E{Key: "$gte", Value: start})
	}
	if !end.IsZero() {
		rng = append(rng, bson.E{Key: "$lt", Value: end})
	}
	if len(rng) == 0 {
		return bson.A{}
	}
	return bson.A{bson.D{{Key: "$match", Value: bson.D{{Key: "timestamp", Value: rng}}}}}
}

func countIf(cond bson.D) bson.D {
	return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{cond, 1, 0}}}}}
}

func succeeded(status string) bson.D {
	return bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$cache_status", status}}},
		bson.D{{Key: "$eq", Value: bson.A{"$error_type", ""}}},
	}}}
}

var failed = bson.D{{Key: "$ne", Value: bson.A{"$error_type", ""}}}

func (r *MongoDBReader) GetSummary(ctx context.Context, params UsageQueryParams) (*UsageSummary, error) {
	pipeline := mongoMatch(params)
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: nil},
		{Key: "total_requests", Value: bson.D{{Key: "$sum", Value: 1}}},
		{Key: "cache_hits", Value: countIf(succeeded("hit"))},
		{Key: "cache_misses", Value: countIf(succeeded("miss"))},
		{Key: "errors", Value: countIf(failed)},
		{Key: "bytes_served", Value: bson.D{{Key: "$sum", Value: "$bytes"}}},
		{Key: "text_chars", Value: bson.D{{Key: "$sum", Value: "$text_chars"}}},
		{Key: "avg_synthesis_ms", Value: bson.D{{Key: "$avg", Value: bson.D{{Key: "$cond", Value: bson.A{
			succeeded("miss"), "$duration_ms", nil,
		}}}}}},
	}}})

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage summary: %w", err)
	}
	defer cursor.Close(ctx)

	summary := &UsageSummary{}
	if cursor.Next(ctx) {
		var result struct {
			TotalRequests  int      `bson:"total_requests"`
			CacheHits      int      `bson:"cache_hits"`
			CacheMisses    int      `bson:"cache_misses"`
			Errors         int      `bson:"errors"`
			BytesServed    int64    `bson:"bytes_served"`
			TextChars      int64    `bson:"text_chars"`
			AvgSynthesisMs *float64 `bson:"avg_synthesis_ms"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode usage summary: %w", err)
		}
		summary.TotalRequests = result.TotalRequests
		summary.CacheHits = result.CacheHits
		summary.CacheMisses = result.CacheMisses
		summary.Errors = result.Errors
		summary.BytesServed = result.BytesServed
		summary.TextChars = result.TextChars
		if result.AvgSynthesisMs != nil {
			summary.AvgSynthesisMs = *result.AvgSynthesisMs
		}
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary cursor: %w", err)
	}
	return summary, nil
}

func mongoDateFormat(interval string) string {
	switch interval {
	case IntervalWeekly:
		return "%G-W%V"
	case IntervalMonthly:
		return "%Y-%m"
	case IntervalYearly:
		return "%Y"
	default:
		return "%Y-%m-%d"
	}
}

func (r *MongoDBReader) GetDailyUsage(ctx context.Context, params UsageQueryParams) ([]DailyUsage, error) {
	pipeline := mongoMatch(params)
	pipeline = append(pipeline,
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "$dateToString", Value: bson.D{
				{Key: "format", Value: mongoDateFormat(params.interval())},
				{Key: "date", Value: "$timestamp"},
			}}}},
			{Key: "requests", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "cache_hits", Value: countIf(succeeded("hit"))},
			{Key: "cache_misses", Value: countIf(succeeded("miss"))},
			{Key: "errors", Value: countIf(failed)},
			{Key: "bytes_served", Value: bson.D{{Key: "$sum", Value: "$bytes"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily usage: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]DailyUsage, 0)
	for cursor.Next(ctx) {
		var row struct {
			Date        string `bson:"_id"`
			Requests    int    `bson:"requests"`
			CacheHits   int    `bson:"cache_hits"`
			CacheMisses int    `bson:"cache_misses"`
			Errors      int    `bson:"errors"`
			BytesServed int64  `bson:"bytes_served"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode daily usage row: %w", err)
		}
		result = append(result, DailyUsage{
			Date:        row.Date,
			Requests:    row.Requests,
			CacheHits:   row.CacheHits,
			CacheMisses: row.CacheMisses,
			Errors:      row.Errors,
			BytesServed: row.BytesServed,
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily usage cursor: %w", err)
	}
	return result, nil
}
