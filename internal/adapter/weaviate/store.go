package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/debugonezero/plug-memory/internal/ingest"
	"github.com/debugonezero/plug-memory/internal/record"
	"github.com/debugonezero/plug-memory/internal/vector"
)

// Object IDs are derived from fingerprints, so a batch import of an already
// indexed chunk overwrites it in place. That is the whole upsert story.
var idNamespace = uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")

const maxSourceFingerprints = 10000

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func objectID(fingerprint string) string {
	return uuid.NewSHA1(idNamespace, []byte(fingerprint)).String()
}

func metaObjectID() string {
	return uuid.NewSHA1(idNamespace, []byte("embedding-model")).String()
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", vector.ErrStoreUnavailable, err)
}

func (s *Store) Upsert(ctx context.Context, entries []ingest.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	batcher := s.client.Batch().ObjectsBatcher()
	for _, e := range entries {
		props := map[string]interface{}{
			"fingerprint": e.Fingerprint,
			"content":     e.Text,
			"sourceId":    e.SourceID,
			"sourceKind":  string(e.Kind),
			"recordIndex": e.Record,
			"chunkIndex":  e.Seq,
		}
		if !e.Timestamp.IsZero() {
			props["timestamp"] = e.Timestamp.Format(time.RFC3339)
		}
		if len(e.Metadata) > 0 {
			blob, err := json.Marshal(e.Metadata)
			if err == nil {
				props["metadata"] = string(blob)
			}
		}
		batcher = batcher.WithObjects(&models.Object{
			Class:      vector.ClassChunk,
			ID:         strfmt.UUID(objectID(e.Fingerprint)),
			Properties: props,
			Vector:     e.Vector,
		})
	}

	res, err := batcher.Do(ctx)
	if err != nil {
		return 0, storeErr(err)
	}

	written := 0
	for _, obj := range res {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			continue
		}
		written++
	}
	if written == 0 {
		return 0, storeErr(fmt.Errorf("batch import rejected all %d objects", len(entries)))
	}
	return written, nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int, error) {
	res, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassChunk).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"sourceId"}).
			WithOperator(filters.Equal).
			WithValueString(sourceID)).
		Do(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	if res == nil || res.Results == nil {
		return 0, nil
	}
	return int(res.Results.Successful), nil
}

func (s *Store) DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error) {
	if len(fingerprints) == 0 {
		return 0, nil
	}
	res, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassChunk).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"fingerprint"}).
			WithOperator(filters.ContainsAny).
			WithValueText(fingerprints...)).
		Do(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	if res == nil || res.Results == nil {
		return 0, nil
	}
	return int(res.Results.Successful), nil
}

func (s *Store) FingerprintsBySource(ctx context.Context, sourceID string) ([]string, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassChunk).
		WithWhere(filters.Where().
			WithPath([]string{"sourceId"}).
			WithOperator(filters.Equal).
			WithValueString(sourceID)).
		WithLimit(maxSourceFingerprints).
		WithFields(graphql.Field{Name: "fingerprint"}).
		Do(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(res.Errors) > 0 {
		return nil, storeErr(fmt.Errorf("graphql error: %v", res.Errors))
	}

	var fps []string
	for _, props := range getObjects(res.Data, vector.ClassChunk) {
		if fp, ok := props["fingerprint"].(string); ok {
			fps = append(fps, fp)
		}
	}
	return fps, nil
}

func (s *Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := s.client.Data().Checker().
		WithClassName(vector.ClassChunk).
		WithID(objectID(fingerprint)).
		Do(ctx)
	if err != nil {
		return false, storeErr(err)
	}
	return ok, nil
}

func (s *Store) Search(ctx context.Context, vec []float32, topK int, filter vector.Filter) ([]vector.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "fingerprint"},
		{Name: "content"},
		{Name: "sourceId"},
		{Name: "sourceKind"},
		{Name: "recordIndex"},
		{Name: "chunkIndex"},
		{Name: "timestamp"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(vector.ClassChunk).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(fields...)
	if where := buildWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(res.Errors) > 0 {
		return nil, storeErr(fmt.Errorf("graphql error: %v", res.Errors))
	}

	var hits []vector.Hit
	for _, props := range getObjects(res.Data, vector.ClassChunk) {
		hit := vector.Hit{}
		if fp, ok := props["fingerprint"].(string); ok {
			hit.Fingerprint = fp
		}
		if content, ok := props["content"].(string); ok {
			hit.Text = content
		}
		if sID, ok := props["sourceId"].(string); ok {
			hit.SourceID = sID
		}
		if kind, ok := props["sourceKind"].(string); ok {
			hit.Kind = record.SourceKind(kind)
		}
		if ord, ok := props["recordIndex"].(float64); ok {
			hit.Record = int(ord)
		}
		if idx, ok := props["chunkIndex"].(float64); ok {
			hit.Seq = int(idx)
		}
		if ts, ok := props["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				hit.Timestamp = t
			}
		}
		if blob, ok := props["metadata"].(string); ok && blob != "" {
			var md map[string]string
			if err := json.Unmarshal([]byte(blob), &md); err == nil {
				hit.Metadata = md
			}
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.Score = parseScore(additional["certainty"])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassChunk).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	if len(res.Errors) > 0 {
		return 0, storeErr(fmt.Errorf("graphql error: %v", res.Errors))
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := data[vector.ClassChunk].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

// Sources lists the distinct source IDs in the index with their chunk
// counts, via an aggregate grouped on sourceId.
func (s *Store) Sources(ctx context.Context) ([]vector.SourceSummary, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassChunk).
		WithGroupBy("sourceId").
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
		).
		Do(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(res.Errors) > 0 {
		return nil, storeErr(fmt.Errorf("graphql error: %v", res.Errors))
	}

	var sources []vector.SourceSummary
	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := data[vector.ClassChunk].([]interface{}); ok {
			for _, r := range rows {
				row, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				summary := vector.SourceSummary{}
				if grouped, ok := row["groupedBy"].(map[string]interface{}); ok {
					if id, ok := grouped["value"].(string); ok {
						summary.ID = id
					}
				}
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						summary.Chunks = int(count)
					}
				}
				if summary.ID != "" {
					sources = append(sources, summary)
				}
			}
		}
	}
	return sources, nil
}

// EmbeddingModelID reads the model recorded for the collection. An empty
// string means nothing was ever ingested.
func (s *Store) EmbeddingModelID(ctx context.Context) (string, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassMeta).
		WithLimit(1).
		WithFields(graphql.Field{Name: "embeddingModel"}).
		Do(ctx)
	if err != nil {
		return "", storeErr(err)
	}
	if len(res.Errors) > 0 {
		return "", storeErr(fmt.Errorf("graphql error: %v", res.Errors))
	}

	for _, props := range getObjects(res.Data, vector.ClassMeta) {
		if model, ok := props["embeddingModel"].(string); ok {
			return model, nil
		}
	}
	return "", nil
}

func (s *Store) SetEmbeddingModelID(ctx context.Context, model string) error {
	_, err := s.client.Data().Creator().
		WithClassName(vector.ClassMeta).
		WithID(metaObjectID()).
		WithProperties(map[string]interface{}{
			"embeddingModel": model,
		}).
		Do(ctx)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func buildWhere(filter vector.Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.Kind != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"sourceKind"}).
			WithOperator(filters.Equal).
			WithValueString(string(filter.Kind)))
	}
	if filter.SourceID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"sourceId"}).
			WithOperator(filters.Equal).
			WithValueString(filter.SourceID))
	}
	if !filter.Since.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(filter.Since))
	}
	if !filter.Until.IsZero() {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.LessThanEqual).
			WithValueDate(filter.Until))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func getObjects(data map[string]models.JSONObject, className string) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[className].([]interface{})
	if !ok {
		return nil
	}
	var objs []map[string]interface{}
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			objs = append(objs, props)
		}
	}
	return objs
}

func parseScore(v interface{}) float32 {
	switch s := v.(type) {
	case float64:
		return float32(s)
	case string:
		var f float64
		fmt.Sscanf(s, "%f", &f)
		return float32(f)
	default:
		return 0
	}
}
