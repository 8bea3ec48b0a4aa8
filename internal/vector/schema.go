package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema checks if the required classes exist and creates them if not.
// Vectors are provided by the embedder, so both classes run vectorizer "none".
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	chunkProps := []*models.Property{
		{
			Name:     "fingerprint",
			DataType: []string{"string"}, // hash, exact match
		},
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:     "sourceId",
			DataType: []string{"string"},
		},
		{
			Name:     "sourceKind",
			DataType: []string{"string"},
		},
		{
			Name:     "recordIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "timestamp",
			DataType: []string{"date"},
		},
		{
			Name:     "metadata",
			DataType: []string{"text"}, // opaque JSON blob, passed through
		},
	}

	if err := ensureClass(ctx, client, &models.Class{
		Class:       ClassChunk,
		Description: "An embedded chunk of a canonical memory record",
		Vectorizer:  "none",
		Properties:  chunkProps,
	}); err != nil {
		return err
	}

	return ensureClass(ctx, client, &models.Class{
		Class:       ClassMeta,
		Description: "Collection-level metadata, including the embedding model identity",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:     "embeddingModel",
				DataType: []string{"string"},
			},
		},
	})
}

func ensureClass(ctx context.Context, client SchemaClient, class *models.Class) error {
	exists, err := client.ClassExists(ctx, class.Class)
	if err != nil {
		return err
	}
	if !exists {
		return client.CreateClass(ctx, class)
	}

	// Class exists, check for missing properties
	existing, err := client.GetClass(ctx, class.Class)
	if err != nil {
		return err
	}
	existingProps := make(map[string]bool)
	for _, p := range existing.Properties {
		existingProps[p.Name] = true
	}
	for _, p := range class.Properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, class.Class, p); err != nil {
				return err
			}
		}
	}
	return nil
}
