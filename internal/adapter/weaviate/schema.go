package weaviate

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient exposes the schema surface of the client in the shape
// vector.EnsureSchema consumes, so schema bootstrap stays testable without a
// running instance.
type SchemaClient struct {
	client *weaviate.Client
}

func NewSchemaClient(client *weaviate.Client) *SchemaClient {
	return &SchemaClient{client: client}
}

func (c *SchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return c.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (c *SchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	return c.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (c *SchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return c.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (c *SchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return c.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
