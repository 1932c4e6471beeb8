// Package paperless implements engine.Gateway over the Paperless-ngx REST
// API. List calls walk every page and retry transient failures; create and
// delete calls are sent exactly once.
package paperless

import (
	"context"
	"fmt"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/taxonomy"
)

// Gateway is the production engine.Gateway.
type Gateway struct {
	client        *Client
	tags          *collection
	documentTypes *collection
	storagePaths  *collection
	customFields  *collection
}

var _ engine.Gateway = (*Gateway)(nil)

// New builds a gateway from client options.
func New(opts Options) (*Gateway, error) {
	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client), nil
}

// NewWithClient builds a gateway around an existing client.
func NewWithClient(client *Client) *Gateway {
	return &Gateway{
		client:        client,
		tags:          &collection{client: client, kind: taxonomy.KindTag, endpoint: "tags"},
		documentTypes: &collection{client: client, kind: taxonomy.KindDocumentType, endpoint: "document_types"},
		storagePaths:  &collection{client: client, kind: taxonomy.KindStoragePath, endpoint: "storage_paths"},
		customFields:  &collection{client: client, kind: taxonomy.KindCustomField, endpoint: "custom_fields"},
	}
}

// Client returns the underlying REST client.
func (g *Gateway) Client() *Client { return g.client }

// Tags returns the /api/tags/ collection.
func (g *Gateway) Tags() engine.ResourceCollection { return g.tags }

// DocumentTypes returns the /api/document_types/ collection.
func (g *Gateway) DocumentTypes() engine.ResourceCollection { return g.documentTypes }

// StoragePaths returns the /api/storage_paths/ collection.
func (g *Gateway) StoragePaths() engine.ResourceCollection { return g.storagePaths }

// CustomFields returns the /api/custom_fields/ collection.
func (g *Gateway) CustomFields() engine.ResourceCollection { return g.customFields }

type collection struct {
	client   *Client
	kind     taxonomy.Kind
	endpoint string
}

func (c *collection) List(ctx context.Context) ([]taxonomy.RemoteResource, error) {
	raw, err := c.client.listAll(ctx, c.endpoint)
	if err != nil {
		return nil, err
	}

	out := make([]taxonomy.RemoteResource, 0, len(raw))
	for i, item := range raw {
		res, err := decodeResource(c.kind, item)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("list %s: result %d is malformed", c.endpoint, i), err).WithCode(engine.ErrCodeInternal)
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *collection) Create(ctx context.Context, res taxonomy.DesiredResource) (taxonomy.RemoteResource, error) {
	if res.Kind() != c.kind {
		return taxonomy.RemoteResource{}, engine.NewPermanentError(
			fmt.Sprintf("%s sent to the %s collection", res, c.kind.Label()), nil).WithCode(engine.ErrCodeValidation)
	}

	payload, err := encodeResource(res)
	if err != nil {
		return taxonomy.RemoteResource{}, engine.NewPermanentError(
			fmt.Sprintf("encode %s", res), err).WithCode(engine.ErrCodeValidation)
	}

	body, err := c.client.post(ctx, c.endpoint, payload)
	if err != nil {
		return taxonomy.RemoteResource{}, err
	}

	created, err := decodeResource(c.kind, body)
	if err != nil {
		// The resource exists remotely but we cannot record its ID.
		return taxonomy.RemoteResource{}, engine.NewPermanentError(
			fmt.Sprintf("create %s: malformed response", res), err).WithCode(engine.ErrCodeInternal)
	}
	return created, nil
}

func (c *collection) Delete(ctx context.Context, id int64) error {
	return c.client.delete(ctx, c.endpoint, id)
}
