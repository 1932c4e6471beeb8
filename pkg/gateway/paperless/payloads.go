package paperless

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/papersync/papersync/pkg/taxonomy"
)

// Request bodies of the create endpoints.
type (
	tagPayload struct {
		Name  string `json:"name"`
		Color string `json:"color,omitempty"`
	}

	documentTypePayload struct {
		Name string `json:"name"`
	}

	storagePathPayload struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}

	customFieldPayload struct {
		Name      string           `json:"name"`
		DataType  string           `json:"data_type"`
		ExtraData *customFieldData `json:"extra_data,omitempty"`
	}

	customFieldData struct {
		SelectOptions []string `json:"select_options"`
	}
)

// remoteItem holds the fields of a list or create response the engine reads.
type remoteItem struct {
	ID   *int64 `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

func encodeResource(res taxonomy.DesiredResource) (any, error) {
	switch res.Kind() {
	case taxonomy.KindTag:
		attrs, _ := res.TagAttributes()
		return tagPayload{Name: res.Name(), Color: attrs.Color}, nil
	case taxonomy.KindDocumentType:
		return documentTypePayload{Name: res.Name()}, nil
	case taxonomy.KindStoragePath:
		return storagePathPayload{Name: res.Name(), Path: res.NaturalKey()}, nil
	case taxonomy.KindCustomField:
		attrs, ok := res.CustomFieldAttributes()
		if !ok {
			return nil, fmt.Errorf("%s has no custom field attributes", res)
		}
		payload := customFieldPayload{Name: res.Name(), DataType: string(attrs.DataType)}
		if attrs.DataType == taxonomy.FieldSelect {
			payload.ExtraData = &customFieldData{SelectOptions: attrs.Options}
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", res.Kind())
	}
}

// decodeResource reads one remote item. Storage paths are keyed by their
// normalized path, everything else by name.
func decodeResource(kind taxonomy.Kind, raw json.RawMessage) (taxonomy.RemoteResource, error) {
	var item remoteItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return taxonomy.RemoteResource{}, err
	}
	if item.ID == nil {
		return taxonomy.RemoteResource{}, fmt.Errorf("missing id")
	}

	res := taxonomy.RemoteResource{Kind: kind, ID: *item.ID, Name: item.Name}
	if kind == taxonomy.KindStoragePath {
		res.NaturalKey = taxonomy.NormalizePath(item.Path)
	} else {
		res.NaturalKey = strings.TrimSpace(item.Name)
	}
	if res.NaturalKey == "" {
		return taxonomy.RemoteResource{}, fmt.Errorf("%s %d has an empty natural key", kind.Label(), res.ID)
	}
	return res, nil
}
