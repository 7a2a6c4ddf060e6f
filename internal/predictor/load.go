package predictor

import (
	"context"
	"fmt"

	"modelplane/internal/artifact"
	"modelplane/internal/model"
)

// LoadModel fetches and decodes the artifact at uri.
// file:// URIs are read directly; other schemes go through store.
func LoadModel(ctx context.Context, store artifact.Store, uri string) (*model.LinearRegression, error) {
	var (
		b   []byte
		err error
	)
	switch artifact.Scheme(uri) {
	case "", "file":
		b, err = artifact.ReadFile(uri)
	default:
		if store == nil {
			return nil, fmt.Errorf("no artifact store configured for %s", uri)
		}
		b, err = store.Get(ctx, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", uri, err)
	}
	return model.Unmarshal(b)
}
