package catalog

import (
	"context"
	"fmt"
	"time"

	"finitefield.org/ebookstore/internal/platform/storage"
)

// URLSigner produces short-lived download URLs for stored objects.
type URLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// AssetResolver turns cover and preview references into URLs a browser can load.
type AssetResolver struct {
	signer URLSigner
	ttl    time.Duration
}

// NewAssetResolver builds a resolver. A nil signer serves every reference as a static path.
func NewAssetResolver(signer URLSigner, ttl time.Duration) *AssetResolver {
	return &AssetResolver{signer: signer, ttl: ttl}
}

// URL resolves ref. gs:// references are signed; anything else is returned as-is.
func (r *AssetResolver) URL(ctx context.Context, ref string) (string, error) {
	if r == nil || !storage.IsGSURI(ref) {
		return ref, nil
	}
	if r.signer == nil {
		return "", fmt.Errorf("catalog: no signer configured for %s", ref)
	}
	bucket, object, err := storage.ParseGSURI(ref)
	if err != nil {
		return "", err
	}
	res, err := r.signer.SignedDownloadURL(ctx, bucket, object, storage.DownloadOptions{ExpiresIn: r.ttl})
	if err != nil {
		return "", fmt.Errorf("catalog: sign %s: %w", ref, err)
	}
	return res.URL, nil
}
