// Package ports declares the small interfaces the application layer
// consumes from the outside world.
package ports

import (
	"context"
	"hash/fnv"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Embedder turns text into a vector for semantic recall. Implementations
// wrap whatever embedding provider is configured; nil means the semantic
// term is disabled.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// StaticEmbedder is a deterministic hash-based embedder. It gives stable,
// cheap vectors with no external service: identical text embeds
// identically, so exact-duplicate content scores full similarity.
type StaticEmbedder struct {
	Dims int
}

func (e StaticEmbedder) Dimensions() int { return e.Dims }

func (e StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, e.Dims)
	h := fnv.New64a()
	for i := range out {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		out[i] = float32(int64(h.Sum64()%2048)-1024) / 1024
	}
	return out, nil
}
