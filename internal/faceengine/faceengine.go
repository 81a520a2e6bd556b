// Package faceengine is the C9 model ensemble: a compile-time registry of
// named embedder adapters, replacing original_source's dotted-path dynamic
// import (ml_models/face_recognition/inference/{mobilefacenet,
// arcface_resnet50, arcface_resnet100, adaface, w600k_r50}.py) per
// REDESIGN FLAGS — Go has no runtime import-by-string, so dispatch is a
// map literal instead. Each adapter here is a deterministic stub: it
// implements the Embedder contract the consensus engine depends on, but
// carries no real model weights, per spec.md's Non-goals around model
// numerics.
package faceengine

import (
	"context"
	"math"

	"github.com/busfleet/kiosk-sync/internal/apierr"
)

// ImageRGB is a decoded face crop handed to an embedder.
type ImageRGB struct {
	Width, Height int
	Pixels        []byte // row-major RGB
}

// Embedder produces a fixed-length embedding vector for a face crop.
type Embedder interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, img ImageRGB) ([]float32, error)
	// Threshold is the per-model minimum cosine score (τ) a gallery
	// candidate must meet to be considered, per original_source's
	// per-model MODEL_THRESHOLDS table.
	Threshold() float64
}

// Config configures one embedder adapter.
type Config struct {
	Name      string
	Threshold float64
	Weight    float64
}

type factory func(Config) Embedder

// registry is the compile-time map of known model names to constructors,
// standing in for original_source's importlib.import_module dispatch.
var registry = map[string]factory{
	"mobilefacenet": func(c Config) Embedder { return &stubEmbedder{name: c.Name, dims: 128, threshold: c.Threshold} },
	"arcface_r50":   func(c Config) Embedder { return &stubEmbedder{name: c.Name, dims: 512, threshold: c.Threshold} },
	"arcface_r100":  func(c Config) Embedder { return &stubEmbedder{name: c.Name, dims: 512, threshold: c.Threshold} },
	"adaface":       func(c Config) Embedder { return &stubEmbedder{name: c.Name, dims: 512, threshold: c.Threshold} },
	"w600k_r50":     func(c Config) Embedder { return &stubEmbedder{name: c.Name, dims: 512, threshold: c.Threshold} },
}

// Build constructs an Embedder for the given config's Name, or an error if
// the name is unregistered.
func Build(c Config) (Embedder, error) {
	f, ok := registry[c.Name]
	if !ok {
		return nil, apierr.New(apierr.Validation, "faceengine: unknown model "+c.Name)
	}
	return f(c), nil
}

// Ensemble holds every enabled embedder, keyed by name.
type Ensemble struct {
	embedders map[string]Embedder
}

func NewEnsemble(configs []Config) (*Ensemble, error) {
	e := &Ensemble{embedders: make(map[string]Embedder)}
	for _, c := range configs {
		embedder, err := Build(c)
		if err != nil {
			return nil, err
		}
		e.embedders[c.Name] = embedder
	}
	return e, nil
}

func (e *Ensemble) Get(name string) (Embedder, bool) {
	emb, ok := e.embedders[name]
	return emb, ok
}

func (e *Ensemble) Names() []string {
	names := make([]string, 0, len(e.embedders))
	for n := range e.embedders {
		names = append(names, n)
	}
	return names
}

// stubEmbedder deterministically hashes pixel bytes into a fixed-length
// unit vector — a stand-in that exercises the registry/ensemble dispatch
// and per-model dimensionality without real model weights.
type stubEmbedder struct {
	name      string
	dims      int
	threshold float64
}

func (s *stubEmbedder) Name() string       { return s.name }
func (s *stubEmbedder) Dimensions() int    { return s.dims }
func (s *stubEmbedder) Threshold() float64 { return s.threshold }

func (s *stubEmbedder) Embed(ctx context.Context, img ImageRGB) ([]float32, error) {
	if len(img.Pixels) == 0 {
		return nil, apierr.New(apierr.ModelFailure, "faceengine: empty image")
	}
	vec := make([]float32, s.dims)
	var seed uint32 = 2166136261
	for _, b := range img.Pixels {
		seed = (seed ^ uint32(b)) * 16777619
	}
	for i := range vec {
		seed = seed*1664525 + 1013904223 + uint32(i)
		vec[i] = float32(seed%1000)/1000.0 - 0.5
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// Cosine computes cosine similarity between two equal-length vectors,
// matching original_source's FaceVerificationConsensusService._cosine_similarity.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
