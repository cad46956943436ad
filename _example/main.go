package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hupe1980/simcache"
	"github.com/hupe1980/simcache/distance"
)

func main() {
	seed := int64(4711)
	dim := 128
	size := 20000

	ctx := context.Background()

	cache, err := simcache.NewBuilder(dim).
		Cosine().
		Shards(4).
		Capacity(64 << 20).
		Threshold(0.10).
		Seed(seed).
		Logger(simcache.NewTextLogger(slog.LevelWarn)).
		Build()
	if err != nil {
		log.Fatal(err)
	}
	defer cache.Close(ctx)

	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, size)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		distance.NormalizeL2InPlace(v)
		vectors[i] = v
	}

	fmt.Println("--- Insert ---")
	fmt.Println("Dimension:", dim)
	fmt.Println("Size:", size)

	start := time.Now()
	for i, v := range vectors {
		if _, err := cache.Insert(ctx, v, []byte(fmt.Sprintf("answer-%d", i))); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Println("Elapsed:", time.Since(start))
	fmt.Println()

	fmt.Println("--- Lookup ---")

	// Queries are perturbed copies of stored vectors, the shape of
	// near-duplicate prompts hitting a semantic cache.
	const queries = 1000
	var hits int

	start = time.Now()
	for i := 0; i < queries; i++ {
		q := perturb(rng, vectors[rng.Intn(size)], 0.01)
		res, err := cache.Lookup(ctx, q)
		if err != nil {
			log.Fatal(err)
		}
		if res.Hit {
			hits++
		}
	}
	elapsed := time.Since(start)

	stats := cache.Stats()
	fmt.Println("Queries:", queries)
	fmt.Println("Hits:", hits)
	fmt.Println("Elapsed:", elapsed)
	fmt.Println("Per lookup:", elapsed/queries)
	fmt.Printf("Hit rate: %.2f\n", stats.HitRate())
	fmt.Println("Entries:", stats.Entries)
	fmt.Println("Bytes:", stats.CurrentBytes)
}

func perturb(rng *rand.Rand, v []float32, scale float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x + float32(rng.NormFloat64()*scale)
	}
	distance.NormalizeL2InPlace(out)
	return out
}
