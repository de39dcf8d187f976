package index

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laptoprag/internal/domain"
)

func chunk(id, laptop, field, text string) domain.Chunk {
	return domain.Chunk{ChunkID: id, LaptopID: laptop, Field: field, Text: text, Citations: []string{laptop + ":" + field}}
}

func corpus() []domain.Chunk {
	return []domain.Chunk{
		chunk("L1_0", "L1", "ram", "ram: 16GB DDR4"),
		chunk("L1_1", "L1", "cpu", "cpu: Intel i7"),
		chunk("L2_0", "L2", "ram", "ram: 8GB DDR4"),
		chunk("L2_1", "L2", "cpu", "cpu: AMD Ryzen 5"),
		chunk("L3_0", "L3", "screen", "screen: 15.6 pulgadas IPS"),
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"laptop", "con", "16gb", "ram"}, Tokenize("Laptop con 16GB RAM"))
	assert.Equal(t, []string{"pantalla", "15", "pulgadas", "diseño", "ligero"}, Tokenize("Pantalla: 15\" pulgadas, DISEÑO ligero!"))
	assert.Equal(t, []string{"batería", "más", "ñandú"}, Tokenize("Batería (más) ñandú a"))
	assert.Empty(t, Tokenize("a b c - ."))
}

func TestSearch_EndToEndExample(t *testing.T) {
	idx := New([]domain.Chunk{
		chunk("L1_0", "L1", "ram", "ram: 16GB DDR4"),
		chunk("L1_1", "L1", "cpu", "cpu: Intel i7"),
	}, DefaultOptions())
	res := idx.Search("laptop con 16GB RAM", 2)
	require.Len(t, res, 2)
	assert.Equal(t, "L1_0", res[0].Chunk.ChunkID)
	assert.Equal(t, "L1_1", res[1].Chunk.ChunkID)
	assert.Greater(t, res[0].Score, res[1].Score)
	assert.Zero(t, res[1].Score)
}

func TestSearch_CountInvariant(t *testing.T) {
	idx := New(corpus(), DefaultOptions())
	for _, k := range []int{0, 1, 3, 5, 9} {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			assert.Len(t, idx.Search("intel", k), min(k, idx.Len()))
			assert.Len(t, idx.Search("zzz nothing", k), min(k, idx.Len()))
		})
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	idx := New(nil, DefaultOptions())
	res := idx.Search("ram", 5)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestSearch_ZeroOverlapScoresZeroAndKeepsCorpusOrder(t *testing.T) {
	idx := New(corpus(), DefaultOptions())
	res := idx.Search("ryzen", 5)
	require.Len(t, res, 5)
	assert.Equal(t, "L2_1", res[0].Chunk.ChunkID)
	assert.Positive(t, res[0].Score)
	var tail []string
	for _, r := range res[1:] {
		assert.Zero(t, r.Score)
		tail = append(tail, r.Chunk.ChunkID)
	}
	assert.Equal(t, []string{"L1_0", "L1_1", "L2_0", "L3_0"}, tail)
}

func TestSearch_RarerTermsWeighHigher(t *testing.T) {
	idx := New(corpus(), DefaultOptions())
	// "ddr4" appears in two chunks, "16gb" in one.
	res := idx.Search("16gb ddr4", 2)
	assert.Equal(t, "L1_0", res[0].Chunk.ChunkID)
	assert.Equal(t, "L2_0", res[1].Chunk.ChunkID)
	assert.Greater(t, idx.idf["16gb"], idx.idf["ddr4"])
}

func TestSearch_MonotonicInTermFrequency(t *testing.T) {
	idx := New([]domain.Chunk{
		chunk("A_0", "A", "desc", "desc: ssd rapido"),
		chunk("B_0", "B", "desc", "desc: ssd ssd rapido"),
		chunk("C_0", "C", "desc", "desc: hdd lento"),
	}, Options{K1: 1.5, B: 0})
	res := idx.Search("ssd", 3)
	assert.Equal(t, "B_0", res[0].Chunk.ChunkID)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestSearch_DeterministicAndConcurrent(t *testing.T) {
	idx := New(corpus(), DefaultOptions())
	want := idx.Search("ram ddr4 intel", 4)

	var wg sync.WaitGroup
	results := make([][]domain.ScoredChunk, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = idx.Search("ram ddr4 intel", 4)
		}()
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
