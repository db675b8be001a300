package checkpoint

import (
	"bytes"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/silmaril/quench/internal/graph"
	"github.com/silmaril/quench/internal/tokenizer"
	"github.com/silmaril/quench/pkg/types"
)

// DemoModelID is the id the demo checkpoint is installed under.
const DemoModelID = "demo/sentiment-bow"

var (
	positiveWords = []string{
		"good", "great", "excellent", "wonderful", "amazing", "delightful", "brilliant",
		"superb", "enjoyable", "charming", "moving", "fantastic", "loved", "beautiful",
		"fun", "masterful", "touching", "stunning", "clever", "gripping",
	}
	negativeWords = []string{
		"bad", "terrible", "awful", "boring", "dull", "horrible", "poor", "weak",
		"tedious", "disappointing", "mediocre", "hated", "bland", "messy", "clumsy",
		"painful", "lifeless", "forgettable", "annoying", "predictable",
	}
	neutralWords = []string{
		"the", "a", "movie", "film", "plot", "actors", "story", "was", "is", "and",
		"this", "it", "scenes", "director", "script", "ending", "characters", "with",
		"of", "music", "cast", "very", "really", "quite", "overall", "two", "hours",
		"camera", "dialogue", "pacing",
	}
	unknownWords = []string{"popcorn", "sequel", "trailer", "tuesday"}
)

// DemoLabels are the labels of the demo sentiment classifier.
var DemoLabels = []string{"NEGATIVE", "POSITIVE"}

// DemoOptions controls CreateDemo.
type DemoOptions struct {
	Seed         uint64
	HiddenSize   int
	Intermediate int
}

func (o *DemoOptions) setDefaults() {
	if o.Seed == 0 {
		o.Seed = 42
	}
	if o.HiddenSize < 2 {
		o.HiddenSize = 32
	}
	if o.Intermediate < 2 {
		o.Intermediate = 32
	}
}

// NewDemo builds the deterministic sentiment checkpoint in memory. Dimension
// 0 of every embedding carries the word's polarity; the hidden layer splits
// it into positive and negative evidence that the classifier reads.
func NewDemo(opts DemoOptions) (*Checkpoint, error) {
	opts.setDefaults()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	noise := func(scale float64) float32 { return float32(rng.NormFloat64() * scale) }

	vocab := []string{tokenizer.PadToken, tokenizer.UnkToken}
	polarity := []float32{0, 0}
	for _, w := range positiveWords {
		vocab = append(vocab, w)
		polarity = append(polarity, 1)
	}
	for _, w := range negativeWords {
		vocab = append(vocab, w)
		polarity = append(polarity, -1)
	}
	for _, w := range neutralWords {
		vocab = append(vocab, w)
		polarity = append(polarity, 0)
	}
	tok, err := tokenizer.New(vocab, tokenizer.DefaultConfig())
	if err != nil {
		return nil, err
	}

	h, inter, labels := opts.HiddenSize, opts.Intermediate, len(DemoLabels)
	emb := make([]float32, len(vocab)*h)
	for i := range vocab {
		emb[i*h] = polarity[i]
		for k := 2; k < h; k++ {
			emb[i*h+k] = noise(0.05)
		}
	}
	if len(vocab) > 0 {
		clear(emb[:h])
	}

	w1 := make([]float32, inter*h)
	for o := range inter {
		for i := range h {
			w1[o*h+i] = noise(0.01)
		}
	}
	w1[0*h+0] = 3
	w1[1*h+0] = -3
	b1 := make([]float32, inter)

	w2 := make([]float32, labels*inter)
	for o := range labels {
		for i := range inter {
			w2[o*inter+i] = noise(0.01)
		}
	}
	w2[0*inter+1] = 2 // NEGATIVE reads negative evidence
	w2[1*inter+0] = 2 // POSITIVE reads positive evidence
	b2 := make([]float32, labels)

	id2label := make(map[string]string, labels)
	label2id := make(map[string]int, labels)
	for i, name := range DemoLabels {
		id2label[strconv.Itoa(i)] = name
		label2id[name] = i
	}

	return &Checkpoint{
		Config: types.HFConfig{
			ModelType:        ModelTypeBOW,
			Architectures:    []string{ArchBagOfWords},
			ID2Label:         id2label,
			Label2ID:         label2id,
			VocabSize:        len(vocab),
			HiddenSize:       h,
			IntermediateSize: inter,
			NumLabels:        labels,
			FinetuningTask:   "sst2",
			TorchDtype:       "float32",
		},
		Weights: map[string]*graph.Tensor{
			WeightEmbeddings:    graph.NewFloat32(WeightEmbeddings, []int{len(vocab), h}, emb),
			WeightPreClassifier: graph.NewFloat32(WeightPreClassifier, []int{inter, h}, w1),
			BiasPreClassifier:   graph.NewFloat32(BiasPreClassifier, []int{inter}, b1),
			WeightClassifier:    graph.NewFloat32(WeightClassifier, []int{labels, inter}, w2),
			BiasClassifier:      graph.NewFloat32(BiasClassifier, []int{labels}, b2),
		},
		Tokenizer: tok,
	}, nil
}

// CreateDemo writes the demo checkpoint into dir.
func CreateDemo(dir string, opts DemoOptions) (*Checkpoint, error) {
	c, err := NewDemo(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Save(dir); err != nil {
		return nil, err
	}
	return c, nil
}

// Sample is one labeled example.
type Sample struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// GenerateDataset returns n labeled movie-review sentences. The polarity of
// each sentence wins by at least one word, so the demo model can separate them.
func GenerateDataset(seed uint64, n int) []Sample {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	pick := func(words []string) string { return words[rng.IntN(len(words))] }

	out := make([]Sample, n)
	for i := range out {
		positive := rng.IntN(2) == 1
		same, opposite := negativeWords, positiveWords
		if positive {
			same, opposite = positiveWords, negativeWords
		}
		nSame := 1 + rng.IntN(3)
		nOpp := 0
		if nSame > 1 {
			nOpp = rng.IntN(nSame)
		}

		var words []string
		for range nSame {
			words = append(words, pick(same))
		}
		for range nOpp {
			words = append(words, pick(opposite))
		}
		for range 1 + rng.IntN(4) {
			words = append(words, pick(neutralWords))
		}
		if rng.IntN(4) == 0 {
			words = append(words, pick(unknownWords))
		}
		rng.Shuffle(len(words), func(a, b int) { words[a], words[b] = words[b], words[a] })

		text := strings.Join(words, " ")
		text = strings.ToUpper(text[:1]) + text[1:] + "."
		out[i] = Sample{Text: text, Label: DemoLabels[0]}
		if positive {
			out[i].Label = DemoLabels[1]
		}
	}
	return out
}

// WriteJSONL writes samples one JSON object per line.
func WriteJSONL(path string, samples []Sample) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
