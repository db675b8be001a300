// Package tokenizer implements the word-level text preprocessor that travels
// with every artifact. The fingerprint ties an artifact to the exact
// vocabulary and settings it was built against.
package tokenizer

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
)

const (
	VocabFile  = "vocab.txt"
	ConfigFile = "tokenizer_config.json"

	PadToken = "[PAD]"
	UnkToken = "[UNK]"

	DefaultMaxLength = 64
)

// Config is the serialized tokenizer configuration.
type Config struct {
	TokenizerClass string `json:"tokenizer_class"`
	DoLowerCase    bool   `json:"do_lower_case"`
	MaxLength      int    `json:"model_max_length"`
	PadToken       string `json:"pad_token"`
	UnkToken       string `json:"unk_token"`
}

// DefaultConfig returns the configuration used for newly created vocabularies.
func DefaultConfig() Config {
	return Config{
		TokenizerClass: "WordLevelTokenizer",
		DoLowerCase:    true,
		MaxLength:      DefaultMaxLength,
		PadToken:       PadToken,
		UnkToken:       UnkToken,
	}
}

// Tokenizer maps text to token ids.
type Tokenizer struct {
	cfg   Config
	vocab []string
	index map[string]int64
	pad   int64
	unk   int64
}

// New builds a tokenizer over vocab, where a token's id is its index.
func New(vocab []string, cfg Config) (*Tokenizer, error) {
	if cfg.MaxLength <= 0 {
		return nil, fmt.Errorf("max length must be positive, got %d", cfg.MaxLength)
	}
	t := &Tokenizer{cfg: cfg, vocab: append([]string(nil), vocab...), index: make(map[string]int64, len(vocab))}
	for i, tok := range vocab {
		if tok == "" {
			return nil, fmt.Errorf("empty token at line %d", i+1)
		}
		if _, dup := t.index[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		t.index[tok] = int64(i)
	}
	var ok bool
	if t.pad, ok = t.index[cfg.PadToken]; !ok {
		return nil, fmt.Errorf("pad token %q missing from vocabulary", cfg.PadToken)
	}
	if t.unk, ok = t.index[cfg.UnkToken]; !ok {
		return nil, fmt.Errorf("unknown token %q missing from vocabulary", cfg.UnkToken)
	}
	return t, nil
}

// Load reads vocab.txt and tokenizer_config.json from dir.
func Load(dir string) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse tokenizer config: %w", err)
	}

	f, err := os.Open(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	defer func() { _ = f.Close() }()

	var vocab []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		vocab = append(vocab, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return New(vocab, cfg)
}

// Save writes vocab.txt and tokenizer_config.json into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg, err := json.MarshalIndent(t.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfg, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, VocabFile), []byte(strings.Join(t.vocab, "\n")+"\n"), 0o644)
}

func (t *Tokenizer) Config() Config  { return t.cfg }
func (t *Tokenizer) VocabSize() int  { return len(t.vocab) }
func (t *Tokenizer) PadID() int64    { return t.pad }
func (t *Tokenizer) UnkID() int64    { return t.unk }
func (t *Tokenizer) Vocab() []string { return append([]string(nil), t.vocab...) }

// ID returns the id of tok, or the unknown id.
func (t *Tokenizer) ID(tok string) int64 {
	if id, ok := t.index[tok]; ok {
		return id
	}
	return t.unk
}

// Words splits text into normalized words.
func (t *Tokenizer) Words(text string) []string {
	if t.cfg.DoLowerCase {
		text = strings.ToLower(text)
	}
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Encode returns the ids for text, truncated to the maximum length.
// Empty input encodes to a single unknown token.
func (t *Tokenizer) Encode(text string) []int64 {
	words := t.Words(text)
	if len(words) > t.cfg.MaxLength {
		words = words[:t.cfg.MaxLength]
	}
	if len(words) == 0 {
		return []int64{t.unk}
	}
	ids := make([]int64, len(words))
	for i, w := range words {
		ids[i] = t.ID(w)
	}
	return ids
}

// Batch is a padded [Size, SeqLen] encoding in row-major order.
type Batch struct {
	IDs    []int64
	Mask   []int64
	Size   int
	SeqLen int
}

// EncodeBatch encodes texts and pads them to the longest sequence.
func (t *Tokenizer) EncodeBatch(texts []string) Batch {
	enc := make([][]int64, len(texts))
	seqLen := 1
	for i, text := range texts {
		enc[i] = t.Encode(text)
		seqLen = max(seqLen, len(enc[i]))
	}
	b := Batch{
		IDs:    make([]int64, len(texts)*seqLen),
		Mask:   make([]int64, len(texts)*seqLen),
		Size:   len(texts),
		SeqLen: seqLen,
	}
	for i, ids := range enc {
		row := i * seqLen
		for j := range seqLen {
			if j < len(ids) {
				b.IDs[row+j] = ids[j]
				b.Mask[row+j] = 1
			} else {
				b.IDs[row+j] = t.pad
			}
		}
	}
	return b
}

// Fingerprint hashes the vocabulary and configuration.
func (t *Tokenizer) Fingerprint() string {
	h := sha256.New()
	cfg, _ := json.Marshal(t.cfg)
	h.Write(cfg)
	for _, tok := range t.vocab {
		h.Write([]byte{'\n'})
		h.Write([]byte(tok))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
