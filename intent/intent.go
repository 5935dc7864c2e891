// Package intent maps inbound text onto a closed category set with a
// confidence score and extracts light entities (memory keys, node labels,
// topics). Classification is zero-shot: per-category centroid embeddings over
// a built-in example set, computed once at first use, with a regex pass for
// the structured memory and graph phrasings.
package intent

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mnemobot/mnemo/embedding"
	"github.com/mnemobot/mnemo/logging"
	"github.com/mnemobot/mnemo/store"
)

// Category is one label of the closed intent set.
type Category string

const (
	Greeting       Category = "greeting"
	Farewell       Category = "farewell"
	Thanks         Category = "thanks"
	Help           Category = "help"
	Status         Category = "status"
	KnowledgeQuery Category = "knowledge_query"
	MemoryStore    Category = "memory_store"
	MemoryRetrieve Category = "memory_retrieve"
	GraphQuery     Category = "graph_query"
	Chitchat       Category = "chitchat"
	OutOfScope     Category = "out_of_scope"
	Unknown        Category = "unknown"
)

// Categories lists every label the classifier can emit.
func Categories() []Category {
	return []Category{
		Greeting, Farewell, Thanks, Help, Status, KnowledgeQuery,
		MemoryStore, MemoryRetrieve, GraphQuery, Chitchat, OutOfScope, Unknown,
	}
}

// Entities are the light extractions attached to a classification.
type Entities struct {
	// Key and Value are set for memory_store; Key alone for memory_retrieve.
	Key   string
	Value string
	// Topic is the phrase after "about"/"regarding"/"on" when present.
	Topic string
	// Labels are capitalized words usable as node labels for graph queries.
	Labels []string
}

// Result is one classification.
type Result struct {
	Category   Category
	Confidence float64
	Entities   Entities
}

// Classifier is process-wide shared state; the centroid table builds once
// under a lock. A failed build is retried on the next call rather than
// latching the failure.
type Classifier struct {
	embedder  embedding.Embedder
	threshold float64
	seeds     map[Category][]string
	logger    logging.Logger

	initMu    sync.Mutex
	centroids map[Category][]float32
}

// Options configure the classifier.
type Options struct {
	// ConfidenceThreshold maps low-scoring classifications to unknown.
	ConfidenceThreshold float64
	// Seeds overrides the built-in example set, keyed by category.
	Seeds  map[Category][]string
	Logger logging.Logger
}

// New builds the classifier. Centroids are computed lazily on first Classify.
func New(e embedding.Embedder, optFns ...func(o *Options)) *Classifier {
	opts := Options{ConfidenceThreshold: 0.5, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	seeds := opts.Seeds
	if seeds == nil {
		seeds = defaultSeeds
	}
	return &Classifier{
		embedder:  e,
		threshold: opts.ConfidenceThreshold,
		seeds:     seeds,
		logger:    opts.Logger,
	}
}

var defaultSeeds = map[Category][]string{
	Greeting: {
		"hello there", "hi", "hey how are you", "good morning", "good evening bot",
	},
	Farewell: {
		"goodbye", "bye for now", "see you later", "good night", "talk to you tomorrow",
	},
	Thanks: {
		"thanks a lot", "thank you so much", "appreciate it", "that was helpful thanks",
	},
	Help: {
		"help", "what can you do", "how do i use this", "show me the commands", "i need help",
	},
	Status: {
		"status", "are you online", "health check", "how are things running", "uptime",
	},
	KnowledgeQuery: {
		"what is a goroutine", "explain how channels work", "define idempotency",
		"tell me about distributed consensus", "how does garbage collection work",
	},
	MemoryStore: {
		"remember that my timezone is utc", "remember my favorite editor is vim",
		"note that i work remotely", "save this my birthday is in june",
	},
	MemoryRetrieve: {
		"what is my timezone", "what did i tell you about my schedule",
		"do you remember my favorite editor", "recall what i said yesterday",
	},
	GraphQuery: {
		"how is go related to discord", "what connects docker and kubernetes",
		"show the relationship between rust and memory safety",
		"is there a path from compilers to llvm",
	},
	Chitchat: {
		"nice weather today", "i watched a great movie", "my day was long",
		"did you see the game last night",
	},
	OutOfScope: {
		"order me a pizza", "book a flight to tokyo", "transfer money to my account",
		"call my mother", "turn off the lights at home",
	},
}

var (
	storePattern    = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:remember|note|save)\s+(?:that\s+|this\s+)?my\s+([a-z][a-z0-9 _-]*?)\s+is\s+(.+?)\s*$`)
	retrievePattern = regexp.MustCompile(`(?i)^\s*(?:what(?:'s| is)|do you (?:remember|know)|recall)\s+(?:about\s+)?my\s+([a-z][a-z0-9 _-]*?)\s*\??\s*$`)
	topicPattern    = regexp.MustCompile(`(?i)\b(?:about|regarding|on)\s+([a-z0-9][a-z0-9 _/-]*?)\s*[.?!]?\s*$`)
	labelPattern    = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_]*\b`)
	graphPattern    = regexp.MustCompile(`(?i)\b(?:related to|relationship between|connects?|connection between|path (?:from|between)|linked to)\b`)
)

// ensureInit computes the centroid table exactly once. Concurrent callers
// serialize on the init lock; the first call after a failure rebuilds.
func (c *Classifier) ensureInit(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.centroids != nil {
		return nil
	}
	centroids := make(map[Category][]float32, len(c.seeds))
	for cat, examples := range c.seeds {
		sum := make([]float32, c.embedder.Dims())
		for _, ex := range examples {
			vec, err := c.embedder.Embed(ctx, ex)
			if err != nil {
				return err
			}
			for i, v := range vec {
				sum[i] += v
			}
		}
		n := float32(len(examples))
		for i := range sum {
			sum[i] /= n
		}
		centroids[cat] = sum
	}
	c.centroids = centroids
	c.logger.Debug("intent centroids built", "categories", len(centroids))
	return nil
}

// Classify returns the best category with a confidence in [0,1]. Empty text
// is unknown; structured memory and graph phrasings short-circuit the
// centroid pass; everything below the threshold maps to unknown with
// entities preserved.
func (c *Classifier) Classify(ctx context.Context, text string) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Category: Unknown, Confidence: 0}, nil
	}
	ents := extractEntities(trimmed)

	if m := storePattern.FindStringSubmatch(trimmed); m != nil {
		ents.Key = normalizeKey(m[1])
		ents.Value = strings.TrimRight(strings.TrimSpace(m[2]), ".!")
		return Result{Category: MemoryStore, Confidence: 0.95, Entities: ents}, nil
	}
	if m := retrievePattern.FindStringSubmatch(trimmed); m != nil {
		ents.Key = normalizeKey(m[1])
		return Result{Category: MemoryRetrieve, Confidence: 0.95, Entities: ents}, nil
	}
	if graphPattern.MatchString(trimmed) {
		return Result{Category: GraphQuery, Confidence: 0.9, Entities: ents}, nil
	}

	if err := c.ensureInit(ctx); err != nil {
		return Result{}, err
	}
	vec, err := c.embedder.Embed(ctx, trimmed)
	if err != nil {
		return Result{}, err
	}

	best := Unknown
	bestSim := -1.0
	// fixed iteration order keeps ties deterministic
	cats := make([]Category, 0, len(c.centroids))
	for cat := range c.centroids {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	for _, cat := range cats {
		if sim := store.CosineSimilarity(vec, c.centroids[cat]); sim > bestSim {
			best, bestSim = cat, sim
		}
	}

	// cosine in [-1,1] mapped to [0,1]
	confidence := (bestSim + 1) / 2
	if confidence < c.threshold {
		return Result{Category: Unknown, Confidence: confidence, Entities: ents}, nil
	}
	return Result{Category: best, Confidence: confidence, Entities: ents}, nil
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
}

// extractEntities pulls the topic phrase and capitalized node labels out of
// the text. The leading word is skipped as a label candidate since sentence
// case says nothing about it being a name.
func extractEntities(text string) Entities {
	var e Entities
	if m := topicPattern.FindStringSubmatch(text); m != nil {
		e.Topic = strings.TrimSpace(m[1])
	}
	locs := labelPattern.FindAllStringIndex(text, -1)
	for _, loc := range locs {
		if loc[0] == 0 {
			continue
		}
		word := text[loc[0]:loc[1]]
		if word == "I" {
			continue
		}
		e.Labels = append(e.Labels, word)
	}
	return e
}
