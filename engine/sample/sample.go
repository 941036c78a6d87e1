// Package sample draws the next token from a next-token logit distribution using
// logit bias, frequency and presence penalties, temperature, top-k, top-p and
// min-p filtering, and optionally reports log probabilities.
package sample

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Config holds sampling parameters. Out-of-range values are clamped by New.
type Config struct {
	Temperature float64
	TopK        int
	TopP        float64
	MinP        float64
	Seed        *int64

	FrequencyPenalty float64         // subtracted once per earlier occurrence of a token
	PresencePenalty  float64         // subtracted once if a token occurred at all
	LogitBias        map[int]float32 // added to the raw logit of each listed token
	Logprobs         bool            // report the log probability of the chosen token
	TopLogprobs      int             // also report this many most likely tokens
}

// TokenLogprob is a token with its log probability.
type TokenLogprob struct {
	Token   int     `json:"token"`
	Logprob float64 `json:"logprob"`
}

// Choice is one sampled token. Logprob and Top are set only when the sampler
// reports log probabilities; they describe the penalized distribution before
// temperature and filtering.
type Choice struct {
	Token   int
	Logprob float64
	Top     []TokenLogprob // most likely first
}

// Sampler draws tokens from logits. It is not safe for concurrent use; each
// sequence owns its own Sampler so seeded runs are reproducible.
type Sampler struct {
	rng         *rand.Rand
	temperature float64
	topK        int
	topP        float64
	minP        float64

	frequencyPenalty float64
	presencePenalty  float64
	logitBias        map[int]float32
	logprobs         bool
	topLogprobs      int
}

// New creates a Sampler. A nil seed uses a time-derived source.
func New(cfg Config) *Sampler {
	var seed uint64
	if cfg.Seed != nil {
		seed = uint64(*cfg.Seed)
	} else {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{
		// golden ratio hash gives the stream an independent second word
		rng:         rand.New(rand.NewPCG(seed, seed^0x9E3779B9)),
		temperature: math.Max(cfg.Temperature, 0),
		topK:        max(cfg.TopK, 0),
		topP:        clamp01(cfg.TopP),
		minP:        clamp01(cfg.MinP),

		frequencyPenalty: cfg.FrequencyPenalty,
		presencePenalty:  cfg.PresencePenalty,
		logitBias:        cfg.LogitBias,
		logprobs:         cfg.Logprobs,
		topLogprobs:      max(cfg.TopLogprobs, 0),
	}
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

type token struct {
	id    int
	value float64
}

// Sample returns the index of the chosen token without any token history.
func (s *Sampler) Sample(logits []float32) (int, error) {
	c, err := s.Choose(logits, nil)
	return c.Token, err
}

// Choose picks the next token. history holds the tokens generated so far and
// drives the frequency and presence penalties.
func (s *Sampler) Choose(logits []float32, history []int) (Choice, error) {
	if len(logits) == 0 {
		return Choice{Token: -1}, errors.New("sample: no logits provided")
	}
	tokens := make([]token, len(logits))
	for i, l := range logits {
		tokens[i] = token{id: i, value: float64(l)}
	}
	s.penalize(tokens, history)

	// tokens are still in id order here; the filters below reorder them
	var lp []float64
	if s.logprobs {
		lp = logSoftmax(tokens)
	}

	c := Choice{}
	if s.temperature == 0 {
		c.Token = greedy(tokens).id
	} else {
		tokens = topK(tokens, s.topK)
		temperature(tokens, s.temperature)
		if err := softmax(tokens); err != nil {
			return Choice{Token: -1}, err
		}
		tokens = topP(tokens, s.topP)
		tokens = minP(tokens, s.minP)
		c.Token = s.draw(tokens)
	}
	if lp != nil {
		c.Logprob = lp[c.Token]
		c.Top = mostLikely(lp, s.topLogprobs)
	}
	return c, nil
}

// penalize applies the logit bias and the repetition penalties in place. tokens
// must be in id order; ids outside the vocabulary are ignored.
func (s *Sampler) penalize(tokens []token, history []int) {
	for id, b := range s.logitBias {
		if id >= 0 && id < len(tokens) {
			tokens[id].value += float64(b)
		}
	}
	if s.frequencyPenalty == 0 && s.presencePenalty == 0 {
		return
	}
	counts := make(map[int]int, len(history))
	for _, id := range history {
		counts[id]++
	}
	for id, n := range counts {
		if id >= 0 && id < len(tokens) {
			tokens[id].value -= float64(n)*s.frequencyPenalty + s.presencePenalty
		}
	}
}

// logSoftmax returns the log probability of every token, indexed by position.
func logSoftmax(tokens []token) []float64 {
	lp := make([]float64, len(tokens))
	for i, t := range tokens {
		lp[i] = t.value
	}
	floats.AddConst(-floats.LogSumExp(lp), lp)
	return lp
}

// mostLikely returns the n highest log probabilities, ties by lower id.
func mostLikely(lp []float64, n int) []TokenLogprob {
	if n <= 0 {
		return nil
	}
	tokens := make([]token, len(lp))
	for i, v := range lp {
		tokens[i] = token{id: i, value: v}
	}
	top := topK(tokens, n)
	out := make([]TokenLogprob, len(top))
	for i, t := range top {
		out[i] = TokenLogprob{Token: t.id, Logprob: t.value}
	}
	return out
}

// greedy returns the highest logit; ties resolve to the lowest id.
func greedy(tokens []token) token {
	best := tokens[0]
	for _, t := range tokens[1:] {
		if t.value > best.value {
			best = t
		}
	}
	return best
}

// topK keeps the k highest logits, sorted descending. k <= 0 keeps all tokens but
// still sorts them.
func topK(tokens []token, k int) []token {
	if k <= 0 || k >= len(tokens) {
		slices.SortStableFunc(tokens, func(a, b token) int {
			return cmp.Compare(b.value, a.value)
		})
		return tokens
	}

	q := pq.NewWith(func(a, b token) int {
		if c := cmp.Compare(b.value, a.value); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for _, t := range tokens {
		q.Enqueue(t)
	}
	out := make([]token, 0, k)
	for range k {
		t, _ := q.Dequeue()
		out = append(out, t)
	}
	return out
}

func temperature(tokens []token, t float64) {
	// subtracting the max logit avoids overflow in exp
	maxLogit := tokens[0].value
	for _, tk := range tokens {
		maxLogit = math.Max(maxLogit, tk.value)
	}
	for i := range tokens {
		tokens[i].value = (tokens[i].value - maxLogit) / t
	}
}

// softmax converts logits to probabilities in place.
func softmax(tokens []token) error {
	probs := make([]float64, len(tokens))
	for i, t := range tokens {
		probs[i] = math.Exp(t.value)
	}
	sum := floats.Sum(probs)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return errors.Errorf("sample: invalid probability mass %v", sum)
	}
	floats.Scale(1/sum, probs)
	for i := range tokens {
		tokens[i].value = probs[i]
	}
	return nil
}

// topP keeps the smallest prefix (tokens sorted descending) whose mass exceeds p.
func topP(tokens []token, p float64) []token {
	if p <= 0 || p >= 1 {
		return tokens
	}
	var cum float64
	for i, t := range tokens {
		cum += t.value
		if cum > p {
			return tokens[:i+1]
		}
	}
	return tokens
}

// minP drops tokens whose probability is below p times the top probability.
func minP(tokens []token, p float64) []token {
	if p <= 0 || p >= 1 {
		return tokens
	}
	threshold := tokens[0].value * p
	out := tokens[:0]
	for _, t := range tokens {
		if t.value >= threshold {
			out = append(out, t)
		}
	}
	return out
}

// draw picks a token proportionally to its (possibly unnormalized) probability.
func (s *Sampler) draw(tokens []token) int {
	cum := make([]float64, len(tokens))
	for i, t := range tokens {
		cum[i] = t.value
	}
	floats.CumSum(cum, cum)
	r := s.rng.Float64() * cum[len(cum)-1]
	idx := sort.SearchFloat64s(cum, r)
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}
	return tokens[idx].id
}
