// Package reference issues transaction references used as idempotency keys.
package reference

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/google/uuid"
)

const (
	defaultPrefix    = "TXN"
	segmentDelimiter = "-"
	deriveDelimiter  = ":"
	randomSuffixSize = 8
)

// Generator combines a monotonic millisecond component with a random suffix.
type Generator struct {
	prefix      string
	nowMillisFn func() int64
	randomFn    func() (uuid.UUID, error)

	mutex      sync.Mutex
	lastMillis int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrefix overrides the leading segment.
func WithPrefix(prefix string) Option {
	return func(generator *Generator) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			generator.prefix = strings.ToUpper(trimmed)
		}
	}
}

// WithRandomSource overrides the suffix entropy source.
func WithRandomSource(randomFn func() (uuid.UUID, error)) Option {
	return func(generator *Generator) {
		if randomFn != nil {
			generator.randomFn = randomFn
		}
	}
}

// NewGenerator wires a Generator around a millisecond clock.
func NewGenerator(nowMillis func() int64, options ...Option) (*Generator, error) {
	if nowMillis == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", billing.ErrInvalidConfig)
	}
	generator := &Generator{
		prefix:      defaultPrefix,
		nowMillisFn: nowMillis,
		randomFn:    uuid.NewRandom,
	}
	for _, option := range options {
		if option != nil {
			option(generator)
		}
	}
	return generator, nil
}

// Generate returns a fresh reference. The time component never repeats within
// one Generator even when the clock stalls or moves backwards.
func (generator *Generator) Generate() (billing.Reference, error) {
	random, err := generator.randomFn()
	if err != nil {
		return billing.Reference{}, fmt.Errorf("reference entropy: %w", err)
	}
	millis := generator.nextMillis()
	suffix := strings.ReplaceAll(random.String(), segmentDelimiter, "")[:randomSuffixSize]
	raw := generator.prefix + segmentDelimiter + strings.ToUpper(strconv.FormatInt(millis, 36)) + segmentDelimiter + strings.ToUpper(suffix)
	return billing.NewReference(raw)
}

func (generator *Generator) nextMillis() int64 {
	generator.mutex.Lock()
	defer generator.mutex.Unlock()
	millis := generator.nowMillisFn()
	if millis <= generator.lastMillis {
		millis = generator.lastMillis + 1
	}
	generator.lastMillis = millis
	return millis
}

// Derive builds the reference of a follow-up entry such as a refund.
func Derive(base billing.Reference, suffix string) (billing.Reference, error) {
	if base.IsZero() {
		return billing.Reference{}, fmt.Errorf("%w: empty base", billing.ErrInvalidReference)
	}
	return billing.NewReference(base.String() + deriveDelimiter + suffix)
}
