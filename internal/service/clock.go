package service

import (
	"math/rand"
	"sync"
	"time"
)

// Clock supplies the current time. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC
var SystemClock Clock = systemClock{}

// RandSource picks an index in [0, n). *rand.Rand satisfies it.
type RandSource interface {
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// NewRandSource returns a goroutine-safe source seeded with seed
func NewRandSource(seed int64) RandSource {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func minutesBetween(from, to time.Time) float64 {
	return to.Sub(from).Minutes()
}
