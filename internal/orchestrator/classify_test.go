package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhraseClassifier(t *testing.T) {
	c := NewPhraseClassifier()
	cases := map[string]Modality{
		"Please DRAW a cat":              ModalityImage,
		"generate image of a sunset":     ModalityImage,
		"Could you Create An Image here": ModalityImage,
		"draw":                           ModalityText,
		"tell me a joke":                 ModalityText,
	}
	for msg, want := range cases {
		assert.Equal(t, want, c.Classify(msg), msg)
	}
}

func TestClassifierFunc(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Classifier = ClassifierFunc(func(string) Modality { return ModalityImage })
	})
	updates, err := collect(h.o.SubmitTurn(context.Background(), TurnRequest{Text: "anything"}))
	require.NoError(t, err)
	assert.True(t, updates[len(updates)-1].History[0].Assistant.IsMedia())
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, SystemPrompt(DefaultPersonality), SystemPrompt("no-such-personality"))
	assert.NotEqual(t, SystemPrompt("helpful"), SystemPrompt("socratic"))
	assert.Contains(t, Personalities(), "humorous")
	assert.IsIncreasing(t, Personalities())
}

func TestNew_RequiresTextAndStore(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Text: &fakeText{}})
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
	assert.Zero(t, k.size())
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	assert.Equal(t, 1, k.size())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	h := newHarness(t, func(d *Deps) { d.Metrics = m })
	h.text.loaded = "a.gguf"
	h.text.fragments = []string{"a", "b", "c"}

	_, err := collect(h.o.SubmitTurn(context.Background(), TurnRequest{Text: "hi"}))
	require.NoError(t, err)
	_, err = collect(h.o.SubmitTurn(context.Background(), TurnRequest{Text: "draw a dog"}))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("text", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("image", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.fragments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.titleFallbacks))
	assert.Zero(t, testutil.ToFloat64(m.turnsActive))

	// Re-registering on the same registry reuses the collectors.
	again := MustNewMetrics(reg)
	assert.Equal(t, 3.0, testutil.ToFloat64(again.fragments))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.observeTurn(ModalityText, "ok", time.Second)
	m.incFragments()
	m.incTitleFallback()
	m.turnStarted()
	m.turnFinished()
}
