// Package transcript accumulates streamed text fragments per speaker per
// turn and maintains the finalized conversation transcript.
package transcript

import "sync"

// Speaker identifies one side of the conversation.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Utterance is finalized, immutable transcribed text for one speaker
// within one turn.
type Utterance struct {
	Speaker Speaker
	Text    string
}

// Aggregator owns one open TurnBuffer per speaker and the append-only
// transcript. All methods are safe for concurrent use; buffer reads and
// clears happen under one lock so no fragment can slip between them.
type Aggregator struct {
	mu         sync.Mutex
	user       string
	model      string
	utterances []Utterance
	eventsCh   chan Utterance
}

// NewAggregator creates an aggregator. eventBuffer sizes the finalized
// utterance event channel consumed by display collaborators.
func NewAggregator(eventBuffer int) *Aggregator {
	return &Aggregator{
		eventsCh: make(chan Utterance, eventBuffer),
	}
}

// AppendFragment concatenates text onto the open buffer for the speaker.
// Fragments for the same speaker concatenate in arrival order.
func (a *Aggregator) AppendFragment(speaker Speaker, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch speaker {
	case SpeakerModel:
		a.model += text
	default:
		a.user += text
	}
}

// Live returns the in-progress text for the speaker.
func (a *Aggregator) Live(speaker Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if speaker == SpeakerModel {
		return a.model
	}
	return a.user
}

// CompleteTurn finalizes the turn: each speaker with non-empty buffered text
// yields one Utterance appended to the transcript, user first then model,
// regardless of fragment arrival order. Both buffers are cleared atomically
// with respect to AppendFragment.
func (a *Aggregator) CompleteTurn() {
	a.mu.Lock()
	var emitted []Utterance
	if a.user != "" {
		emitted = append(emitted, Utterance{Speaker: SpeakerUser, Text: a.user})
	}
	if a.model != "" {
		emitted = append(emitted, Utterance{Speaker: SpeakerModel, Text: a.model})
	}
	a.utterances = append(a.utterances, emitted...)
	a.user = ""
	a.model = ""
	a.mu.Unlock()

	for _, u := range emitted {
		a.emit(u)
	}
}

// ResetOutput clears only the model-side buffer. Used on interruption: the
// user may still be mid-utterance, but the partial model text will never be
// completed as transcribed.
func (a *Aggregator) ResetOutput() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = ""
}

// Reset clears both buffers without emitting a trailing utterance. A turn
// that never received its completion signal is dropped, not finalized.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = ""
	a.model = ""
}

// Transcript returns a copy of the finalized utterance sequence.
func (a *Aggregator) Transcript() []Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Utterance, len(a.utterances))
	copy(out, a.utterances)
	return out
}

// Events returns the channel of finalized utterances.
func (a *Aggregator) Events() <-chan Utterance {
	return a.eventsCh
}

// emit sends a finalized utterance (non-blocking).
func (a *Aggregator) emit(u Utterance) {
	select {
	case a.eventsCh <- u:
	default:
	}
}
