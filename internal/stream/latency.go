package stream

import "time"

// turnRecord tracks one translated turn. FirstAudioAt is zero until the
// first translated chunk for the turn arrives.
type turnRecord struct {
	TurnID          string
	SpeechStoppedAt time.Time
	FirstAudioAt    time.Time
}

func (r turnRecord) complete() bool {
	return !r.FirstAudioAt.IsZero()
}

// latencyBuffer holds the turn records of one leg
type latencyBuffer struct {
	records []turnRecord
}

// speechStopped opens a new record
func (b *latencyBuffer) speechStopped(turnID string, at time.Time) {
	b.records = append(b.records, turnRecord{TurnID: turnID, SpeechStoppedAt: at})
}

// firstAudio stamps the most recently opened record if it is still open and
// returns the turn latency. Later chunks of the same turn do not restamp.
func (b *latencyBuffer) firstAudio(at time.Time) (time.Duration, bool) {
	if len(b.records) == 0 {
		return 0, false
	}
	last := &b.records[len(b.records)-1]
	if last.complete() {
		return 0, false
	}
	last.FirstAudioAt = at
	return at.Sub(last.SpeechStoppedAt), true
}

// mean averages the latency of complete records
func (b *latencyBuffer) mean() (time.Duration, int) {
	var total time.Duration
	n := 0
	for _, r := range b.records {
		if !r.complete() {
			continue
		}
		total += r.FirstAudioAt.Sub(r.SpeechStoppedAt)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / time.Duration(n), n
}
