package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyMeanExcludesIncompleteRecords(t *testing.T) {
	base := time.Unix(0, 0)
	ms := func(n int) time.Time { return base.Add(time.Duration(n) * time.Millisecond) }

	b := latencyBuffer{records: []turnRecord{
		{TurnID: "t1", SpeechStoppedAt: ms(100), FirstAudioAt: ms(150)},
		{TurnID: "t2", SpeechStoppedAt: ms(200)},
	}}

	mean, n := b.mean()
	assert.Equal(t, 50*time.Millisecond, mean)
	assert.Equal(t, 1, n)
}

func TestLatencyOnlyFirstChunkStamps(t *testing.T) {
	base := time.Unix(0, 0)
	var b latencyBuffer

	_, ok := b.firstAudio(base)
	assert.False(t, ok, "audio with no open turn must not stamp")

	b.speechStopped("t1", base)
	d, ok := b.firstAudio(base.Add(300 * time.Millisecond))
	assert.True(t, ok)
	assert.Equal(t, 300*time.Millisecond, d)

	_, ok = b.firstAudio(base.Add(900 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, base.Add(300*time.Millisecond), b.records[0].FirstAudioAt)
}

func TestLatencyStampsMostRecentRecord(t *testing.T) {
	base := time.Unix(0, 0)
	var b latencyBuffer

	b.speechStopped("t1", base)
	b.speechStopped("t2", base.Add(time.Second))
	b.firstAudio(base.Add(1200 * time.Millisecond))

	assert.False(t, b.records[0].complete())
	assert.True(t, b.records[1].complete())

	mean, n := b.mean()
	assert.Equal(t, 200*time.Millisecond, mean)
	assert.Equal(t, 1, n)
}

func TestLatencyEmptyBuffer(t *testing.T) {
	var b latencyBuffer
	mean, n := b.mean()
	assert.Zero(t, mean)
	assert.Zero(t, n)
}
