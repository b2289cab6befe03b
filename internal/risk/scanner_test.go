package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanTriggersOnHighRiskPhrases(t *testing.T) {
	result := Scan("I want to kill myself")
	assert.True(t, result.Triggered)
	assert.Contains(t, result.MatchedTerms, "kill myself")
}

func TestScanIsCaseInsensitive(t *testing.T) {
	result := Scan("I FEEL SUICIDAL tonight")
	assert.True(t, result.Triggered)
	assert.Contains(t, result.MatchedTerms, "suicidal")
}

func TestScanMatchesPhraseInsideLongerText(t *testing.T) {
	result := Scan("sometimes i think about ending my life, honestly")
	assert.True(t, result.Triggered)
}

func TestScanCollectsAllMatches(t *testing.T) {
	result := Scan("I want to die and I might overdose")
	assert.True(t, result.Triggered)
	assert.Len(t, result.MatchedTerms, 2)
}

func TestScanDoesNotTriggerOnNeutralText(t *testing.T) {
	for _, text := range []string{
		"I had a rough day at work",
		"my cat died last year and I still miss her",
		"can we talk about my exam stress",
		"",
	} {
		result := Scan(text)
		assert.False(t, result.Triggered, "unexpected trigger on %q", text)
		assert.Empty(t, result.MatchedTerms)
	}
}
