package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverityCategory(t *testing.T) {
	for _, valid := range []string{"C1", "C2", "C3", "C4", "C5", "C6"} {
		s, err := ParseSeverityCategory(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(s))
	}

	for _, invalid := range []string{"", "C0", "C7", "c1", "critical"} {
		_, err := ParseSeverityCategory(invalid)
		require.Error(t, err, "expected %q to be rejected", invalid)
		assert.True(t, errors.Is(err, ErrValidation))
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Equal(t, 1, SeverityC1.Rank())
	assert.Equal(t, 6, SeverityC6.Rank())
	assert.Less(t, SeverityC1.Rank(), SeverityC4.Rank())
}

func TestEnrichedEventValidate(t *testing.T) {
	ev := EnrichedEvent{
		RawEventID:      "raw-1",
		Title:           "Health provider data breach",
		ConfidenceScore: 0.8,
		Status:          StatusActive,
	}
	require.NoError(t, ev.Validate())

	bad := ev
	bad.ConfidenceScore = 1.2
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ev
	bad.ConfidenceScore = -0.1
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ev
	bad.Status = "pending"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ev
	bad.Title = ""
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	// An extraction-failure record carries no fields at all.
	failure := EnrichedEvent{
		RawEventID:      "raw-1",
		ConfidenceScore: 0,
		Status:          StatusActive,
	}
	require.NoError(t, failure.Validate())
	assert.True(t, failure.IsExtractionFailure())
}

func TestRiskClassificationValidate(t *testing.T) {
	rc := RiskClassification{
		DeduplicatedEventID:        "dedup-1",
		SeverityCategory:           SeverityC3,
		PrimaryStakeholderCategory: "critical_infrastructure",
		ImpactType:                 "ransomware",
		ConfidenceScore:            0.9,
		ModelUsed:                  "gpt-4o",
	}
	require.NoError(t, rc.Validate())

	bad := rc
	bad.SeverityCategory = "C9"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = rc
	bad.PrimaryStakeholderCategory = "my neighbour"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = rc
	bad.ImpactType = "bad vibes"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = rc
	bad.ConfidenceScore = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = rc
	bad.ModelUsed = ""
	assert.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestReasoningPayloadRoundTrip(t *testing.T) {
	payload := ReasoningPayload{
		Rationale:           "Large-scale customer data exposure at a telco.",
		ContributingFactors: []string{"millions of records", "identity documents leaked"},
		Citations:           []string{"https://example.org/report"},
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded ReasoningPayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, payload, decoded)

	// Citations are optional and omitted when empty.
	data, err = json.Marshal(ReasoningPayload{Rationale: "r", ContributingFactors: []string{"f"}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "citations")
}

func TestEventDateIsOptional(t *testing.T) {
	ev := EnrichedEvent{
		RawEventID:      "raw-1",
		Title:           "Unattributed phishing campaign",
		ConfidenceScore: 0.55,
		Status:          StatusActive,
	}
	require.NoError(t, ev.Validate())
	assert.Nil(t, ev.EventDate)

	date := time.Date(2020, 7, 14, 0, 0, 0, 0, time.UTC)
	ev.EventDate = &date
	require.NoError(t, ev.Validate())
}
