package domain

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentSpec_MergesBothShapes(t *testing.T) {
	disabled := false
	intent := IntentSpec{
		Name:        "media",
		Enabled:     &disabled,
		MatchType:   MatchStacks,
		MatchValues: []string{"media"},
		MatchStacks: []string{"downloads"},
		MatchImages: []string{"linuxserver/*"},
		Exclusions:  Exclusions{Containers: []string{"plex"}},
	}.Intent()

	assert.False(t, intent.Enabled)
	assert.Equal(t, ScheduleImmediate, intent.ScheduleType)
	assert.Equal(t, []MatchCriteria{
		{Kind: MatchStacks, Values: []string{"media", "downloads"}},
		{Kind: MatchImages, Values: []string{"linuxserver/*"}},
	}, intent.Criteria)
	assert.Equal(t, []string{"plex"}, intent.Exclude.Containers)
}

func TestIntent_MarshalJSON(t *testing.T) {
	intent := IntentSpec{Name: "web", MatchImages: []string{"nginx:*"}}.Intent()
	raw, err := json.Marshal(intent)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "images", out["matchType"])
	assert.Equal(t, []any{"nginx:*"}, out["matchValues"])
	assert.Equal(t, true, out["enabled"])
	assert.Len(t, out["criteria"], 1)
}

func TestIntentSpec_DecodesJSON(t *testing.T) {
	var spec IntentSpec
	require.NoError(t, json.Unmarshal([]byte(`{
		"name": "nightly",
		"matchRegistries": ["ghcr.io"],
		"excludeImages": ["ghcr.io/pinned/*"],
		"scheduleType": "scheduled",
		"scheduleCron": "0 3 * * *"
	}`), &spec))

	intent := spec.Intent()
	require.NoError(t, intent.Validate())
	assert.True(t, intent.Enabled)
	assert.Equal(t, MatchRegistries, intent.MatchType())
	assert.Equal(t, []string{"ghcr.io/pinned/*"}, intent.Exclude.Images)
}

func TestValidate_UnknownScheduleType(t *testing.T) {
	intent := IntentSpec{Name: "x", MatchContainers: []string{"a"}, ScheduleType: "hourly"}.Intent()
	err := intent.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "scheduleType", verr.Field)
}
