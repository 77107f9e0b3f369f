package teavent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarPayload = `{
	"id": "2gud232jsatd8pmnu0mnng0if2",
	"organizer": {"email": "club@example.com"},
	"summary": "Тренировка 2",
	"description": "config: \n  max: 8\n  min: 2",
	"location": "Arena 2",
	"start": {"dateTime": "2024-07-31T21:00:00+04:00"},
	"end": {"dateTime": "2024-07-31T23:00:00+04:00"},
	"recurrence": ["RRULE:FREQ=WEEKLY;WKST=MO;BYDAY=WE,MO,FR"]
}`

func TestFromCalendar(t *testing.T) {
	ev, err := FromCalendar([]byte(calendarPayload))
	require.NoError(t, err)

	assert.Equal(t, "2gud232jsatd8pmnu0mnng0if2", ev.ID)
	assert.Equal(t, "club@g", ev.CalID)
	assert.Equal(t, "Тренировка 2", ev.Summary)
	assert.NotContains(t, ev.Description, " ", "non-breaking spaces normalized")
	assert.Equal(t, "Arena 2", ev.Location)
	assert.True(t, ev.Start.Equal(time.Date(2024, 7, 31, 21, 0, 0, 0, tbilisi)))
	assert.Equal(t, 2*time.Hour, ev.Duration())
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;WKST=MO;BYDAY=WE,MO,FR"}, ev.RRule)
	assert.True(t, ev.IsRecurring())
	assert.False(t, ev.IsRecurringException())
	assert.True(t, ev.OriginalStartTime.Equal(ev.Start), "originalStartTime defaults to start")
	assert.Equal(t, StateCreated, ev.State)
	assert.Equal(t, 8, ev.Config.Max)
	assert.Equal(t, 2, ev.Config.Min)
	assert.NotNil(t, ev.ParticipantIDs)
	assert.NotNil(t, ev.Latees)
}

func TestFromCalendarException(t *testing.T) {
	payload := `{
		"id": "2gud232jsatd8pmnu0mnng0if2_20240802T170000Z",
		"organizer": {"email": "club@example.com"},
		"summary": "Тренировка 2",
		"description": "",
		"start": {"dateTime": "2024-08-03T15:00:00+04:00"},
		"end": {"dateTime": "2024-08-03T17:00:00+04:00"},
		"recurringEventId": "2gud232jsatd8pmnu0mnng0if2",
		"originalStartTime": {"dateTime": "2024-08-02T21:00:00+04:00"}
	}`
	ev, err := FromCalendar([]byte(payload))
	require.NoError(t, err)

	assert.True(t, ev.IsRecurringException())
	assert.False(t, ev.IsRecurring())
	assert.Equal(t, "2gud232jsatd8pmnu0mnng0if2", ev.RecurringEventID)
	assert.True(t, ev.OriginalStartTime.Equal(time.Date(2024, 8, 2, 21, 0, 0, 0, tbilisi)))
}

func TestFromCalendarRejects(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{
			name:    "not json",
			payload: "nope{",
		},
		{
			name:    "missing organizer",
			payload: `{"id": "x", "summary": "s", "start": {"dateTime": "2024-07-31T21:00:00+04:00"}, "end": {"dateTime": "2024-07-31T23:00:00+04:00"}}`,
		},
		{
			name:    "missing start dateTime",
			payload: `{"id": "x", "organizer": {"email": "a@b"}, "summary": "s", "start": {}, "end": {"dateTime": "2024-07-31T23:00:00+04:00"}}`,
		},
		{
			name:    "bad datetime",
			payload: `{"id": "x", "organizer": {"email": "a@b"}, "summary": "s", "start": {"dateTime": "yesterday"}, "end": {"dateTime": "2024-07-31T23:00:00+04:00"}}`,
		},
		{
			name:    "start not before end",
			payload: `{"id": "x", "organizer": {"email": "a@b"}, "summary": "s", "start": {"dateTime": "2024-07-31T23:00:00+04:00"}, "end": {"dateTime": "2024-07-31T21:00:00+04:00"}}`,
		},
		{
			name:    "bad config block",
			payload: `{"id": "x", "organizer": {"email": "a@b"}, "summary": "s", "description": "config:\n  capacity: 9", "start": {"dateTime": "2024-07-31T21:00:00+04:00"}, "end": {"dateTime": "2024-07-31T23:00:00+04:00"}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromCalendar([]byte(tc.payload))
			require.ErrorIs(t, err, ErrDescriptionParse)
		})
	}
}

// Parsing a calendar item and serializing the result preserves every
// identity attribute.
func TestCalendarRoundTrip(t *testing.T) {
	ev, err := FromCalendar([]byte(calendarPayload))
	require.NoError(t, err)

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	var back Teavent
	require.NoError(t, json.Unmarshal(b, &back))

	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, ev.CalID, back.CalID)
	assert.Equal(t, ev.Summary, back.Summary)
	assert.Equal(t, ev.Description, back.Description)
	assert.Equal(t, ev.Location, back.Location)
	assert.Equal(t, ev.RRule, back.RRule)
	assert.Equal(t, ev.RecurringEventID, back.RecurringEventID)
	assert.True(t, ev.OriginalStartTime.Equal(back.OriginalStartTime))
	assert.Equal(t, ev.Config.Max, back.Config.Max)
	assert.Equal(t, ev.Config.Min, back.Config.Min)
	assert.True(t, ev.Start.Equal(back.Start))
	assert.True(t, ev.End.Equal(back.End))
	assert.Equal(t, ev.State, back.State)
}
