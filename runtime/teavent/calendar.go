package teavent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// calendarItemSchema is the shape a calendar payload must satisfy before
// mapping. It pins the fields the mapping reads; everything else the
// calendar backend sends is ignored.
const calendarItemSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "organizer", "summary", "start", "end"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"organizer": {
			"type": "object",
			"required": ["email"],
			"properties": {"email": {"type": "string", "minLength": 1}}
		},
		"summary": {"type": "string"},
		"description": {"type": "string"},
		"location": {"type": "string"},
		"start": {
			"type": "object",
			"required": ["dateTime"],
			"properties": {"dateTime": {"type": "string"}}
		},
		"end": {
			"type": "object",
			"required": ["dateTime"],
			"properties": {"dateTime": {"type": "string"}}
		},
		"recurrence": {"type": "array", "items": {"type": "string"}},
		"recurringEventId": {"type": "string"},
		"originalStartTime": {
			"type": "object",
			"properties": {"dateTime": {"type": "string"}}
		}
	}
}`

type (
	// calendarItem is the subset of a calendar event payload the mapping
	// reads.
	calendarItem struct {
		ID        string `json:"id"`
		Organizer struct {
			Email string `json:"email"`
		} `json:"organizer"`
		Summary           string       `json:"summary"`
		Description       string       `json:"description"`
		Location          string       `json:"location"`
		Start             calendarTime `json:"start"`
		End               calendarTime `json:"end"`
		Recurrence        []string     `json:"recurrence"`
		RecurringEventID  string       `json:"recurringEventId"`
		OriginalStartTime calendarTime `json:"originalStartTime"`
	}

	calendarTime struct {
		DateTime string `json:"dateTime"`
	}
)

var compileCalendarSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(calendarItemSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal calendar schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("calendar-item.json", doc); err != nil {
		return nil, fmt.Errorf("add calendar schema resource: %w", err)
	}
	return c.Compile("calendar-item.json")
})

// FromCalendar maps a raw calendar event payload to a Teavent in state
// created. The payload is validated against the calendar item schema first;
// validation and description-config failures wrap ErrDescriptionParse so
// callers can treat them as event-fatal parse errors.
func FromCalendar(payload []byte) (*Teavent, error) {
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}
	schema, err := compileCalendarSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}

	var item calendarItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDescriptionParse, err)
	}

	// Calendar backends pad descriptions with non-breaking spaces that trip
	// the YAML parser.
	description := strings.ReplaceAll(item.Description, " ", " ")

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %s", ErrDescriptionParse, err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %s", ErrDescriptionParse, err)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrDescriptionParse, start, end)
	}

	originalStart := start
	if item.OriginalStartTime.DateTime != "" {
		originalStart, err = time.Parse(time.RFC3339, item.OriginalStartTime.DateTime)
		if err != nil {
			return nil, fmt.Errorf("%w: originalStartTime: %s", ErrDescriptionParse, err)
		}
	}

	cfg, err := ParseConfig(description)
	if err != nil {
		return nil, fmt.Errorf("teavent %s: %w", item.ID, err)
	}

	return &Teavent{
		ID:                item.ID,
		CalID:             calIDFromEmail(item.Organizer.Email),
		Summary:           item.Summary,
		Description:       description,
		Location:          item.Location,
		Start:             start,
		End:               end,
		RRule:             item.Recurrence,
		RecurringEventID:  item.RecurringEventID,
		OriginalStartTime: originalStart,
		ParticipantIDs:    []string{},
		Latees:            []string{},
		State:             StateCreated,
		Config:            cfg,
		CommunicationIDs:  []string{},
	}, nil
}

// calIDFromEmail derives the calendar id from the organizer email: the local
// part plus the "@g" suffix.
func calIDFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local + "@g"
}
