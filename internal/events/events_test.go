package events

import (
	"testing"

	"go.uber.org/multierr"
)

func TestFeedFetchedValidate(t *testing.T) {
	tests := []struct {
		name     string
		event    FeedFetched
		wantErrs int
	}{
		{
			name:  "valid",
			event: FeedFetched{FeedID: "f1", URL: "https://example.com/rss", Destinations: []Destination{{ID: "d1"}}},
		},
		{
			name:     "missing ids",
			event:    FeedFetched{Destinations: []Destination{{}}},
			wantErrs: 3,
		},
		{
			name:     "negative limits",
			event:    FeedFetched{FeedID: "f1", URL: "u", ArticleDayLimit: -1, DateChecks: DateChecks{OldArticleDateDiffMsThreshold: -5}},
			wantErrs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if got := len(multierr.Errors(err)); got != tt.wantErrs {
				t.Errorf("Validate() returned %d errors (%v), want %d", got, err, tt.wantErrs)
			}
		})
	}
}

func TestDeliveryOutcomeValidate(t *testing.T) {
	if err := (DeliveryOutcome{JobID: "j", Outcome: Outcome{Status: 200}}).Validate(); err != nil {
		t.Errorf("status outcome: %v", err)
	}
	if err := (DeliveryOutcome{JobID: "j", Outcome: Outcome{TransportError: "reset"}}).Validate(); err != nil {
		t.Errorf("transport outcome: %v", err)
	}
	if err := (DeliveryOutcome{}).Validate(); len(multierr.Errors(err)) != 2 {
		t.Errorf("empty outcome: got %v, want 2 errors", err)
	}
}

func TestFeedDeletedValidate(t *testing.T) {
	if err := (FeedDeleted{}).Validate(); err == nil {
		t.Error("expected error for empty feed id")
	}
	if err := (FeedDeleted{FeedID: "f"}).Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
