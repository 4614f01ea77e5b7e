package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"rss_relay/internal/events"
	"rss_relay/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		outcome       events.Outcome
		wantStatus    model.DeliveryStatus
		wantCode      string
		wantRejection model.RejectionCode
	}{
		{name: "transport error", outcome: events.Outcome{TransportError: "reset"}, wantStatus: model.StatusFailed, wantCode: "internal"},
		{name: "ok", outcome: events.Outcome{Status: 200}, wantStatus: model.StatusSent},
		{name: "redirect counts as sent", outcome: events.Outcome{Status: 302}, wantStatus: model.StatusSent},
		{name: "bad request", outcome: events.Outcome{Status: 400}, wantStatus: model.StatusRejected, wantCode: "BadRequest", wantRejection: model.RejectedBadRequest},
		{name: "forbidden", outcome: events.Outcome{Status: 403}, wantStatus: model.StatusRejected, wantCode: "Forbidden", wantRejection: model.RejectedForbidden},
		{name: "not found", outcome: events.Outcome{Status: 404}, wantStatus: model.StatusRejected, wantCode: "MediumNotFound", wantRejection: model.RejectedMediumNotFound},
		{name: "server error", outcome: events.Outcome{Status: 502}, wantStatus: model.StatusFailed, wantCode: "third_party_internal"},
		{name: "unhandled client error", outcome: events.Outcome{Status: 429}, wantStatus: model.StatusFailed, wantCode: "internal"},
		{name: "informational", outcome: events.Outcome{Status: 101}, wantStatus: model.StatusFailed, wantCode: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, rejection := Classify(tt.outcome)
			got := []any{update.Status, update.ErrorCode, rejection}
			want := []any{tt.wantStatus, tt.wantCode, tt.wantRejection}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyUnhandledMessage(t *testing.T) {
	update, _ := Classify(events.Outcome{Status: 418, Body: "teapot"})
	if update.InternalMessage != "unhandled status code 418: teapot" {
		t.Errorf("InternalMessage = %q", update.InternalMessage)
	}
}
