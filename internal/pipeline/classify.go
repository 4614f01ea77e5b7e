package pipeline

import (
	"fmt"
	"net/http"

	"rss_relay/internal/events"
	"rss_relay/internal/model"
)

// Classify maps a transport outcome to the terminal update of its record.
// The returned rejection code is empty unless the outcome is a rejection.
func Classify(o events.Outcome) (model.DeliveryUpdate, model.RejectionCode) {
	rejected := func(code model.RejectionCode) (model.DeliveryUpdate, model.RejectionCode) {
		return model.DeliveryUpdate{
			Status:          model.StatusRejected,
			ErrorCode:       string(code),
			InternalMessage: o.Body,
		}, code
	}
	failed := func(code model.ErrorCode, msg string) (model.DeliveryUpdate, model.RejectionCode) {
		return model.DeliveryUpdate{
			Status:          model.StatusFailed,
			ErrorCode:       string(code),
			InternalMessage: msg,
		}, ""
	}

	switch {
	case o.TransportError != "":
		return failed(model.ErrorInternal, o.TransportError)
	case o.Status == http.StatusBadRequest:
		return rejected(model.RejectedBadRequest)
	case o.Status >= http.StatusInternalServerError:
		return failed(model.ErrorThirdPartyInternal, o.Body)
	case o.Status == http.StatusForbidden:
		return rejected(model.RejectedForbidden)
	case o.Status == http.StatusNotFound:
		return rejected(model.RejectedMediumNotFound)
	case o.Status < http.StatusOK || o.Status >= http.StatusBadRequest:
		return failed(model.ErrorInternal, fmt.Sprintf("unhandled status code %d: %s", o.Status, o.Body))
	default:
		return model.DeliveryUpdate{Status: model.StatusSent}, ""
	}
}
