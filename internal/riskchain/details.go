package riskchain

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
)

type triggerDetails struct {
	MsgName    string          `json:"msgName"`
	Name       string          `json:"name"`
	StatusCode int             `json:"statusCode"`
	StatusMsg  string          `json:"statusMsg"`
	OrderInfo  json.RawMessage `json:"orderInfo"`
}

// makeDetails renders the trigger details attached to a rejected order.
func makeDetails(name string, code int, msg string, order *schema.OrderRecord) string {
	raw, err := json.Marshal(triggerDetails{
		MsgName:    "triggerRiskCtrl",
		Name:       name,
		StatusCode: code,
		StatusMsg:  msg,
		OrderInfo:  json.RawMessage(order.ToJSON()),
	})
	if err != nil {
		return msg
	}
	return string(raw)
}

func saveTrigger(sink flowctrl.TriggerSink, name string, code int, msg, details string, order *schema.OrderRecord, at int64) {
	if sink == nil {
		return
	}
	sink.SaveTrigger(flowctrl.TriggerInfo{
		Name:       name,
		StatusCode: code,
		StatusMsg:  msg,
		Details:    details,
		OrderID:    order.OrderID,
		At:         time.UnixMilli(at),
	})
}
