package schema

// Status codes returned to order originators.
const (
	StatusOK = 0

	StatusOrdMgrAddFailed    = -7001
	StatusOrdMgrRemoveFailed = -7002
	StatusOrdMgrOrderMissing = -7005

	StatusExceedFlowCtrl        = 18001
	StatusExistsOpenPending     = 18011
	StatusThrottled             = 18021
	StatusExternalRejectUpper   = -18000
	StatusExternalRejectLowerEx = -18100
)

var statusMessages = map[int]string{
	StatusOK:                 "success",
	StatusOrdMgrAddFailed:    "add order to order store failed",
	StatusOrdMgrRemoveFailed: "remove order from order store failed",
	StatusOrdMgrOrderMissing: "cannot find order in order store",
	StatusExceedFlowCtrl:     "exceed flow ctrl",
	StatusExistsOpenPending:  "exists open pending orders",
	StatusThrottled:          "order rate throttled",
}

// StatusMessage returns a description for the code.
func StatusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	if IsExternalReject(code) {
		return "rejected by exchange"
	}
	return "unknown status"
}

// IsExternalReject reports whether an acknowledgment status code is an
// exchange-side rejection counted by reject rules.
func IsExternalReject(code int) bool {
	return code <= StatusExternalRejectUpper && code > StatusExternalRejectLowerEx
}
