package aimpoint

// StatusMessage is the one record every collector run puts on the status
// queue.
type StatusMessage struct {
	Aimpoint     *Aimpoint `json:"aimpoint"`
	IsCollecting bool      `json:"isCollecting"`
}

// DispatchMessage asks the dispatcher to run the collector for an aimpoint.
// Proxy and VPN override the aimpoint's egress for this run only.
type DispatchMessage struct {
	Aimpoint *Aimpoint         `json:"aimpoint"`
	Proxy    *string           `json:"proxy,omitempty"`
	VPN      *string           `json:"vpn,omitempty"`
	LongLat  []float64         `json:"longLat,omitempty"`
	Envelope map[string]string `json:"envelope,omitempty"`
}

// NewDispatch wraps a for dispatch, copying the fields the audit log uses.
func NewDispatch(a *Aimpoint, envelope map[string]string) DispatchMessage {
	return DispatchMessage{
		Aimpoint: a,
		Proxy:    a.Proxy,
		VPN:      a.VPN,
		LongLat:  a.LongLat,
		Envelope: envelope,
	}
}
