package calls

// Event is a lifecycle signal about a call that is already known to this participant.
// The set of implementations is closed; consumers switch on the concrete type.
type Event interface {
	SessionID() string
	isEvent()
}

// CallCancelled reports that the caller withdrew the offer.
type CallCancelled struct {
	ID string `json:"call_id"`
}

// CallAccepted reports that the receiver answered. Media may carry credentials
// when the backend attaches them to the notification.
type CallAccepted struct {
	ID    string            `json:"call_id"`
	Media *MediaCredentials `json:"media,omitempty"`
}

// CallRejected reports that the receiver declined.
type CallRejected struct {
	ID     string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// CallEnded reports that the other side hung up.
type CallEnded struct {
	ID string `json:"call_id"`
}

// IncomingCall announces a new offer. Offers are only originated from push and
// polling, so this event is decoded but never acted on.
type IncomingCall struct {
	Call Snapshot `json:"call"`
}

func (e CallCancelled) SessionID() string { return e.ID }
func (e CallAccepted) SessionID() string  { return e.ID }
func (e CallRejected) SessionID() string  { return e.ID }
func (e CallEnded) SessionID() string     { return e.ID }
func (e IncomingCall) SessionID() string  { return e.Call.ID }

func (CallCancelled) isEvent() {}
func (CallAccepted) isEvent()  {}
func (CallRejected) isEvent()  {}
func (CallEnded) isEvent()     {}
func (IncomingCall) isEvent()  {}
