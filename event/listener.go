package event

// Listener receives asynchronous notifications from a connection. Implement
// only the callbacks you need by embedding BaseListener.
//
// Callbacks for one listener are invoked sequentially, in the order the
// underlying protocol events were decoded. Delivery order across listeners
// is unspecified.
type Listener interface {
	// OnStateChanged fires when the connection lifecycle state changes.
	OnStateChanged(state ConnectionState)

	// OnStatusChanged fires for each decoded status report.
	OnStatusChanged(status Status)

	// OnAlarm fires for machine-safety conditions. Alarms do not terminate
	// the connection; they are operator-actionable.
	OnAlarm(code int, description string)

	// OnError fires for connection failures and protocol anomalies.
	OnError(message string)

	// OnCommandComplete fires when a streamed command reaches terminal
	// acknowledged state.
	OnCommandComplete(command string)
}

// BaseListener provides no-op implementations of every Listener callback.
type BaseListener struct{}

// OnStateChanged implements Listener.
func (BaseListener) OnStateChanged(ConnectionState) {}

// OnStatusChanged implements Listener.
func (BaseListener) OnStatusChanged(Status) {}

// OnAlarm implements Listener.
func (BaseListener) OnAlarm(int, string) {}

// OnError implements Listener.
func (BaseListener) OnError(string) {}

// OnCommandComplete implements Listener.
func (BaseListener) OnCommandComplete(string) {}

var _ Listener = BaseListener{}
