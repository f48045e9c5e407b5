package types

type TimeoutError struct{}

func (e *TimeoutError) Error() string {
	return "timeout"
}

// BusyError is reported when the modem refuses a transmission because it is
// already on air.
type BusyError struct{}

func (e *BusyError) Error() string {
	return "busy"
}
