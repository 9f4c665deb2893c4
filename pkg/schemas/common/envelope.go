package common

// Envelope wraps every payload published on the notification fan-out.
type Envelope struct {
	Topic string `json:"topic"`
	Meta  Meta   `json:"meta"`
	Data  any    `json:"data"`
}
