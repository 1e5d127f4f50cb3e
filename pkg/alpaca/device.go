package alpaca

import "time"

// DeviceType is the Alpaca device type used in API paths.
type DeviceType string

const (
	TypeTelescope  DeviceType = "Telescope"
	TypeStepGuider DeviceType = "StepGuider"
)

func (t DeviceType) String() string {
	return string(t)
}

type DeviceInfo struct {
	Name        string     `json:"DeviceName"`
	Description string     `json:"-"`
	Type        DeviceType `json:"DeviceType"`
	Number      int        `json:"DeviceNumber"`
	UniqueID    string     `json:"UniqueID"`
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value any
}

func timestamp() StateProperty {
	return StateProperty{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}
