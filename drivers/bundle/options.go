package bundle

import (
	modbus "github.com/timzifer/scopectl/drivers/modbus"
	"github.com/timzifer/scopectl/drivers/sim"
	"github.com/timzifer/scopectl/service"
)

const (
	simDriver    = "sim"
	modbusDriver = "modbus"
)

// Options returns service options that register the bundled drivers. Hardware
// sources without a driver use the simulated camera.
func Options(factory modbus.ClientFactory) []service.Option {
	opts := WithSim()
	return append(opts, WithModbus(factory))
}

// WithSim registers only the simulated instrument and camera drivers.
func WithSim() []service.Option {
	device := sim.NewDeviceFactory()
	return []service.Option{
		service.WithWriterFactory(simDriver, sim.NewWriterFactory()),
		service.WithDeviceFactory(simDriver, device),
		service.WithDeviceFactory("", device),
	}
}

// WithModbus registers only the Modbus control writer.
func WithModbus(factory modbus.ClientFactory) service.Option {
	return service.WithWriterFactory(modbusDriver, modbus.NewWriterFactory(factory))
}
