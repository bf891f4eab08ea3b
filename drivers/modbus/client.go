package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// Client defines the subset of Modbus operations required by the driver.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// Endpoint addresses a Modbus TCP unit.
type Endpoint struct {
	Address string
	UnitID  byte
	Timeout time.Duration
}

func (e Endpoint) key() string {
	return fmt.Sprintf("%s#%d", e.Address, e.UnitID)
}

// ClientFactory is responsible for creating Modbus clients.
type ClientFactory func(endpoint Endpoint) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(endpoint Endpoint) (Client, error) {
		if endpoint.Address == "" {
			return nil, fmt.Errorf("modbus address is required")
		}
		handler := modbus.NewTCPClientHandler(endpoint.Address)
		handler.SlaveId = endpoint.UnitID
		timeout := endpoint.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", endpoint.Address, err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
