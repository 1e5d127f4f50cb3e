package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultDiscoveryPort is the Alpaca discovery port.
const DefaultDiscoveryPort = 32227

const discoveryMessage = "alpacadiscovery1"

// DiscoveryResponder responds to Alpaca discovery requests.
type DiscoveryResponder struct {
	addr           string
	port           int
	alpacaResponse string
	logger         log.FieldLogger

	ready chan net.Addr
}

// NewDiscoveryResponder creates a responder listening on addr:port that
// advertises the Alpaca API on alpacaPort.
func NewDiscoveryResponder(addr string, port, alpacaPort int, logger log.FieldLogger) *DiscoveryResponder {
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &DiscoveryResponder{
		addr:           addr,
		port:           port,
		alpacaResponse: fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort),
		logger:         logger,
		ready:          make(chan net.Addr, 1),
	}
}

// Ready receives the bound address once Run is listening.
func (d *DiscoveryResponder) Ready() <-chan net.Addr {
	return d.ready
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	d.ready <- sock.LocalAddr()

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Set a read deadline to periodically check for context cancellation
		sock.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(data, discoveryMessage) {
			if _, err := sock.WriteToUDP([]byte(d.alpacaResponse), addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
