// Package alpacascope drives a mount through the ASCOM Alpaca telescope API.
//
// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Device+API
package alpacascope

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aoguide/pkg/guider"

	log "github.com/sirupsen/logrus"
)

// Alpaca error numbers.
const (
	errNotImplemented = 0x400
	errNotConnected   = 0x407
)

const (
	defaultTimeout = 5 * time.Second
	// degrees per second
	siderealRate = 15.041 / 3600.0
)

// Config locates the telescope device on an Alpaca server.
type Config struct {
	URL          string        `yaml:"url"`
	DeviceNumber int           `yaml:"device_number"`
	ClientID     int           `yaml:"client_id"`
	Timeout      time.Duration `yaml:"timeout"`
}

type response struct {
	ClientTransactionID int             `json:"ClientTransactionID"`
	ServerTransactionID int             `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
	Value               json.RawMessage `json:"Value"`
}

// DeviceError is an error reported by the Alpaca device.
type DeviceError struct {
	Number  int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("alpaca error 0x%x: %s", e.Number, e.Message)
}

func (e *DeviceError) Unwrap() error {
	switch e.Number {
	case errNotImplemented:
		return guider.ErrNotImplemented
	case errNotConnected:
		return guider.ErrNotConnected
	}
	return nil
}

// Driver is a guider.ScopeDriver for an Alpaca telescope.
type Driver struct {
	cfg    Config
	base   string
	client *http.Client
	logger log.FieldLogger
	txID   atomic.Uint32

	mu        sync.Mutex
	name      string
	connected bool
	caps      guider.ScopeCapabilities
}

func New(cfg Config, logger log.FieldLogger) (*Driver, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Alpaca URL %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Driver{
		cfg:    cfg,
		base:   fmt.Sprintf("%s/api/v1/telescope/%d", strings.TrimRight(cfg.URL, "/"), cfg.DeviceNumber),
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithField("driver", "alpaca"),
		name:   fmt.Sprintf("Alpaca telescope %d", cfg.DeviceNumber),
	}, nil
}

func (d *Driver) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) Capabilities() guider.ScopeCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// Connect sets Connected on the device and probes its optional features.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.put(ctx, "connected", url.Values{"Connected": {"true"}}); err != nil {
		return fmt.Errorf("set connected: %w", err)
	}

	var name string
	if err := d.get(ctx, "name", &name); err != nil {
		d.logger.Warnf("Cannot read device name: %v", err)
	}

	caps := d.probe(ctx)

	d.mu.Lock()
	if name != "" {
		d.name = name
	}
	d.caps = caps
	d.connected = true
	d.mu.Unlock()

	d.logger.Infof("Connected to %s, capabilities %+v", d.Name(), caps)
	return nil
}

func (d *Driver) probe(ctx context.Context) guider.ScopeCapabilities {
	var caps guider.ScopeCapabilities

	if err := d.get(ctx, "canpulseguide", &caps.CanPulseGuide); err != nil {
		d.logger.Warnf("CanPulseGuide failed: %v", err)
	}

	var b bool
	var f float64
	caps.CanCheckPulseGuiding = d.get(ctx, "ispulseguiding", &b) == nil
	caps.CanReportSlewingStatus = d.get(ctx, "slewing", &b) == nil

	caps.CanGetCoordinates = d.get(ctx, "declination", &f) == nil &&
		d.get(ctx, "rightascension", &f) == nil &&
		d.get(ctx, "siderealtime", &f) == nil

	caps.CanGetGuideRates = d.get(ctx, "guideratedeclination", &f) == nil &&
		d.get(ctx, "guideraterightascension", &f) == nil

	if err := d.get(ctx, "canslew", &caps.CanSlew); err != nil {
		caps.CanSlew = false
	}

	return caps
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	return d.put(ctx, "connected", url.Values{"Connected": {"false"}})
}

// PulseGuide sends a guide pulse. Alpaca GuideDirections share the
// numbering of guider.Direction.
func (d *Driver) PulseGuide(ctx context.Context, dir guider.Direction, duration time.Duration) error {
	return d.put(ctx, "pulseguide", url.Values{
		"Direction": {strconv.Itoa(int(dir))},
		"Duration":  {strconv.FormatInt(duration.Milliseconds(), 10)},
	})
}

func (d *Driver) IsPulseGuiding() (bool, error) {
	var v bool
	err := d.get(context.Background(), "ispulseguiding", &v)
	return v, err
}

func (d *Driver) Slewing() (bool, error) {
	var v bool
	err := d.get(context.Background(), "slewing", &v)
	return v, err
}

// GuideRates returns the RA and Dec guide rates in degrees per second.
func (d *Driver) GuideRates() (float64, float64, error) {
	ctx := context.Background()

	var ra, dec float64
	if err := d.get(ctx, "guideraterightascension", &ra); err != nil {
		return 0, 0, err
	}
	if err := d.get(ctx, "guideratedeclination", &dec); err != nil {
		return 0, 0, err
	}
	if ra <= 0 || dec <= 0 || ra > 10*siderealRate || dec > 10*siderealRate {
		return 0, 0, fmt.Errorf("implausible guide rates ra=%g dec=%g", ra, dec)
	}
	return ra, dec, nil
}

func (d *Driver) Coordinates() (guider.Coordinates, error) {
	ctx := context.Background()

	var c guider.Coordinates
	if err := d.get(ctx, "rightascension", &c.RightAscension); err != nil {
		return guider.Coordinates{}, err
	}
	if err := d.get(ctx, "declination", &c.Declination); err != nil {
		return guider.Coordinates{}, err
	}
	if err := d.get(ctx, "siderealtime", &c.SiderealTime); err != nil {
		return guider.Coordinates{}, err
	}
	if math.Abs(c.Declination) > 90 {
		return guider.Coordinates{}, fmt.Errorf("declination %g out of range", c.Declination)
	}
	return c, nil
}

// SlewToCoordinates starts a slew and waits until the mount stops.
func (d *Driver) SlewToCoordinates(ctx context.Context, ra, dec float64) error {
	err := d.put(ctx, "slewtocoordinatesasync", url.Values{
		"RightAscension": {strconv.FormatFloat(ra, 'f', -1, 64)},
		"Declination":    {strconv.FormatFloat(dec, 'f', -1, 64)},
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			slewing, err := d.Slewing()
			if err != nil {
				return err
			}
			if !slewing {
				return nil
			}
		}
	}
}

func (d *Driver) nextTx() string {
	return strconv.FormatUint(uint64(d.txID.Add(1)), 10)
}

func (d *Driver) get(ctx context.Context, property string, value any) error {
	q := url.Values{
		"ClientID":            {strconv.Itoa(d.cfg.ClientID)},
		"ClientTransactionID": {d.nextTx()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/"+property+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return d.do(req, property, value)
}

func (d *Driver) put(ctx context.Context, method string, params url.Values) error {
	params.Set("ClientID", strconv.Itoa(d.cfg.ClientID))
	params.Set("ClientTransactionID", d.nextTx())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.base+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return d.do(req, method, nil)
}

func (d *Driver) do(req *http.Request, name string, value any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%s: %s: %w", name, resp.Status, guider.ErrNotImplemented)
		}
		return fmt.Errorf("%s: unexpected status %s", name, resp.Status)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	if r.ErrorNumber != 0 {
		return fmt.Errorf("%s: %w", name, &DeviceError{Number: r.ErrorNumber, Message: r.ErrorMessage})
	}

	if value == nil {
		return nil
	}
	if len(r.Value) == 0 {
		return fmt.Errorf("%s: missing value", name)
	}
	if err := json.Unmarshal(r.Value, value); err != nil {
		return fmt.Errorf("%s: decode value: %w", name, err)
	}
	return nil
}
