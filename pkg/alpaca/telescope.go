package alpaca

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"aoguide/pkg/guider"
	"aoguide/pkg/store"

	log "github.com/sirupsen/logrus"
)

const (
	driverName    = "aoguide"
	driverVersion = "1.0"
)

// Telescope exposes the session's primary mount as an Alpaca telescope.
type Telescope struct {
	session *guider.Session
	scope   *guider.Scope
	store   *store.Store
	tmpl    *template.Template
	logger  log.FieldLogger

	info DeviceInfo
}

func NewTelescope(number int, session *guider.Session, scope *guider.Scope, st *store.Store, tmpl *template.Template, logger log.FieldLogger) (*Telescope, error) {
	uid, err := st.DeviceUID(fmt.Sprintf("telescope/%d", number))
	if err != nil {
		return nil, fmt.Errorf("failed to get device UID: %v", err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Telescope{
		session: session,
		scope:   scope,
		store:   st,
		tmpl:    tmpl,
		logger:  logger,
		info: DeviceInfo{
			Name:        scope.Name(),
			Description: "Primary mount",
			Type:        TypeTelescope,
			Number:      number,
			UniqueID:    uid,
		},
	}, nil
}

func (t *Telescope) DeviceInfo() DeviceInfo {
	info := t.info
	info.Name = t.scope.Name()
	return info
}

func (t *Telescope) DriverInfo() DriverInfo {
	return DriverInfo{Name: driverName, Version: driverVersion, InterfaceVersion: 3}
}

func (t *Telescope) GetState() []StateProperty {
	props := []StateProperty{timestamp()}
	if !t.Connected() {
		return props
	}

	props = append(props, StateProperty{"IsPulseGuiding", t.scope.IsGuiding()})
	if c, err := t.scope.Coordinates(); err == nil {
		props = append(props,
			StateProperty{"RightAscension", c.RightAscension},
			StateProperty{"Declination", c.Declination},
			StateProperty{"SiderealTime", c.SiderealTime},
		)
	}
	return props
}

// Connected reports whether this mount is the session's connected primary.
func (t *Telescope) Connected() bool {
	return t.session.Primary() == t.scope && t.scope.IsConnected()
}

func (t *Telescope) Connecting() bool {
	return t.scope.IsConnecting()
}

func (t *Telescope) Connect() error {
	if err := t.session.ConnectPrimary(t.scope); err != nil {
		return err
	}
	t.scope.SetRelief(t.store.Relief(t.scope.Name()))
	return nil
}

func (t *Telescope) Disconnect() error {
	if t.session.Primary() != t.scope {
		return guider.ErrNotConnected
	}
	return t.session.DisconnectPrimary()
}

// TelescopeHandler serves the guiding subset of the Alpaca telescope API.
type TelescopeHandler struct {
	DeviceHandler
	dev *Telescope
}

func NewTelescopeHandler(dev *Telescope) *TelescopeHandler {
	return &TelescopeHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (th *TelescopeHandler) RegisterRoutes(mux *http.ServeMux) {
	th.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /canpulseguide", th.handleCapability(func(c guider.ScopeCapabilities) bool { return c.CanPulseGuide }))
	mux.HandleFunc("GET /canslew", th.handleCapability(func(c guider.ScopeCapabilities) bool { return c.CanSlew }))

	mux.HandleFunc("GET /ispulseguiding", th.handleIsPulseGuiding)
	mux.HandleFunc("PUT /pulseguide", th.handlePulseGuide)
	mux.HandleFunc("GET /guideraterightascension", th.handleGuideRate)
	mux.HandleFunc("GET /guideratedeclination", th.handleGuideRate)
	mux.HandleFunc("GET /rightascension", th.handleCoordinate)
	mux.HandleFunc("GET /declination", th.handleCoordinate)
	mux.HandleFunc("GET /siderealtime", th.handleCoordinate)
	mux.HandleFunc("PUT /slewtocoordinates", th.handleSlewToCoordinates)

	mux.HandleFunc("/setup", th.handleSetup)
}

func (th *TelescopeHandler) requireConnected(w http.ResponseWriter, r *http.Request) bool {
	if !th.dev.Connected() {
		handleError(w, r, ErrorNotConnected, "Telescope is not connected")
		return false
	}
	return true
}

func (th *TelescopeHandler) handleCapability(get func(guider.ScopeCapabilities) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handleResponse(w, r, get(th.dev.scope.Capabilities()))
	}
}

func (th *TelescopeHandler) handleIsPulseGuiding(w http.ResponseWriter, r *http.Request) {
	if !th.requireConnected(w, r) {
		return
	}
	handleResponse(w, r, th.dev.scope.IsGuiding())
}

func (th *TelescopeHandler) handlePulseGuide(w http.ResponseWriter, r *http.Request) {
	if !th.requireConnected(w, r) {
		return
	}

	dir, err := parseDirection(r)
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	ms, err := parseIntRequest(r, "Duration")
	if err != nil || ms < 0 {
		handleError(w, r, ErrorInvalidValue, "Duration must be a non-negative number of milliseconds")
		return
	}

	if err := th.dev.scope.Guide(dir, time.Duration(ms)*time.Millisecond); err != nil {
		handleDeviceError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (th *TelescopeHandler) handleGuideRate(w http.ResponseWriter, r *http.Request) {
	if !th.requireConnected(w, r) {
		return
	}

	ra, dec, err := th.dev.scope.GuideRates()
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	if r.URL.Path == "/guideratedeclination" {
		handleResponse(w, r, dec)
		return
	}
	handleResponse(w, r, ra)
}

func (th *TelescopeHandler) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	if !th.requireConnected(w, r) {
		return
	}

	c, err := th.dev.scope.Coordinates()
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}

	switch r.URL.Path {
	case "/rightascension":
		handleResponse(w, r, c.RightAscension)
	case "/declination":
		handleResponse(w, r, c.Declination)
	default:
		handleResponse(w, r, c.SiderealTime)
	}
}

func (th *TelescopeHandler) handleSlewToCoordinates(w http.ResponseWriter, r *http.Request) {
	if !th.requireConnected(w, r) {
		return
	}

	ra, err := parseFloatRequest(r, "RightAscension")
	if err != nil || ra < 0 || ra >= 24 {
		handleError(w, r, ErrorInvalidValue, "RightAscension must be in [0, 24)")
		return
	}
	dec, err := parseFloatRequest(r, "Declination")
	if err != nil || dec < -90 || dec > 90 {
		handleError(w, r, ErrorInvalidValue, "Declination must be in [-90, 90]")
		return
	}

	if err := th.dev.scope.SlewToCoordinates(ra, dec); err != nil {
		handleDeviceError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

// handleSetup edits the relief settings used when the step guider hands
// its offset to this mount.
func (th *TelescopeHandler) handleSetup(w http.ResponseWriter, r *http.Request) {
	name := th.dev.scope.Name()

	switch r.Method {
	case http.MethodGet:
		th.renderSetupForm(w, th.dev.store.Relief(name), false, "")

	case http.MethodPost:
		relief, err := parseReliefForm(r)
		if err != nil {
			th.renderSetupForm(w, relief, false, err.Error())
			return
		}
		if err := th.dev.store.SetRelief(name, relief); err != nil {
			th.renderSetupForm(w, relief, false, err.Error())
			return
		}

		th.dev.logger.Infof("Setting relief for %s: %+v", name, relief)
		th.dev.scope.SetRelief(relief)
		th.renderSetupForm(w, relief, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (th *TelescopeHandler) renderSetupForm(w http.ResponseWriter, relief guider.ReliefSettings, success bool, err string) {
	data := struct {
		Name       string
		Relief     guider.ReliefSettings
		MaxPulseMs int64
		Success    bool
		Error      string
	}{th.dev.scope.Name(), relief, relief.MaxPulse.Milliseconds(), success, err}

	if err := th.dev.tmpl.ExecuteTemplate(w, "telescope_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		th.dev.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseReliefForm(r *http.Request) (guider.ReliefSettings, error) {
	relief := guider.DefaultReliefSettings
	if err := r.ParseForm(); err != nil {
		return relief, fmt.Errorf("error parsing form: %v", err)
	}

	var err error
	if relief.RAUnitsPerMs, err = strconv.ParseFloat(r.FormValue("ra-units-per-ms"), 64); err != nil {
		return relief, fmt.Errorf("invalid RA rate: %v", err)
	}
	if relief.DecUnitsPerMs, err = strconv.ParseFloat(r.FormValue("dec-units-per-ms"), 64); err != nil {
		return relief, fmt.Errorf("invalid Dec rate: %v", err)
	}
	ms, err := strconv.Atoi(r.FormValue("max-pulse-ms"))
	if err != nil {
		return relief, fmt.Errorf("invalid max pulse: %v", err)
	}
	relief.MaxPulse = time.Duration(ms) * time.Millisecond

	return relief, nil
}
