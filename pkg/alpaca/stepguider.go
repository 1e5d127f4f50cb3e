package alpaca

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"

	"aoguide/pkg/guider"
	"aoguide/pkg/store"

	log "github.com/sirupsen/logrus"
)

// StepGuider exposes the session's adaptive optics unit.
type StepGuider struct {
	session *guider.Session
	guider  *guider.StepGuider
	engine  *guider.CalibrationEngine
	tmpl    *template.Template
	logger  log.FieldLogger

	info DeviceInfo

	mu          sync.Mutex
	calibrating bool
	lastErr     error
	cancel      context.CancelFunc
}

func NewStepGuider(number int, session *guider.Session, sg *guider.StepGuider, engine *guider.CalibrationEngine, st *store.Store, tmpl *template.Template, logger log.FieldLogger) (*StepGuider, error) {
	uid, err := st.DeviceUID(fmt.Sprintf("stepguider/%d", number))
	if err != nil {
		return nil, fmt.Errorf("failed to get device UID: %v", err)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &StepGuider{
		session: session,
		guider:  sg,
		engine:  engine,
		tmpl:    tmpl,
		logger:  logger,
		info: DeviceInfo{
			Name:        sg.Name(),
			Description: "Adaptive optics step guider",
			Type:        TypeStepGuider,
			Number:      number,
			UniqueID:    uid,
		},
	}, nil
}

func (s *StepGuider) DeviceInfo() DeviceInfo {
	return s.info
}

func (s *StepGuider) DriverInfo() DriverInfo {
	return DriverInfo{Name: driverName, Version: driverVersion, InterfaceVersion: 1}
}

func (s *StepGuider) GetState() []StateProperty {
	props := []StateProperty{timestamp()}
	if !s.Connected() {
		return props
	}

	_, calibrated := s.guider.Calibration()
	props = append(props,
		StateProperty{"PositionNorthSouth", s.guider.Position(guider.AxisNS)},
		StateProperty{"PositionEastWest", s.guider.Position(guider.AxisEW)},
		StateProperty{"CalibrationAmount", s.guider.CalibrationAmount()},
		StateProperty{"Calibrated", calibrated},
		StateProperty{"CalibrationState", s.engine.State().String()},
		StateProperty{"GuidingEnabled", s.guider.GuidingEnabled()},
	)
	return props
}

// Connected reports whether this unit is the session's connected
// secondary corrector.
func (s *StepGuider) Connected() bool {
	return s.session.Secondary() == s.guider && s.guider.IsConnected()
}

func (s *StepGuider) Connecting() bool {
	return s.guider.IsConnecting()
}

func (s *StepGuider) Connect() error {
	return s.session.ConnectSecondary(s.guider)
}

func (s *StepGuider) Disconnect() error {
	s.stopCalibration()
	if s.session.Secondary() != s.guider {
		return guider.ErrNotConnected
	}
	return s.session.DisconnectSecondary()
}

// Calibrate starts a calibration run in the background. Only one run can
// be active at a time.
func (s *StepGuider) Calibrate() error {
	if !s.Connected() {
		return guider.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calibrating {
		return errors.New("calibration already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.calibrating = true
	s.lastErr = nil
	s.cancel = cancel

	go func() {
		defer cancel()
		_, err := s.engine.Run(ctx)

		s.mu.Lock()
		s.calibrating = false
		s.lastErr = err
		s.cancel = nil
		s.mu.Unlock()

		if err != nil {
			s.logger.Warnf("Calibration of %s failed: %v", s.guider.Name(), err)
		}
	}()
	return nil
}

func (s *StepGuider) stopCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Calibrating reports whether a run is active.
func (s *StepGuider) Calibrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrating
}

// CalibrationError returns the error of the last finished run.
func (s *StepGuider) CalibrationError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

type StepGuiderHandler struct {
	DeviceHandler
	dev *StepGuider
}

func NewStepGuiderHandler(dev *StepGuider) *StepGuiderHandler {
	return &StepGuiderHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (sh *StepGuiderHandler) RegisterRoutes(mux *http.ServeMux) {
	sh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /position", sh.handlePosition)
	mux.HandleFunc("GET /maxstepsfromcenter", sh.handleMaxSteps)
	mux.HandleFunc("GET /calibrationamount", sh.handleCalibrationAmount)
	mux.HandleFunc("PUT /calibrationamount", sh.handleSetCalibrationAmount)
	mux.HandleFunc("GET /guidingenabled", sh.handleGuidingEnabled)
	mux.HandleFunc("PUT /guidingenabled", sh.handleSetGuidingEnabled)
	mux.HandleFunc("PUT /move", sh.handleMove)
	mux.HandleFunc("PUT /center", sh.handleCenter)

	mux.HandleFunc("PUT /calibrate", sh.handleCalibrate)
	mux.HandleFunc("GET /calibrating", sh.handleCalibrating)
	mux.HandleFunc("GET /calibrated", sh.handleCalibrated)
	mux.HandleFunc("GET /calibrationstate", sh.handleCalibrationState)
	mux.HandleFunc("GET /calibrationerror", sh.handleCalibrationError)

	mux.HandleFunc("/setup", sh.handleSetup)
}

func (sh *StepGuiderHandler) requireConnected(w http.ResponseWriter, r *http.Request) bool {
	if !sh.dev.Connected() {
		handleError(w, r, ErrorNotConnected, "Step guider is not connected")
		return false
	}
	return true
}

func (sh *StepGuiderHandler) handlePosition(w http.ResponseWriter, r *http.Request) {
	if !sh.requireConnected(w, r) {
		return
	}
	axis, err := parseAxis(r)
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	handleResponse(w, r, sh.dev.guider.Position(axis))
}

func (sh *StepGuiderHandler) handleMaxSteps(w http.ResponseWriter, r *http.Request) {
	axis, err := parseAxis(r)
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	handleResponse(w, r, sh.dev.guider.MaxStepsFromCenter(axis.Positive()))
}

func (sh *StepGuiderHandler) handleCalibrationAmount(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, sh.dev.guider.CalibrationAmount())
}

func (sh *StepGuiderHandler) handleSetCalibrationAmount(w http.ResponseWriter, r *http.Request) {
	amount, err := parseIntRequest(r, "CalibrationAmount")
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	if err := sh.dev.guider.SetCalibrationAmount(amount); err != nil {
		handleDeviceError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (sh *StepGuiderHandler) handleGuidingEnabled(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, sh.dev.guider.GuidingEnabled())
}

func (sh *StepGuiderHandler) handleSetGuidingEnabled(w http.ResponseWriter, r *http.Request) {
	enabled, err := parseBoolRequest(r, "GuidingEnabled")
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	sh.dev.guider.SetGuidingEnabled(enabled)
	handleResponse(w, r, nil)
}

// handleMove issues a normal guide move and returns the steps issued.
func (sh *StepGuiderHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	if !sh.requireConnected(w, r) {
		return
	}

	dir, err := parseDirection(r)
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}
	amount, err := parseFloatRequest(r, "Amount")
	if err != nil {
		handleError(w, r, ErrorInvalidValue, err.Error())
		return
	}

	steps, err := sh.dev.guider.Move(dir, amount, true)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	handleResponse(w, r, steps)
}

func (sh *StepGuiderHandler) handleCenter(w http.ResponseWriter, r *http.Request) {
	if !sh.requireConnected(w, r) {
		return
	}
	if err := sh.dev.guider.Center(); err != nil {
		handleDeviceError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

func (sh *StepGuiderHandler) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if err := sh.dev.Calibrate(); err != nil {
		if errors.Is(err, guider.ErrNotConnected) {
			handleDeviceError(w, r, err)
			return
		}
		handleError(w, r, ErrorInvalidOperation, err.Error())
		return
	}
	handleResponse(w, r, nil)
}

func (sh *StepGuiderHandler) handleCalibrating(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, sh.dev.Calibrating())
}

func (sh *StepGuiderHandler) handleCalibrated(w http.ResponseWriter, r *http.Request) {
	_, ok := sh.dev.guider.Calibration()
	handleResponse(w, r, ok)
}

func (sh *StepGuiderHandler) handleCalibrationState(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, sh.dev.engine.State().String())
}

func (sh *StepGuiderHandler) handleCalibrationError(w http.ResponseWriter, r *http.Request) {
	msg := ""
	if err := sh.dev.CalibrationError(); err != nil {
		msg = err.Error()
	}
	handleResponse(w, r, msg)
}

// handleSetup edits the calibration amount.
func (sh *StepGuiderHandler) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sh.renderSetupForm(w, sh.dev.guider.CalibrationAmount(), false, "")

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			sh.renderSetupForm(w, sh.dev.guider.CalibrationAmount(), false, fmt.Sprintf("error parsing form: %v", err))
			return
		}
		amount, err := strconv.Atoi(r.FormValue("calibration-amount"))
		if err != nil {
			sh.renderSetupForm(w, sh.dev.guider.CalibrationAmount(), false, "Calibration amount must be a whole number")
			return
		}
		if err := sh.dev.guider.SetCalibrationAmount(amount); err != nil {
			sh.renderSetupForm(w, sh.dev.guider.CalibrationAmount(), false, err.Error())
			return
		}

		sh.dev.logger.Infof("Calibration amount of %s set to %d", sh.dev.guider.Name(), amount)
		sh.renderSetupForm(w, amount, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (sh *StepGuiderHandler) renderSetupForm(w http.ResponseWriter, amount int, success bool, err string) {
	data := struct {
		Name              string
		CalibrationAmount int
		CalibrationTime   int
		MaxSteps          int
		Success           bool
		Error             string
	}{
		Name:              sh.dev.guider.Name(),
		CalibrationAmount: amount,
		CalibrationTime:   sh.dev.guider.CalibrationTime(1),
		MaxSteps:          sh.dev.guider.MaxStepsFromCenter(guider.North),
		Success:           success,
		Error:             err,
	}

	if err := sh.dev.tmpl.ExecuteTemplate(w, "stepguider_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		sh.dev.logger.Errorf("Error rendering template: %v", err)
	}
}
