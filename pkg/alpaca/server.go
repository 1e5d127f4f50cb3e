// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"aoguide/pkg/store"

	log "github.com/sirupsen/logrus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server is an Alpaca management server that provides information
// about the server and the devices it manages.
type Server struct {
	description ServerDescription
	devices     []Device

	db     *store.Store
	tmpl   *template.Template
	logger log.FieldLogger
}

// NewServer creates a new ManagementServer instance.
func NewServer(description ServerDescription, devices []Device, db *store.Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}

	server := Server{
		description: description,
		devices:     devices,
		db:          db,
		tmpl:        tmpl,
		logger:      logger,
	}

	return &server
}

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", handleMgm(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handleMgm(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handleMgm(s.handleConfiguredDevices))
	r.HandleFunc("/setup", s.handleSetup)

	// Create handlers for each device
	for _, dev := range s.devices {
		mux := http.NewServeMux()
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case *Telescope:
			s.logger.Infof("Creating new TelescopeHandler for %s", dev.DeviceInfo().Name)
			handler = NewTelescopeHandler(d)
		case *StepGuider:
			s.logger.Infof("Creating new StepGuiderHandler for %s", dev.DeviceInfo().Name)
			handler = NewStepGuiderHandler(d)
		default:
			s.logger.Errorf("Unknown device type: %T", dev)
			handler = NewDeviceHandler(dev)
		}
		handler.RegisterRoutes(mux)

		devType := strings.ToLower(dev.DeviceInfo().Type.String())
		devNumber := dev.DeviceInfo().Number

		apiPrefix := fmt.Sprintf("/api/v1/%s/%d", devType, devNumber)
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		setupPrefix := fmt.Sprintf("/setup/v1/%s/%d", devType, devNumber)
		r.Handle(setupPrefix+"/", http.StripPrefix(setupPrefix, mux))
	}

	return r
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	return s.deviceInfo(), nil
}

// handleSetup edits the status broker configuration. Changes apply on
// the next start.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.MQTTConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		if err := s.db.SetMQTTConfig(cfg); err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		s.logger.Infof("Status broker set to %s (enabled=%v)", cfg.Host, cfg.Enabled)
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg store.MQTTConfig, success bool, err string) {
	data := struct {
		store.MQTTConfig
		Devices []DeviceInfo
		Success bool
		Error   string
	}{cfg, s.deviceInfo(), success, err}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) deviceInfo() []DeviceInfo {
	infos := make([]DeviceInfo, 0, len(s.devices))
	for _, d := range s.devices {
		infos = append(infos, d.DeviceInfo())
	}
	return infos
}

func parseSetupForm(r *http.Request) (store.MQTTConfig, error) {
	if err := r.ParseForm(); err != nil {
		return store.MQTTConfig{}, fmt.Errorf("error parsing form: %v", err)
	}

	return store.MQTTConfig{
		Enabled:   r.FormValue("mqtt-enabled") == "true",
		Host:      strings.TrimSpace(r.FormValue("mqtt-host")),
		Username:  r.FormValue("mqtt-username"),
		Password:  r.FormValue("mqtt-password"),
		TopicRoot: strings.TrimSpace(r.FormValue("mqtt-topic-root")),
	}, nil
}
